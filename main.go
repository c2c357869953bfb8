// Command rankscan starts the playlist rank scanner API server.
//
// Configuration comes from the environment (a .env file is loaded when
// present):
//
//	SPOTIFY_CLIENT_ID / SPOTIFY_CLIENT_SECRET  API credentials (required)
//	SPOTIFY_GLOBAL_RPS                         global call rate cap (default 1.5)
//	SPOTIFY_MAX_CONCURRENCY                    in-flight call cap (default 3)
//	LISTEN_ADDR                                bind address (default :8080)
//	DB_PATH                                    SQLite file (default data/rankscan.db)
//	STUCK_SCAN_MINUTES                         watchdog threshold (default 10)
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/pacing"
	"github.com/raysh454/rankscan/internal/scan"
	"github.com/raysh454/rankscan/internal/server"
	"github.com/raysh454/rankscan/internal/spotify"
	"github.com/raysh454/rankscan/internal/store"
)

const (
	defaultGlobalRPS      = 1.5
	defaultMaxConcurrency = 3
)

func main() {
	_ = godotenv.Load()

	logger := logging.NewStdoutLogger("rankscan")

	spotifyCfg := spotify.DefaultConfig()
	spotifyCfg.ClientID = os.Getenv("SPOTIFY_CLIENT_ID")
	spotifyCfg.ClientSecret = os.Getenv("SPOTIFY_CLIENT_SECRET")
	if spotifyCfg.ClientID == "" || spotifyCfg.ClientSecret == "" {
		logger.Warn("SPOTIFY_CLIENT_ID / SPOTIFY_CLIENT_SECRET not set; scans will fail at token fetch")
	}

	gate := pacing.NewRateGate(envFloat("SPOTIFY_GLOBAL_RPS", defaultGlobalRPS))
	guard := pacing.NewGuard(envInt("SPOTIFY_MAX_CONCURRENCY", defaultMaxConcurrency))
	window := metrics.NewWindow(metrics.DefaultWindow)

	client := spotify.NewClient(spotifyCfg, gate, guard, window, component(logger, "spotify"), nil)

	dbPath := envString("DB_PATH", "data/rankscan.db")
	db, err := store.Open(dbPath, component(logger, "store"))
	if err != nil {
		logger.Error("opening store", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	scanCfg := scan.DefaultConfig()
	orch := scan.New(scanCfg, client, db, component(logger, "orchestrator"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchdog := scan.NewWatchdog(orch,
		time.Duration(envInt("STUCK_SCAN_MINUTES", 10))*time.Minute,
		time.Duration(envInt("WATCHDOG_INTERVAL_SECONDS", 60))*time.Second,
		component(logger, "watchdog"))
	go watchdog.Run(ctx)

	srvCfg := server.DefaultConfig()
	srvCfg.ListenAddr = envString("LISTEN_ADDR", ":8080")
	srvCfg.Logger = component(logger, "server")
	srv := server.NewServer(srvCfg, orch, client, window, gate, guard)

	httpSrv := srv.HTTPServer()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening",
		logging.Field{Key: "addr", Value: srvCfg.ListenAddr},
		logging.Field{Key: "global_rps", Value: gate.TargetRPS()},
		logging.Field{Key: "max_concurrency", Value: guard.Capacity()})
	if err := httpSrv.ListenAndServe(); err != nil && ctx.Err() == nil {
		logger.Error("server error", logging.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
}

func component(l logging.Logger, name string) logging.Logger {
	return l.With(logging.Field{Key: "component", Value: name})
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
