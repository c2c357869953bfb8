// Package server is the HTTP + SSE + WebSocket API surface: scan
// lifecycle endpoints, the progress streams, and the rolling Spotify
// client metrics for diagnostics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raysh454/rankscan/internal/keywords"
	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/pacing"
	"github.com/raysh454/rankscan/internal/scan"
	"github.com/raysh454/rankscan/internal/spotify"
)

// MarketLister is the slice of the Spotify client the server calls
// directly (outside any scan).
type MarketLister interface {
	Markets(ctx context.Context, ex *spotify.Exec) ([]string, error)
}

// Server is the HTTP API surface.
type Server struct {
	cfg          Config
	orchestrator *scan.Orchestrator
	markets      MarketLister
	window       *metrics.Window
	gate         *pacing.RateGate
	guard        *pacing.Guard
	router       chi.Router
	upgrader     websocket.Upgrader
	logger       logging.Logger
}

// NewServer wires the API surface to an orchestrator and the shared
// pacing state. markets, window, gate and guard may be nil; the
// corresponding endpoints then answer with what they have.
func NewServer(cfg Config, orch *scan.Orchestrator, markets MarketLister, window *metrics.Window, gate *pacing.RateGate, guard *pacing.Guard) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("Server")
	}

	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		markets:      markets,
		window:       window,
		gate:         gate,
		guard:        guard,
		router:       chi.NewRouter(),
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: tighten for production
				return true
			},
		},
	}
	s.routes()
	return s
}

// Orchestrator returns the underlying orchestrator for advanced use (tests, etc.).
func (s *Server) Orchestrator() *scan.Orchestrator {
	return s.orchestrator
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/scans", s.optionsHandler("GET, POST"))
	r.Options("/scans/{scanID}", s.optionsHandler("GET, DELETE"))
	r.Options("/scans/{scanID}/events", s.optionsHandler("GET"))
	r.Options("/markets", s.optionsHandler("GET"))
	r.Options("/debug/spotify/metrics", s.optionsHandler("GET"))

	// Scans
	r.Post("/scans", s.handleStartScan)
	r.Get("/scans", s.handleListScans)
	r.Get("/scans/{scanID}", s.handleGetScan)
	r.Delete("/scans/{scanID}", s.handleCancelScan)

	// Progress streams
	r.Get("/scans/{scanID}/events", s.handleScanEventsSSE)
	r.Get("/ws/scans/{scanID}", s.handleScanWS)

	// Diagnostics
	r.Get("/markets", s.handleMarkets)
	r.Get("/debug/spotify/metrics", s.handleSpotifyMetrics)
	r.Get("/healthz", s.handleHealthz)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if r.Body != nil && r.Method == http.MethodPost {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// stringList accepts either a JSON array of strings or one raw string
// with comma/newline separators, matching what the form UI submits.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected string or array of strings")
	}
	*l = keywords.Split(raw)
	return nil
}

// --- HTTP handlers ---

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlaylistURL string     `json:"playlist_url"`
		Keywords    stringList `json:"keywords"`
		Countries   stringList `json:"countries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sc, err := s.orchestrator.StartScan(r.Context(), body.PlaylistURL, body.Keywords, body.Countries)
	if err != nil {
		s.logger.Warn("starting scan", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := s.orchestrator.Status(r.Context(), sc.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("started scan", logging.Field{Key: "scan_id", Value: sc.ID})
	writeJSON(w, http.StatusAccepted, doc)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	docs := s.orchestrator.List()
	s.logger.Info("listed scans", logging.Field{Key: "count", Value: len(docs)})
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	doc, err := s.orchestrator.Status(r.Context(), scanID)
	if err != nil {
		s.logger.Warn("getting scan: not found", logging.Field{Key: "scan_id", Value: scanID})
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	if err := s.orchestrator.Cancel(scanID); err != nil {
		if errors.Is(err, scan.ErrScanNotFound) {
			writeError(w, http.StatusNotFound, "scan not found or not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("cancelling scan", logging.Field{Key: "scan_id", Value: scanID})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleScanEventsSSE streams the scan's event log as server-sent
// events: full replay first, then live events until the terminal one.
func (s *Server) handleScanEventsSSE(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := s.orchestrator.Subscribe(r.Context(), scanID)
	if err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleScanWS streams the same event log over a WebSocket.
func (s *Server) handleScanWS(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	ch, err := s.orchestrator.Subscribe(r.Context(), scanID)
	if err != nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrading to websocket", logging.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.Close()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			// Client disconnected; the scan itself keeps running.
			return
		}
	}
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if s.markets == nil {
		writeError(w, http.StatusServiceUnavailable, "spotify client not configured")
		return
	}
	markets, err := s.markets.Markets(r.Context(), nil)
	if err != nil {
		s.logger.Warn("listing markets", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// handleSpotifyMetrics reports the rolling client window plus the
// current pacing configuration.
func (s *Server) handleSpotifyMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.window != nil {
		out["window"] = s.window.Snapshot()
	}
	if s.gate != nil {
		out["target_rps"] = s.gate.TargetRPS()
	}
	if s.guard != nil {
		out["in_flight"] = s.guard.InFlight()
		out["max_concurrency"] = s.guard.Capacity()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
