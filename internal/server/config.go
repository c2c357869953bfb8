package server

import (
	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/scan"
)

// Config configures the HTTP surface.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string

	// ScanConfig tunes the orchestrator owned by this server.
	ScanConfig *scan.Config

	Logger logging.Logger
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	cfg := scan.DefaultConfig()
	return Config{
		ListenAddr: ":8080",
		ScanConfig: &cfg,
	}
}
