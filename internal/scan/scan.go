// Package scan drives rank-check scans: the orchestrator walks the
// country x keyword matrix under the pacing layers, the event log fans
// progress out to subscribers, and the status document is the polling
// projection over the same state.
package scan

import (
	"time"

	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/spotify"
)

// Status is the scan lifecycle state.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusCompletedPartial Status = "completed_partial"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ResultRow is one ranked playlist in a single search result.
type ResultRow struct {
	Rank        int    `json:"rank"`
	PlaylistID  string `json:"playlist_id,omitempty"`
	Name        string `json:"playlist_name"`
	Owner       string `json:"playlist_owner,omitempty"`
	Description string `json:"playlist_description,omitempty"`
	URL         string `json:"playlist_url,omitempty"`
	SongsCount  *int   `json:"songs_count,omitempty"`
	IsTracked   bool   `json:"is_tracked_playlist"`
}

// PairResult records the outcome of one (country, keyword) search.
// Error is set when the pair could not be completed; the rows are then
// empty.
type PairResult struct {
	Country      string      `json:"country"`
	Keyword      string      `json:"keyword"`
	SearchedAt   time.Time   `json:"searched_at"`
	TrackedRank  *int        `json:"tracked_rank"`
	FoundInTop20 bool        `json:"tracked_found_in_top20"`
	Rows         []ResultRow `json:"results,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Scan is one rank-check run. The orchestrator owns all mutation; other
// packages read scans through StatusDoc projections.
type Scan struct {
	ID          string
	PlaylistURL string
	PlaylistID  string
	Playlist    *spotify.PlaylistMeta
	Countries   []string
	Keywords    []string

	Status       Status
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
	LastEventAt  time.Time

	FollowerSnapshot *int
	Results          []PairResult

	recorder *metrics.Aggregator
	events   *EventLog
}

// Recorder exposes the scan's metrics ledger.
func (s *Scan) Recorder() *metrics.Aggregator { return s.recorder }

// Events exposes the scan's progress event log.
func (s *Scan) Events() *EventLog { return s.events }

// StatusDoc is the point-in-time polling view of a scan: status plus the
// live metrics snapshot. Once the scan is terminal the document never
// changes again.
type StatusDoc struct {
	ScanID       string     `json:"scan_id"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	ErrorMessage string     `json:"error_message,omitempty"`

	PlaylistURL      string                `json:"playlist_url,omitempty"`
	PlaylistID       string                `json:"playlist_id,omitempty"`
	Playlist         *spotify.PlaylistMeta `json:"playlist,omitempty"`
	Countries        []string              `json:"scanned_countries"`
	Keywords         []string              `json:"scanned_keywords"`
	FollowerSnapshot *int                  `json:"follower_snapshot,omitempty"`

	// Metrics fields are flattened into the document:
	// spotify_total_calls, peak_rps, avg_rps, min_inter_start_s,
	// any_429_count.
	metrics.Snapshot

	Results []PairResult `json:"results,omitempty"`
}
