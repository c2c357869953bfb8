package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/rankscan/internal/keywords"
	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/pacing"
	"github.com/raysh454/rankscan/internal/spotify"
)

var (
	ErrScanNotFound   = errors.New("scan: not found")
	ErrAlreadyRunning = errors.New("scan: already running")
	ErrEmptyMatrix    = errors.New("scan: at least one keyword and one country required")
)

// SpotifyAPI is what the orchestrator needs from the outbound client.
// *spotify.Client satisfies it; tests substitute fakes.
type SpotifyAPI interface {
	AccessToken(ctx context.Context, ex *spotify.Exec) (string, error)
	SearchPlaylists(ctx context.Context, ex *spotify.Exec, keyword, market string) ([]spotify.PlaylistItem, int, error)
	PlaylistMetadata(ctx context.Context, ex *spotify.Exec, playlistID string) (*spotify.PlaylistMeta, error)
	ResultsLimit() int
}

// Store persists scans and their pair results. Implementations must be
// safe for concurrent use; the orchestrator treats persistence errors
// as non-fatal and logs them.
type Store interface {
	CreateScan(ctx context.Context, doc *StatusDoc) error
	UpdateScanStatus(ctx context.Context, doc *StatusDoc) error
	SavePairResult(ctx context.Context, scanID string, res PairResult) error
	GetScan(ctx context.Context, scanID string) (*StatusDoc, error)
}

// Config tunes the orchestrator's pacing and retry policy.
type Config struct {
	// PacePerCall is the per-pair budget the pacer spreads each scan
	// over; the scan's time budget is pair count times this value.
	PacePerCall time.Duration

	// MaxTransientRetries bounds how often one pair is retried after a
	// transient failure. Each retry re-enters the full pacing pipeline.
	MaxTransientRetries int

	// Backoff between transient retries: base doubles per attempt,
	// plus up to Jitter, capped at Cap.
	RetryBackoffBase   time.Duration
	RetryBackoffCap    time.Duration
	RetryBackoffJitter time.Duration
}

// DefaultConfig returns the production pacing policy.
func DefaultConfig() Config {
	return Config{
		PacePerCall:         700 * time.Millisecond,
		MaxTransientRetries: 3,
		RetryBackoffBase:    500 * time.Millisecond,
		RetryBackoffCap:     10 * time.Second,
		RetryBackoffJitter:  250 * time.Millisecond,
	}
}

// Orchestrator runs scans: at most one state machine per scan id,
// progress into the scan's event log, call records into its ledger.
type Orchestrator struct {
	cfg    Config
	api    SpotifyAPI
	store  Store
	logger logging.Logger

	mu      sync.Mutex
	scans   map[string]*Scan
	cancels map[string]context.CancelFunc
	running map[string]bool
}

// New ties together config, outbound client, store and logger.
func New(cfg Config, api SpotifyAPI, store Store, logger logging.Logger) *Orchestrator {
	if cfg.PacePerCall <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("orchestrator")
	}
	return &Orchestrator{
		cfg:     cfg,
		api:     api,
		store:   store,
		logger:  logger,
		scans:   make(map[string]*Scan),
		cancels: make(map[string]context.CancelFunc),
		running: make(map[string]bool),
	}
}

// StartScan normalizes the inputs, registers a queued scan and launches
// its state machine. It returns as soon as the scan is acknowledged;
// all Spotify traffic happens asynchronously.
func (o *Orchestrator) StartScan(ctx context.Context, playlistURL string, rawKeywords, rawCountries []string) (*Scan, error) {
	kws := keywords.Normalize(rawKeywords)
	countries := keywords.NormalizeCountries(rawCountries)
	if err := keywords.ValidateCounts(kws, countries); err != nil {
		return nil, err
	}
	if len(kws) == 0 || len(countries) == 0 {
		return nil, ErrEmptyMatrix
	}

	playlistURL = spotify.NormalizePlaylistURL(playlistURL)
	playlistID := ""
	if playlistURL != "" {
		playlistID = spotify.ExtractPlaylistID(playlistURL)
		if playlistID == "" {
			return nil, fmt.Errorf("scan: invalid Spotify playlist URL %q", playlistURL)
		}
	}

	now := time.Now().UTC()
	s := &Scan{
		ID:          uuid.New().String(),
		PlaylistURL: playlistURL,
		PlaylistID:  playlistID,
		Countries:   countries,
		Keywords:    kws,
		Status:      StatusQueued,
		StartedAt:   now,
		LastEventAt: now,
		recorder:    metrics.NewAggregator(),
		events:      NewEventLog(),
	}

	o.mu.Lock()
	o.scans[s.ID] = s
	o.mu.Unlock()

	o.persistCreate(s)
	o.logLifecycle("created", s.ID,
		logging.Field{Key: "countries", Value: len(countries)},
		logging.Field{Key: "keywords", Value: len(kws)})

	if err := o.Run(s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// Run launches the state machine for a registered scan. A scan that is
// already running or already terminal is rejected with
// ErrAlreadyRunning, so a scan id can never host two interleaved call
// sequences.
func (o *Orchestrator) Run(scanID string) error {
	o.mu.Lock()
	s, ok := o.scans[scanID]
	if !ok {
		o.mu.Unlock()
		return ErrScanNotFound
	}
	if o.running[scanID] || s.Status.Terminal() {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running[scanID] = true
	runCtx, cancel := context.WithCancel(context.Background())
	o.cancels[scanID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, scanID)
			delete(o.cancels, scanID)
			o.mu.Unlock()
		}()
		o.run(runCtx, s)
	}()
	return nil
}

// Cancel requests cooperative cancellation. The scan observes it at the
// next pair boundary; the in-flight call always completes and is
// recorded first.
func (o *Orchestrator) Cancel(scanID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[scanID]
	o.mu.Unlock()
	if !ok {
		return ErrScanNotFound
	}
	cancel()
	return nil
}

// Get returns the in-memory scan for an id.
func (o *Orchestrator) Get(scanID string) (*Scan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.scans[scanID]
	return s, ok
}

// Status builds the polling projection: current status plus the live
// metrics snapshot. Scans missing from memory fall back to the store,
// so terminal reads stay idempotent across restarts.
func (o *Orchestrator) Status(ctx context.Context, scanID string) (*StatusDoc, error) {
	o.mu.Lock()
	s, ok := o.scans[scanID]
	o.mu.Unlock()
	if !ok {
		if o.store != nil {
			return o.store.GetScan(ctx, scanID)
		}
		return nil, ErrScanNotFound
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked(s), nil
}

// List returns the status documents of every in-memory scan.
func (o *Orchestrator) List() []*StatusDoc {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*StatusDoc, 0, len(o.scans))
	for _, s := range o.scans {
		out = append(out, o.statusLocked(s))
	}
	return out
}

// Subscribe attaches to a scan's event stream, replaying the buffer
// from the beginning.
func (o *Orchestrator) Subscribe(ctx context.Context, scanID string) (<-chan Event, error) {
	o.mu.Lock()
	s, ok := o.scans[scanID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrScanNotFound
	}
	return s.events.Subscribe(ctx), nil
}

func (o *Orchestrator) statusLocked(s *Scan) *StatusDoc {
	doc := &StatusDoc{
		ScanID:           s.ID,
		Status:           s.Status,
		StartedAt:        s.StartedAt,
		ErrorMessage:     s.ErrorMessage,
		PlaylistURL:      s.PlaylistURL,
		PlaylistID:       s.PlaylistID,
		Playlist:         s.Playlist,
		Countries:        s.Countries,
		Keywords:         s.Keywords,
		FollowerSnapshot: s.FollowerSnapshot,
		Snapshot:         s.recorder.Snapshot(),
		Results:          append([]PairResult(nil), s.Results...),
	}
	if !s.FinishedAt.IsZero() {
		t := s.FinishedAt
		doc.FinishedAt = &t
	}
	return doc
}

// run is the scan state machine. It owns every status transition of its
// scan; exactly one terminal transition happens per scan.
func (o *Orchestrator) run(ctx context.Context, s *Scan) {
	o.transition(s, StatusRunning, "")
	o.logLifecycle("task_started", s.ID)

	total := len(s.Countries) * len(s.Keywords)
	pacer := pacing.NewPacer(total, time.Duration(total)*o.cfg.PacePerCall)
	ex := &spotify.Exec{ScanID: s.ID, Recorder: s.recorder, Pacer: pacer}

	if _, err := o.api.AccessToken(ctx, ex); err != nil {
		o.fail(s, fmt.Sprintf("fetching access token: %v", err))
		return
	}

	if s.PlaylistID != "" {
		meta, err := o.api.PlaylistMetadata(ctx, ex, s.PlaylistID)
		if err != nil {
			o.fail(s, fmt.Sprintf("fetching playlist metadata: %v", err))
			return
		}
		o.mu.Lock()
		s.Playlist = meta
		s.FollowerSnapshot = meta.Followers
		o.mu.Unlock()
	}

	step := 0
	failedPairs := 0
	for _, country := range s.Countries {
		for _, keyword := range s.Keywords {
			// Cancellation is observed only here, at pair boundaries:
			// an in-flight call always completes and is recorded.
			if ctx.Err() != nil {
				o.cancelled(s)
				return
			}
			step++

			res, err := o.searchPair(ctx, ex, s, country, keyword)
			if err != nil {
				if spotify.IsRateLimited(err) {
					// Continuing would compound the violation; abort.
					o.fail(s, fmt.Sprintf("rate limit hit scanning %s for %q, aborting scan", country, keyword))
					return
				}
				if ctx.Err() != nil {
					o.cancelled(s)
					return
				}
				failedPairs++
				res = &PairResult{
					Country:    country,
					Keyword:    keyword,
					SearchedAt: time.Now().UTC(),
					Error:      err.Error(),
				}
				o.logger.Warn("pair failed",
					logging.Field{Key: "scan_id", Value: s.ID},
					logging.Field{Key: "country", Value: country},
					logging.Field{Key: "keyword", Value: keyword},
					logging.Field{Key: "error", Value: err.Error()})
			}
			pacer.CallDone()

			o.mu.Lock()
			s.Results = append(s.Results, *res)
			s.LastEventAt = time.Now().UTC()
			o.mu.Unlock()
			o.persistPair(s.ID, *res)

			// Progress follows the pair, so step counts pairs actually
			// processed and the event never precedes its result.
			o.emit(s, Event{
				Type:    EventProgress,
				Step:    step,
				Total:   total,
				Country: country,
				Keyword: keyword,
				Message: fmt.Sprintf("Scanned %s for %q (%d/%d)", country, keyword, step, total),
			})
		}
	}

	final := StatusCompleted
	if failedPairs > 0 {
		final = StatusCompletedPartial
	}
	o.transition(s, final, "")
	o.emit(s, Event{Type: EventDone, Total: total})
	o.logUsage(s, final)
}

// searchPair performs one (country, keyword) search, retrying transient
// failures through the full pacing pipeline with exponential backoff.
func (o *Orchestrator) searchPair(ctx context.Context, ex *spotify.Exec, s *Scan, country, keyword string) (*PairResult, error) {
	var items []spotify.PlaylistItem
	searchedAt := time.Now().UTC()

	for attempt := 0; ; attempt++ {
		var err error
		searchedAt = time.Now().UTC()
		items, _, err = o.api.SearchPlaylists(ctx, ex, keyword, country)
		if err == nil {
			break
		}
		if !spotify.IsTransient(err) || attempt >= o.cfg.MaxTransientRetries || ctx.Err() != nil {
			return nil, err
		}
		// The retry is one more call against the scan's budget.
		if ex.Pacer != nil {
			ex.Pacer.Requeue()
		}
		wait := o.backoff(attempt + 1)
		o.logger.Info("retrying transient failure",
			logging.Field{Key: "scan_id", Value: s.ID},
			logging.Field{Key: "country", Value: country},
			logging.Field{Key: "keyword", Value: keyword},
			logging.Field{Key: "attempt", Value: attempt + 1},
			logging.Field{Key: "wait", Value: wait.String()})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := &PairResult{
		Country:    country,
		Keyword:    keyword,
		SearchedAt: searchedAt,
		Rows:       make([]ResultRow, 0, len(items)),
	}
	for i, item := range items {
		rank := i + 1
		row := ResultRow{
			Rank:        rank,
			Name:        item.Name,
			IsTracked:   false,
			Description: item.Description,
		}
		if !item.Placeholder {
			row.PlaylistID = item.ID
			row.Owner = item.Owner.DisplayName
			if row.Owner == "" {
				row.Owner = item.Owner.ID
			}
			row.URL = item.ExternalURLs.Spotify
			tracks := item.Tracks.Total
			row.SongsCount = &tracks
			if s.PlaylistID != "" && item.ID == s.PlaylistID {
				row.IsTracked = true
				if res.TrackedRank == nil {
					r := rank
					res.TrackedRank = &r
					res.FoundInTop20 = true
				}
			}
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	backoff := o.cfg.RetryBackoffBase << (attempt - 1)
	if o.cfg.RetryBackoffJitter > 0 {
		backoff += time.Duration(rand.Int63n(int64(o.cfg.RetryBackoffJitter)))
	}
	if backoff > o.cfg.RetryBackoffCap {
		backoff = o.cfg.RetryBackoffCap
	}
	return backoff
}

// transition moves the scan to a new status and persists it. Terminal
// states also stamp FinishedAt; a scan that is already terminal is
// never transitioned again.
func (o *Orchestrator) transition(s *Scan, to Status, errMsg string) {
	o.mu.Lock()
	if s.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	s.Status = to
	s.ErrorMessage = errMsg
	now := time.Now().UTC()
	s.LastEventAt = now
	if to.Terminal() {
		s.FinishedAt = now
	}
	doc := o.statusLocked(s)
	o.mu.Unlock()

	o.persistStatus(doc)
	o.logLifecycle(string(to), s.ID)
}

func (o *Orchestrator) fail(s *Scan, msg string) {
	o.transition(s, StatusFailed, msg)
	o.emit(s, Event{Type: EventError, Message: msg})
	o.logUsage(s, StatusFailed)
}

func (o *Orchestrator) cancelled(s *Scan) {
	o.transition(s, StatusCancelled, "scan cancelled")
	o.emit(s, Event{Type: EventError, Message: "scan cancelled"})
	o.logUsage(s, StatusCancelled)
}

func (o *Orchestrator) emit(s *Scan, ev Event) {
	s.events.Append(ev)
	o.mu.Lock()
	s.LastEventAt = time.Now().UTC()
	o.mu.Unlock()
}

func (o *Orchestrator) persistCreate(s *Scan) {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	doc := o.statusLocked(s)
	o.mu.Unlock()
	if err := o.store.CreateScan(context.Background(), doc); err != nil {
		o.logger.Warn("persisting scan", logging.Field{Key: "scan_id", Value: s.ID}, logging.Field{Key: "error", Value: err.Error()})
	}
}

func (o *Orchestrator) persistStatus(doc *StatusDoc) {
	if o.store == nil {
		return
	}
	if err := o.store.UpdateScanStatus(context.Background(), doc); err != nil {
		o.logger.Warn("persisting scan status", logging.Field{Key: "scan_id", Value: doc.ScanID}, logging.Field{Key: "error", Value: err.Error()})
	}
}

func (o *Orchestrator) persistPair(scanID string, res PairResult) {
	if o.store == nil {
		return
	}
	if err := o.store.SavePairResult(context.Background(), scanID, res); err != nil {
		o.logger.Warn("persisting pair result", logging.Field{Key: "scan_id", Value: scanID}, logging.Field{Key: "error", Value: err.Error()})
	}
}

func (o *Orchestrator) logLifecycle(phase, scanID string, fields ...logging.Field) {
	all := append([]logging.Field{
		{Key: "phase", Value: phase},
		{Key: "scan_id", Value: scanID},
	}, fields...)
	o.logger.Info("scan_lifecycle", all...)
}

// logUsage emits the end-of-scan Spotify usage summary.
func (o *Orchestrator) logUsage(s *Scan, ended Status) {
	snap := s.recorder.Snapshot()
	records := s.recorder.Records()
	byEndpoint := make(map[string]int)
	for _, rec := range records {
		byEndpoint[string(rec.Endpoint)]++
	}
	var durationMS int64
	var callsPerMinute float64
	if len(records) > 1 {
		durationMS = records[len(records)-1].StartedAt.Sub(records[0].StartedAt).Milliseconds()
		if durationMS > 0 {
			callsPerMinute = float64(snap.TotalCalls) / (float64(durationMS) / 60000)
		}
	}
	o.logger.Info("scan_spotify_usage",
		logging.Field{Key: "scan_id", Value: s.ID},
		logging.Field{Key: "spotify_calls_total", Value: snap.TotalCalls},
		logging.Field{Key: "duration_ms", Value: durationMS},
		logging.Field{Key: "calls_per_minute", Value: callsPerMinute},
		logging.Field{Key: "calls_by_endpoint", Value: byEndpoint},
		logging.Field{Key: "any_429_count", Value: snap.Any429Count},
		logging.Field{Key: "ended_status", Value: string(ended)})
}
