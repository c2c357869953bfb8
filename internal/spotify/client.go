// Package spotify is the outbound API client and call executor. Every
// request passes the pacing pipeline (rate gate, concurrency guard,
// per-scan budget pacer) before it starts, and every attempt appends
// exactly one CallRecord to the calling scan's metrics ledger.
package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/pacing"
)

const (
	defaultTokenURL  = "https://accounts.spotify.com/api/token"
	defaultAPIURL    = "https://api.spotify.com/v1"
	defaultTimeout   = 25 * time.Second
	defaultResultCap = 20
)

var (
	// ErrMissingCredentials means client id/secret were not configured.
	ErrMissingCredentials = errors.New("spotify: client credentials missing")

	// errMissingToken means the token endpoint answered without an
	// access_token field.
	errMissingToken = errors.New("spotify: token response missing access_token")
)

// CallError is a classified call failure. The Outcome mirrors the
// CallRecord written for the attempt.
type CallError struct {
	Outcome metrics.Outcome
	Status  int
	Err     error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spotify: %s (status %d): %v", e.Outcome, e.Status, e.Err)
	}
	return fmt.Sprintf("spotify: %s (status %d)", e.Outcome, e.Status)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a classified 429 outcome.
func IsRateLimited(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Outcome == metrics.OutcomeRateLimited
}

// IsTransient reports whether err is a retryable network/5xx outcome.
func IsTransient(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Outcome == metrics.OutcomeTransient
}

// Config carries the client credentials and endpoint overrides. Tests
// point TokenURL/APIBaseURL at an httptest server.
type Config struct {
	ClientID     string
	ClientSecret string

	TokenURL   string
	APIBaseURL string

	// RequestTimeout bounds one HTTP exchange.
	RequestTimeout time.Duration

	// ResultsLimit is how many ranked rows a search pair produces.
	ResultsLimit int
}

// DefaultConfig returns production endpoints and limits.
func DefaultConfig() Config {
	return Config{
		TokenURL:       defaultTokenURL,
		APIBaseURL:     defaultAPIURL,
		RequestTimeout: defaultTimeout,
		ResultsLimit:   defaultResultCap,
	}
}

// Exec is the per-scan execution context threaded through every call:
// which scan the call belongs to, where its CallRecord goes, and the
// scan's budget pacer.
type Exec struct {
	ScanID   string
	Recorder *metrics.Aggregator
	Pacer    *pacing.Pacer
}

// Client performs outbound Spotify calls under the pacing layers.
type Client struct {
	cfg    Config
	http   *http.Client
	gate   *pacing.RateGate
	guard  *pacing.Guard
	window *metrics.Window
	logger logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient wires the client to the process-wide gate, guard and rolling
// metrics window. httpClient may be nil.
func NewClient(cfg Config, gate *pacing.RateGate, guard *pacing.Guard, window *metrics.Window, logger logging.Logger, httpClient *http.Client) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.ResultsLimit <= 0 {
		cfg.ResultsLimit = defaultResultCap
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("spotify")
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		gate:   gate,
		guard:  guard,
		window: window,
		logger: logger,
	}
}

// call is the single executor behind every endpoint helper. It acquires
// the pacing layers in order, captures the start instant only once all
// three granted, performs the exchange, classifies the outcome and
// appends one CallRecord whatever happened.
func (c *Client) call(ctx context.Context, ex *Exec, method, rawURL string, kind metrics.EndpointKind, header http.Header, form url.Values) ([]byte, error) {
	pipe := pacing.Pipeline{Gate: c.gate, Guard: c.guard}
	var scanID string
	if ex != nil {
		pipe.Pacer = ex.Pacer
		scanID = ex.ScanID
	}

	release, err := pipe.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, &CallError{Outcome: metrics.OutcomeFatal, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	// Ground truth instant for all rate metrics: every pacing layer has
	// granted passage at this point.
	startedAt := time.Now()
	resp, err := c.http.Do(req)
	endedAt := time.Now()
	latency := endedAt.Sub(startedAt)

	if err != nil {
		c.record(ex, metrics.CallRecord{
			StartedAt: startedAt, EndedAt: endedAt,
			Outcome: metrics.OutcomeTransient, Endpoint: kind,
		}, 0, latency)
		c.logCall(kind, method, scanID, 0, latency, metrics.OutcomeTransient)
		return nil, &CallError{Outcome: metrics.OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)

	outcome := classifyStatus(resp.StatusCode)
	c.record(ex, metrics.CallRecord{
		StartedAt: startedAt, EndedAt: endedAt,
		Outcome: outcome, Endpoint: kind, Status: resp.StatusCode,
	}, resp.StatusCode, latency)
	c.logCall(kind, method, scanID, resp.StatusCode, latency, outcome)

	switch outcome {
	case metrics.OutcomeSuccess:
		if readErr != nil {
			return nil, &CallError{Outcome: metrics.OutcomeTransient, Status: resp.StatusCode, Err: readErr}
		}
		return body, nil
	case metrics.OutcomeRateLimited:
		return nil, &CallError{Outcome: metrics.OutcomeRateLimited, Status: resp.StatusCode}
	case metrics.OutcomeTransient:
		return nil, &CallError{Outcome: metrics.OutcomeTransient, Status: resp.StatusCode}
	default:
		return nil, &CallError{Outcome: metrics.OutcomeFatal, Status: resp.StatusCode}
	}
}

func classifyStatus(status int) metrics.Outcome {
	switch {
	case status >= 200 && status < 300:
		return metrics.OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return metrics.OutcomeRateLimited
	case status >= 500 || status == http.StatusRequestTimeout:
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomeFatal
	}
}

func (c *Client) record(ex *Exec, rec metrics.CallRecord, status int, latency time.Duration) {
	if ex != nil && ex.Recorder != nil {
		ex.Recorder.Append(rec)
	}
	if c.window != nil {
		c.window.Record(status, latency)
	}
}

func (c *Client) logCall(kind metrics.EndpointKind, method, scanID string, status int, latency time.Duration, outcome metrics.Outcome) {
	c.logger.Info("spotify_api_call",
		logging.Field{Key: "endpoint", Value: string(kind)},
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "status_code", Value: status},
		logging.Field{Key: "duration_ms", Value: latency.Milliseconds()},
		logging.Field{Key: "outcome", Value: string(outcome)},
		logging.Field{Key: "scan_id", Value: scanID})
}

func (c *Client) getJSON(ctx context.Context, ex *Exec, rawURL string, kind metrics.EndpointKind, out any) error {
	token, err := c.AccessToken(ctx, ex)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	body, err := c.call(ctx, ex, http.MethodGet, rawURL, kind, header, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &CallError{Outcome: metrics.OutcomeFatal, Err: fmt.Errorf("decode %s response: %w", kind, err)}
	}
	return nil
}

// AccessToken returns a cached client-credentials token, fetching a new
// one when missing or within a minute of expiry. Token calls pass the
// same pacing layers as data calls and are recorded against the scan.
func (c *Client) AccessToken(ctx context.Context, ex *Exec) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", ErrMissingCredentials
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	header := http.Header{}
	header.Set("Authorization", "Basic "+auth)
	form := url.Values{"grant_type": {"client_credentials"}}

	// A well-formed 200 without an access_token happens in practice;
	// retry a few times before giving up.
	const maxMissingTokenRetries = 3
	for attempt := 0; ; attempt++ {
		body, err := c.call(ctx, ex, http.MethodPost, c.cfg.TokenURL, metrics.EndpointToken, header, form)
		if err != nil {
			return "", err
		}
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return "", &CallError{Outcome: metrics.OutcomeFatal, Err: fmt.Errorf("decode token response: %w", err)}
		}
		if tr.AccessToken != "" {
			c.mu.Lock()
			c.token = tr.AccessToken
			c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
			c.mu.Unlock()
			return tr.AccessToken, nil
		}
		if attempt >= maxMissingTokenRetries {
			return "", errMissingToken
		}
		c.logger.Warn("spotify token response missing access_token",
			logging.Field{Key: "attempt", Value: attempt + 1})
	}
}

// InvalidateToken drops the cached token, forcing a refetch.
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

var playlistIDPattern = regexp.MustCompile(`(?:open\.spotify\.com/playlist/|spotify:playlist:)([A-Za-z0-9]+)`)

// ExtractPlaylistID pulls the playlist id out of a share URL or URI.
// Returns the empty string when the input does not reference a playlist.
func ExtractPlaylistID(text string) string {
	m := playlistIDPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}
	return m[1]
}

// NormalizePlaylistURL strips query parameters (share tracking) from a
// playlist URL.
func NormalizePlaylistURL(raw string) string {
	cleaned, _, _ := strings.Cut(raw, "?")
	return strings.TrimSpace(cleaned)
}
