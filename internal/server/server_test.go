package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/pacing"
	"github.com/raysh454/rankscan/internal/scan"
	"github.com/raysh454/rankscan/internal/spotify"
)

// stubAPI always succeeds and returns three ranked playlists. Like the
// real client, it appends one CallRecord per call to the scan's ledger.
type stubAPI struct{}

func stubRecord(ex *spotify.Exec, kind metrics.EndpointKind) {
	if ex != nil && ex.Recorder != nil {
		now := time.Now()
		ex.Recorder.Append(metrics.CallRecord{
			StartedAt: now, EndedAt: now,
			Outcome: metrics.OutcomeSuccess, Endpoint: kind, Status: 200,
		})
	}
}

func (stubAPI) AccessToken(ctx context.Context, ex *spotify.Exec) (string, error) {
	stubRecord(ex, metrics.EndpointToken)
	return "test-token", nil
}

func (stubAPI) PlaylistMetadata(ctx context.Context, ex *spotify.Exec, playlistID string) (*spotify.PlaylistMeta, error) {
	stubRecord(ex, metrics.EndpointPlaylist)
	return &spotify.PlaylistMeta{ID: playlistID, Name: "Target"}, nil
}

func (stubAPI) SearchPlaylists(ctx context.Context, ex *spotify.Exec, keyword, market string) ([]spotify.PlaylistItem, int, error) {
	stubRecord(ex, metrics.EndpointSearch)
	items := make([]spotify.PlaylistItem, 3)
	for i := range items {
		items[i].ID = fmt.Sprintf("pl-%d", i+1)
		items[i].Name = fmt.Sprintf("Playlist %d", i+1)
	}
	return items, 3, nil
}

func (stubAPI) ResultsLimit() int { return 3 }

type stubMarkets struct{}

func (stubMarkets) Markets(ctx context.Context, ex *spotify.Exec) ([]string, error) {
	return []string{"DE", "US", "GB"}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	orchCfg := scan.Config{
		PacePerCall:         time.Millisecond,
		MaxTransientRetries: 1,
		RetryBackoffBase:    time.Millisecond,
		RetryBackoffCap:     time.Millisecond,
	}
	orch := scan.New(orchCfg, stubAPI{}, nil, logging.NewTestLogger(false))

	cfg := DefaultConfig()
	cfg.Logger = logging.NewTestLogger(false)
	srv := NewServer(cfg, orch, stubMarkets{}, metrics.NewWindow(time.Minute), pacing.NewRateGate(1.5), pacing.NewGuard(3))

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func startScan(t *testing.T, ts *httptest.Server, body string) scan.StatusDoc {
	t.Helper()
	resp, err := http.Post(ts.URL+"/scans", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var doc scan.StatusDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ScanID == "" {
		t.Fatal("scan_id missing from ack")
	}
	return doc
}

func pollTerminal(t *testing.T, ts *httptest.Server, scanID string) scan.StatusDoc {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/scans/" + scanID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var doc scan.StatusDoc
		err = json.NewDecoder(resp.Body).Decode(&doc)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc.Status.Terminal() {
			return doc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scan never reached a terminal status")
	return scan.StatusDoc{}
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	doc := startScan(t, ts, `{"keywords":["lofi","chill"],"countries":["de","us"]}`)
	final := pollTerminal(t, ts, doc.ScanID)
	if final.Status != scan.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if len(final.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(final.Results))
	}
	if final.TotalCalls != 5 {
		t.Fatalf("spotify_total_calls = %d, want token + 4 searches", final.TotalCalls)
	}
}

func TestStartScanAcceptsRawText(t *testing.T) {
	_, ts := newTestServer(t)

	doc := startScan(t, ts, `{"keywords":"lofi, chill\nlofi","countries":"de"}`)
	if len(doc.Keywords) != 2 || doc.Keywords[0] != "lofi" || doc.Keywords[1] != "chill" {
		t.Fatalf("keywords = %v", doc.Keywords)
	}
	if len(doc.Countries) != 1 || doc.Countries[0] != "DE" {
		t.Fatalf("countries = %v", doc.Countries)
	}
}

func TestStartScanRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []string{
		`not json`,
		`{"keywords":[],"countries":["DE"]}`,
		`{"keywords":["a","b","c","d","e","f","g","h","i","j","k"],"countries":["DE"]}`,
	}
	for _, body := range tests {
		resp, err := http.Post(ts.URL+"/scans", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestGetUnknownScan(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/scans/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelUnknownScan(t *testing.T) {
	_, ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/scans/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestScanEventsSSE(t *testing.T) {
	_, ts := newTestServer(t)

	doc := startScan(t, ts, `{"keywords":["lofi"],"countries":["DE"]}`)

	resp, err := http.Get(ts.URL + "/scans/" + doc.ScanID + "/events")
	if err != nil {
		t.Fatalf("sse get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []scan.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev scan.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			break
		}
	}
	if len(events) < 2 {
		t.Fatalf("events = %+v, want progress then done", events)
	}
	if events[0].Type != scan.EventProgress || events[0].Step != 1 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[len(events)-1].Type != scan.EventDone {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}
}

func TestMarketsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/markets")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Markets []string `json:"markets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Markets) != 3 || out.Markets[0] != "DE" {
		t.Fatalf("markets = %v", out.Markets)
	}
}

func TestSpotifyMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/debug/spotify/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["target_rps"] != 1.5 {
		t.Fatalf("target_rps = %v", out["target_rps"])
	}
	if out["max_concurrency"] != float64(3) {
		t.Fatalf("max_concurrency = %v", out["max_concurrency"])
	}
	if _, ok := out["window"]; !ok {
		t.Fatal("window snapshot missing")
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
