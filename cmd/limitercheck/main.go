// Command limitercheck verifies that a running rankscan server paces
// its Spotify traffic. It starts a small scan, measures how fast the
// server acknowledges it, polls until the scan is terminal and then
// classifies the recorded call metrics.
//
// Usage:
//
//	go run ./cmd/limitercheck -server http://localhost:8080 \
//	    -keywords "lofi,chill" -countries "DE,US"
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/raysh454/rankscan/internal/metrics"
	"github.com/raysh454/rankscan/internal/scan"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "rankscan server base URL")
		playlist  = flag.String("playlist", "", "playlist URL to track (optional)")
		keywords  = flag.String("keywords", "lofi,chill", "comma-separated keywords")
		countries = flag.String("countries", "DE,US", "comma-separated country codes")
		maxWait   = flag.Duration("max-wait", 10*time.Minute, "total time to wait for the scan")
	)
	flag.Parse()

	doc, ackLatency, err := startScan(*serverURL, *playlist, *keywords, *countries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("scan %s accepted in %s\n", doc.ScanID, ackLatency.Round(time.Millisecond))

	final, err := pollUntilTerminal(*serverURL, doc.ScanID, *maxWait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "polling scan: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nscan %s finished: %s\n", final.ScanID, final.Status)
	if final.ErrorMessage != "" {
		fmt.Printf("error: %s\n", final.ErrorMessage)
	}
	printSnapshot(final.Snapshot)

	verdicts := metrics.Classify(final.Snapshot, ackLatency, metrics.DefaultThresholds())
	fmt.Printf("\ntimeout check:  %s\n", verdicts.Timeout)
	fmt.Printf("rate limiter:   %s\n", verdicts.Limiter)
	fmt.Printf("overall safety: %s\n", verdicts.Safety)

	if verdicts.Safety == metrics.SafetyNotSafe {
		os.Exit(2)
	}
}

func startScan(serverURL, playlist, keywords, countries string) (*scan.StatusDoc, time.Duration, error) {
	body, err := json.Marshal(map[string]string{
		"playlist_url": playlist,
		"keywords":     keywords,
		"countries":    countries,
	})
	if err != nil {
		return nil, 0, err
	}

	// The ack latency is the timeout signal: a server that runs the
	// scan synchronously takes seconds to answer, an async one replies
	// well under a second.
	start := time.Now()
	resp, err := http.Post(serverURL+"/scans", "application/json", bytes.NewReader(body))
	latency := time.Since(start)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, 0, fmt.Errorf("server answered %d: %s", resp.StatusCode, e.Error)
	}
	var doc scan.StatusDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("decode ack: %w", err)
	}
	return &doc, latency, nil
}

// pollUntilTerminal polls the status endpoint with a growing interval:
// 2s at first, one second more per poll, capped at 10s.
func pollUntilTerminal(serverURL, scanID string, maxWait time.Duration) (*scan.StatusDoc, error) {
	const (
		initialInterval = 2 * time.Second
		intervalStep    = time.Second
		maxInterval     = 10 * time.Second
	)

	deadline := time.Now().Add(maxWait)
	interval := initialInterval
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("scan %s not terminal after %s", scanID, maxWait)
		}
		time.Sleep(interval)
		if interval < maxInterval {
			interval += intervalStep
		}

		resp, err := http.Get(serverURL + "/scans/" + scanID)
		if err != nil {
			return nil, err
		}
		var doc scan.StatusDoc
		err = json.NewDecoder(resp.Body).Decode(&doc)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		fmt.Printf("  status=%s calls=%d\n", doc.Status, doc.TotalCalls)
		if doc.Status.Terminal() {
			return &doc, nil
		}
	}
}

func printSnapshot(snap metrics.Snapshot) {
	fmt.Printf("spotify calls:  %d\n", snap.TotalCalls)
	fmt.Printf("peak rps:       %s\n", fmtRate(snap.PeakRPS))
	fmt.Printf("avg rps:        %s\n", fmtRate(snap.AvgRPS))
	fmt.Printf("min gap:        %s\n", fmtSeconds(snap.MinInterStartS))
	fmt.Printf("429 responses:  %d\n", snap.Any429Count)
}

func fmtRate(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f calls/s", *v)
}

func fmtSeconds(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3fs", *v)
}
