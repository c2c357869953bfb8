// Package metrics keeps the per-scan ledger of outbound call timings and
// derives the rate figures used to prove the pacing policy holds. Records
// are append-only; every derived number is recomputed from the full list
// on demand so readers can never observe drifted incremental state.
package metrics

import "time"

// Outcome classifies a single outbound call attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTransient   Outcome = "transient_error"
	OutcomeFatal       Outcome = "fatal_error"
)

// EndpointKind names which API surface a call hit.
type EndpointKind string

const (
	EndpointToken    EndpointKind = "token"
	EndpointSearch   EndpointKind = "search"
	EndpointPlaylist EndpointKind = "playlist"
	EndpointMarkets  EndpointKind = "markets"
)

// CallRecord is one outbound API attempt. StartedAt is the instant all
// pacing layers granted passage, which is the ground truth for every
// rate metric. Records are never mutated after creation.
type CallRecord struct {
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Outcome   Outcome      `json:"outcome"`
	Endpoint  EndpointKind `json:"endpoint_kind"`
	Status    int          `json:"status_code,omitempty"`
}
