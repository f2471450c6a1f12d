// Package asset defines materializations and the per-asset execution state.
package asset

import "time"

// State is the lifecycle position of one asset within a run.
type State string

// Asset states. STALE -> RUNNING -> MATERIALIZED | FAILED.
const (
	StateStale        State = "STALE"
	StateRunning      State = "RUNNING"
	StateMaterialized State = "MATERIALIZED"
	StateFailed       State = "FAILED"
)

// Outcome explains how an asset reached its final state in a run.
type Outcome string

// Asset outcomes.
const (
	OutcomeMaterialized Outcome = "materialized" // recomputed and committed
	OutcomeSkipped      Outcome = "skipped"      // fresh, read from the store
	OutcomeFailed       Outcome = "failed"
	OutcomeBlocked      Outcome = "blocked"   // an upstream failed, never attempted
	OutcomeCancelled    Outcome = "cancelled" // run cancelled, output discarded
)

// Materialization is the committed, immutable result of computing an asset once.
type Materialization struct {
	Asset       string
	RunID       string
	Seq         int64            // per-asset, strictly increasing
	InputHash   string           // hash of the asset's own inputs (sources or config)
	Upstream    map[string]int64 // dependency name -> Seq it was computed from
	ContentHash string           // sha256 of the payload
	Rows        int
	CreatedAt   time.Time // informational only, never compared
	Diagnostics map[string]string
}

// Report is the per-asset line of a run summary.
type Report struct {
	State      State         `json:"state"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Seq        int64         `json:"seq,omitempty"`
	ProducedBy string        `json:"produced_by,omitempty"` // run that committed the materialization in use
	Rows       int           `json:"rows,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}
