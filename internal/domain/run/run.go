// Package run describes pipeline runs and their summaries.
package run

import (
	"time"

	"github.com/kailas-cloud/recluster/internal/domain/asset"
)

// Status is the overall outcome of a run.
type Status string

// Run statuses.
const (
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Config is the run configuration accepted by the trigger interface.
type Config struct {
	Dimensions         int      `json:"dimensions"`
	Method             string   `json:"method"`
	Seed               int64    `json:"seed"`
	MinClusterSize     int      `json:"min_cluster_size"`
	MinSamples         int      `json:"min_samples"`
	AllowSingleCluster bool     `json:"allow_single_cluster"`
	BatchSize          int      `json:"batch_size"`
	Concurrency        int      `json:"concurrency"`
	Force              []string `json:"force,omitempty"`
}

// Rejection is one record excluded by the schema validator.
type Rejection struct {
	RecordID string `json:"record_id"`
	Source   string `json:"source"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

// Run is a pipeline execution and its summary.
type Run struct {
	ID            string                  `json:"id"`
	Status        Status                  `json:"status"`
	Config        Config                  `json:"config"`
	Assets        map[string]asset.Report `json:"assets"`
	Order         []string                `json:"order,omitempty"`
	Rejected      []Rejection             `json:"rejected,omitempty"`
	RejectedTotal int                     `json:"rejected_total"`
	CreatedAt     time.Time               `json:"created_at"`
	FinishedAt    time.Time               `json:"finished_at,omitzero"`
	SupersededBy  string                  `json:"superseded_by,omitempty"`
}

// Summarize derives the run status from per-asset reports.
func Summarize(assets map[string]asset.Report) Status {
	var failed, ok, cancelled int
	for _, r := range assets {
		switch r.Outcome {
		case asset.OutcomeFailed, asset.OutcomeBlocked:
			failed++
		case asset.OutcomeCancelled:
			cancelled++
		case asset.OutcomeMaterialized, asset.OutcomeSkipped:
			ok++
		}
	}
	switch {
	case cancelled > 0:
		return StatusCancelled
	case failed == 0:
		return StatusSucceeded
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}
