package health

import (
	"context"
	"errors"
	"time"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/run"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates the store is down; nothing can be served.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// LastRun summarizes the latest finished run.
type LastRun struct {
	ID         string
	Status     run.Status
	FinishedAt time.Time
}

// Report aggregates health check results.
type Report struct {
	Status  Status
	Checks  map[string]CheckResult
	LastRun *LastRun
}

// Service coordinates health checks.
type Service struct {
	store     StorePinger
	embedding EmbeddingChecker
	runs      RunReader
}

// New creates a Service. embedding and runs can be nil.
func New(store StorePinger, embedding EmbeddingChecker, runs RunReader) *Service {
	return &Service{store: store, embedding: embedding, runs: runs}
}

// Check runs health checks against all components. A failed or partially
// failed latest run degrades the service: its outputs are stale.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)
	r := Report{Status: Healthy, Checks: checks}

	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = CheckError
		r.Status = Unhealthy
	} else {
		checks["store"] = CheckOK
	}

	if s.embedding != nil {
		if err := s.embedding.HealthCheck(ctx); err != nil {
			checks["embedding"] = CheckError
		} else {
			checks["embedding"] = CheckOK
		}
	}

	if s.runs != nil && r.Status != Unhealthy {
		rn, err := s.runs.Latest(ctx)
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
		case err != nil:
			checks["last_run"] = CheckError
		default:
			r.LastRun = &LastRun{ID: rn.ID, Status: rn.Status, FinishedAt: rn.FinishedAt}
			if rn.Status == run.StatusSucceeded {
				checks["last_run"] = CheckOK
			} else {
				checks["last_run"] = CheckError
			}
		}
	}

	if r.Status == Healthy {
		for _, v := range checks {
			if v == CheckError {
				r.Status = Degraded
				break
			}
		}
	}
	return r
}
