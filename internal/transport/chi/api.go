package chi

import (
	"time"

	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
)

// ErrorResponseCode is a machine readable error code.
type ErrorResponseCode string

// Error codes.
const (
	ErrorResponseCodeBadRequest                  ErrorResponseCode = "bad_request"
	ErrorResponseCodeUnauthorized                ErrorResponseCode = "unauthorized"
	ErrorResponseCodeValidationFailed            ErrorResponseCode = "validation_failed"
	ErrorResponseCodeRunNotFound                 ErrorResponseCode = "run_not_found"
	ErrorResponseCodeNotMaterialized             ErrorResponseCode = "not_materialized"
	ErrorResponseCodeStaleDependency             ErrorResponseCode = "stale_dependency"
	ErrorResponseCodeLockTimeout                 ErrorResponseCode = "lock_timeout"
	ErrorResponseCodeEmbeddingBackendUnavailable ErrorResponseCode = "embedding_backend_unavailable"
	ErrorResponseCodeEmbeddingProviderError      ErrorResponseCode = "embedding_provider_error"
	ErrorResponseCodeInternalError               ErrorResponseCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorResponseCode `json:"code"`
	Message string            `json:"message"`
}

// StaleDependencyResponse is the 409 body of a refused latest read.
type StaleDependencyResponse struct {
	Code     ErrorResponseCode `json:"code"`
	Message  string            `json:"message"`
	Asset    string            `json:"asset"`
	Upstream string            `json:"upstream"`
	Expected int64             `json:"expected_seq"`
	Current  int64             `json:"current_seq"`
}

// RunRequest overrides the configured run parameters. Absent fields keep their defaults.
type RunRequest struct {
	Dimensions         *int     `json:"dimensions,omitempty"`
	Method             *string  `json:"method,omitempty"`
	Seed               *int64   `json:"seed,omitempty"`
	MinClusterSize     *int     `json:"min_cluster_size,omitempty"`
	MinSamples         *int     `json:"min_samples,omitempty"`
	AllowSingleCluster *bool    `json:"allow_single_cluster,omitempty"`
	BatchSize          *int     `json:"batch_size,omitempty"`
	Concurrency        *int     `json:"concurrency,omitempty"`
	Force              []string `json:"force,omitempty"`
}

// AssetReport is the state of one asset in a run.
type AssetReport struct {
	State      asset.State   `json:"state"`
	Outcome    asset.Outcome `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	Seq        int64         `json:"seq,omitempty"`
	ProducedBy string        `json:"produced_by,omitempty"`
	Rows       int           `json:"rows"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

// RunResponse describes one run.
type RunResponse struct {
	ID            string                 `json:"id"`
	Status        run.Status             `json:"status"`
	Config        run.Config             `json:"config"`
	Assets        map[string]AssetReport `json:"assets"`
	Recomputed    []string               `json:"recomputed"`
	Rejected      []run.Rejection        `json:"rejected"`
	RejectedTotal int                    `json:"rejected_total"`
	CreatedAt     time.Time              `json:"created_at"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	SupersededBy  *string                `json:"superseded_by,omitempty"`
}

// RunListResponse lists runs, newest first.
type RunListResponse struct {
	Items []RunResponse `json:"items"`
}

// PlanResponse maps every asset to what a run would do with it.
type PlanResponse struct {
	Assets map[string]AssetReport `json:"assets"`
}

// Assignment is the cluster label of one record; -1 is noise.
type Assignment struct {
	ID       string  `json:"id"`
	Cluster  int     `json:"cluster"`
	Strength float64 `json:"strength"`
}

// AssignmentListResponse lists cluster assignments.
type AssignmentListResponse struct {
	RunID string       `json:"run_id"`
	Seq   int64        `json:"seq,omitempty"`
	Items []Assignment `json:"items"`
}

// ReducedVector is a record in the reduced space.
type ReducedVector struct {
	ID     string    `json:"id"`
	Vector []float64 `json:"vector"`
}

// ReducedListResponse lists reduced vectors.
type ReducedListResponse struct {
	RunID string          `json:"run_id"`
	Items []ReducedVector `json:"items"`
}

// Cluster summarizes one cluster.
type Cluster struct {
	Label     int     `json:"label"`
	Size      int     `json:"size"`
	Stability float64 `json:"stability"`
}

// ClusterListResponse lists the clusters of a run.
type ClusterListResponse struct {
	RunID string    `json:"run_id"`
	Items []Cluster `json:"items"`
}

// CategorizedRecord is a record with its final category.
type CategorizedRecord struct {
	ID       string `json:"id"`
	Merchant string `json:"merchant"`
	Item     string `json:"item"`
	Cluster  int    `json:"cluster"`
	Category string `json:"category,omitempty"`
	Inferred bool   `json:"inferred"`
	Conflict bool   `json:"conflict"`
}

// CategorizedListResponse lists categorized records.
type CategorizedListResponse struct {
	RunID string              `json:"run_id"`
	Items []CategorizedRecord `json:"items"`
}

// ProjectRequest carries ad-hoc texts to project.
type ProjectRequest struct {
	Texts []string `json:"texts"`
}

// Projection is one projected text.
type Projection struct {
	Text    string    `json:"text"`
	Vector  []float64 `json:"vector"`
	Nearest *string   `json:"nearest,omitempty"`
	Cluster int       `json:"cluster"`
}

// ProjectResponse lists projected texts in request order.
type ProjectResponse struct {
	RunID string       `json:"run_id"`
	Items []Projection `json:"items"`
}

// HealthResponseLastRun is the latest finished run.
type HealthResponseLastRun struct {
	ID         string     `json:"id"`
	Status     run.Status `json:"status"`
	FinishedAt time.Time  `json:"finished_at"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Checks  map[string]string      `json:"checks"`
	LastRun *HealthResponseLastRun `json:"last_run,omitempty"`
}

// RunID is the {run} path parameter: a run id or "latest".
type RunID = string

// ListRunsParams are the query parameters of ListRuns.
type ListRunsParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ListAssignmentsParams are the query parameters of the assignment listings.
type ListAssignmentsParams struct {
	Cluster *int `form:"cluster,omitempty" json:"cluster,omitempty"`
	Limit   *int `form:"limit,omitempty" json:"limit,omitempty"`
}

// ListReducedParams are the query parameters of ListReduced.
type ListReducedParams struct {
	Limit *int `form:"limit,omitempty" json:"limit,omitempty"`
}
