package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/codec"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	healthuc "github.com/kailas-cloud/recluster/internal/usecase/health"
	pipelineuc "github.com/kailas-cloud/recluster/internal/usecase/pipeline"
	queryuc "github.com/kailas-cloud/recluster/internal/usecase/query"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server implements ServerInterface.
type Server struct {
	pipeline      *pipelineuc.Service
	query         *queryuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates an HTTP API server.
func NewServer(
	pipeline *pipelineuc.Service,
	query *queryuc.Service,
	health *healthuc.Service,
	logger *zap.Logger,
) *Server {
	s := &Server{
		pipeline: pipeline,
		query:    query,
		health:   health,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		staleDependencyHandler,
		sentinelHandler(domain.ErrRunNotFound, http.StatusNotFound, ErrorResponseCodeRunNotFound),
		sentinelHandler(domain.ErrNotMaterialized, http.StatusNotFound, ErrorResponseCodeNotMaterialized),
		sentinelHandler(domain.ErrInvalidConfig, http.StatusBadRequest, ErrorResponseCodeValidationFailed),
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, ErrorResponseCodeValidationFailed),
		sentinelHandler(domain.ErrUnknownAsset, http.StatusBadRequest, ErrorResponseCodeValidationFailed),
		sentinelHandler(domain.ErrLockTimeout, http.StatusConflict, ErrorResponseCodeLockTimeout),
		sentinelHandler(domain.ErrBackendUnavailable,
			http.StatusServiceUnavailable, ErrorResponseCodeEmbeddingBackendUnavailable),
		sentinelHandler(domain.ErrEmbeddingProviderError,
			http.StatusBadGateway, ErrorResponseCodeEmbeddingProviderError),
		sentinelHandler(domain.ErrVectorDimMismatch,
			http.StatusBadGateway, ErrorResponseCodeEmbeddingProviderError),
	}
	return s
}

// TriggerRun handles POST /api/v1/runs. The run executes within the request;
// a client disconnect cancels it.
func (s *Server) TriggerRun(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeRunConfig(w, r)
	if !ok {
		return
	}

	rn, err := s.pipeline.Trigger(r.Context(), cfg)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+rn.ID)
	writeJSON(w, http.StatusCreated, runToAPI(rn))
}

// PlanRun handles POST /api/v1/plan.
func (s *Server) PlanRun(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.decodeRunConfig(w, r)
	if !ok {
		return
	}

	plan, err := s.pipeline.Plan(r.Context(), cfg)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PlanResponse{Assets: reportsToAPI(plan)})
}

// ListRuns handles GET /api/v1/runs.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request, params ListRunsParams) {
	runs, err := s.query.Runs(r.Context(), derefInt(params.Limit))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]RunResponse, len(runs))
	for i, rn := range runs {
		items[i] = runToAPI(rn)
	}
	writeJSON(w, http.StatusOK, RunListResponse{Items: items})
}

// GetRun handles GET /api/v1/runs/{run}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request, runID RunID) {
	rn, err := s.query.Run(r.Context(), runID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, runToAPI(rn))
}

// ListAssignments handles GET /api/v1/runs/{run}/assignments.
func (s *Server) ListAssignments(w http.ResponseWriter, r *http.Request, runID RunID, params ListAssignmentsParams) {
	rn, err := s.query.Run(r.Context(), runID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	rows, err := s.query.Assignments(r.Context(), rn.ID, filterFromParams(params))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AssignmentListResponse{
		RunID: rn.ID,
		Seq:   rn.Assets[pipelineuc.AssetClusterAssignments].Seq,
		Items: assignmentsToAPI(rows),
	})
}

// ListReduced handles GET /api/v1/runs/{run}/reduced.
func (s *Server) ListReduced(w http.ResponseWriter, r *http.Request, runID RunID, params ListReducedParams) {
	rn, err := s.query.Run(r.Context(), runID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	rows, err := s.query.Reduced(r.Context(), rn.ID, derefInt(params.Limit))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]ReducedVector, len(rows))
	for i, row := range rows {
		items[i] = ReducedVector{ID: row.ID, Vector: row.Vector}
	}
	writeJSON(w, http.StatusOK, ReducedListResponse{RunID: rn.ID, Items: items})
}

// ListClusters handles GET /api/v1/runs/{run}/clusters.
func (s *Server) ListClusters(w http.ResponseWriter, r *http.Request, runID RunID) {
	rn, err := s.query.Run(r.Context(), runID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	clusters, err := s.query.Clusters(r.Context(), rn.ID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]Cluster, len(clusters))
	for i, c := range clusters {
		items[i] = Cluster{Label: c.Label, Size: c.Size, Stability: c.Stability}
	}
	writeJSON(w, http.StatusOK, ClusterListResponse{RunID: rn.ID, Items: items})
}

// ListCategorized handles GET /api/v1/runs/{run}/categorized.
func (s *Server) ListCategorized(w http.ResponseWriter, r *http.Request, runID RunID, params ListAssignmentsParams) {
	rn, err := s.query.Run(r.Context(), runID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	rows, err := s.query.Categorized(r.Context(), rn.ID, filterFromParams(params))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]CategorizedRecord, len(rows))
	for i, row := range rows {
		items[i] = CategorizedRecord{
			ID:       row.ID,
			Merchant: row.Merchant,
			Item:     row.Item,
			Cluster:  int(row.Cluster),
			Category: row.Category,
			Inferred: row.Inferred,
			Conflict: row.Conflict,
		}
	}
	writeJSON(w, http.StatusOK, CategorizedListResponse{RunID: rn.ID, Items: items})
}

// ProjectTexts handles POST /api/v1/runs/{run}/project.
func (s *Server) ProjectTexts(w http.ResponseWriter, r *http.Request, runID RunID) {
	var req ProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rn, err := s.query.Run(r.Context(), runID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	projections, err := s.query.Project(r.Context(), rn.ID, req.Texts)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]Projection, len(projections))
	for i, p := range projections {
		items[i] = Projection{Text: p.Text, Vector: p.Vector, Cluster: p.Cluster}
		if p.Nearest != "" {
			nearest := p.Nearest
			items[i].Nearest = &nearest
		}
	}
	writeJSON(w, http.StatusOK, ProjectResponse{RunID: rn.ID, Items: items})
}

// LatestAssignments handles GET /api/v1/assignments/latest.
func (s *Server) LatestAssignments(w http.ResponseWriter, r *http.Request, params ListAssignmentsParams) {
	rows, head, err := s.query.LatestAssignments(r.Context(), filterFromParams(params))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AssignmentListResponse{
		RunID: head.RunID,
		Seq:   head.Seq,
		Items: assignmentsToAPI(rows),
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	resp := HealthResponse{Status: string(report.Status), Checks: checks}
	if report.LastRun != nil {
		resp.LastRun = &HealthResponseLastRun{
			ID:         report.LastRun.ID,
			Status:     report.LastRun.Status,
			FinishedAt: report.LastRun.FinishedAt,
		}
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// decodeRunConfig overlays the optional request body on the default run configuration.
func (s *Server) decodeRunConfig(w http.ResponseWriter, r *http.Request) (run.Config, bool) {
	var req RunRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, "Invalid request body: "+err.Error())
		return run.Config{}, false
	}
	return runConfigFromAPI(s.pipeline.Defaults(), req), true
}

func runConfigFromAPI(cfg run.Config, req RunRequest) run.Config {
	if req.Dimensions != nil {
		cfg.Dimensions = *req.Dimensions
	}
	if req.Method != nil {
		cfg.Method = *req.Method
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	if req.MinClusterSize != nil {
		cfg.MinClusterSize = *req.MinClusterSize
	}
	if req.MinSamples != nil {
		cfg.MinSamples = *req.MinSamples
	}
	if req.AllowSingleCluster != nil {
		cfg.AllowSingleCluster = *req.AllowSingleCluster
	}
	if req.BatchSize != nil {
		cfg.BatchSize = *req.BatchSize
	}
	if req.Concurrency != nil {
		cfg.Concurrency = *req.Concurrency
	}
	cfg.Force = req.Force
	return cfg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorResponseCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	// input errors carry the offending value, which the client sent
	for _, s := range []error{domain.ErrInvalidConfig, domain.ErrInvalidRequest, domain.ErrStaleDependency} {
		if errors.Is(err, s) {
			return err.Error()
		}
	}
	sentinels := []error{
		domain.ErrRunNotFound,
		domain.ErrNotMaterialized,
		domain.ErrUnknownAsset,
		domain.ErrLockTimeout,
		domain.ErrBackendUnavailable,
		domain.ErrEmbeddingProviderError,
		domain.ErrVectorDimMismatch,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorResponseCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// staleDependencyHandler reports which upstream moved on.
func staleDependencyHandler(w http.ResponseWriter, err error, msg string) bool {
	var sde *domain.StaleDependencyError
	if !errors.As(err, &sde) {
		return false
	}
	writeJSON(w, http.StatusConflict, StaleDependencyResponse{
		Code:     ErrorResponseCodeStaleDependency,
		Message:  msg,
		Asset:    sde.Asset,
		Upstream: sde.Upstream,
		Expected: sde.Expected,
		Current:  sde.Current,
	})
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorResponseCodeInternalError, "internal error")
}

func runToAPI(rn run.Run) RunResponse {
	resp := RunResponse{
		ID:            rn.ID,
		Status:        rn.Status,
		Config:        rn.Config,
		Assets:        reportsToAPI(rn.Assets),
		Recomputed:    rn.Order,
		Rejected:      rn.Rejected,
		RejectedTotal: rn.RejectedTotal,
		CreatedAt:     rn.CreatedAt,
	}
	if resp.Recomputed == nil {
		resp.Recomputed = []string{}
	}
	if resp.Rejected == nil {
		resp.Rejected = []run.Rejection{}
	}
	if !rn.FinishedAt.IsZero() {
		finished := rn.FinishedAt
		resp.FinishedAt = &finished
	}
	if rn.SupersededBy != "" {
		by := rn.SupersededBy
		resp.SupersededBy = &by
	}
	return resp
}

func reportsToAPI(reports map[string]asset.Report) map[string]AssetReport {
	out := make(map[string]AssetReport, len(reports))
	for name, r := range reports {
		out[name] = AssetReport{
			State:      r.State,
			Outcome:    r.Outcome,
			Reason:     r.Reason,
			Seq:        r.Seq,
			ProducedBy: r.ProducedBy,
			Rows:       r.Rows,
			Error:      r.Error,
			DurationMS: r.Duration.Milliseconds(),
		}
	}
	return out
}

func assignmentsToAPI(rows []codec.AssignmentRow) []Assignment {
	items := make([]Assignment, len(rows))
	for i, row := range rows {
		items[i] = Assignment{ID: row.ID, Cluster: int(row.Label), Strength: row.Strength}
	}
	return items
}

func filterFromParams(params ListAssignmentsParams) queryuc.Filter {
	return queryuc.Filter{Cluster: params.Cluster, Limit: derefInt(params.Limit)}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// badParamHandler answers parameter binding failures.
func badParamHandler(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, http.StatusBadRequest, ErrorResponseCodeBadRequest, fmt.Sprintf("invalid request: %v", err))
}
