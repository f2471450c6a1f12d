package chi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface is implemented by the API server.
type ServerInterface interface {
	// (POST /api/v1/runs)
	TriggerRun(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/runs)
	ListRuns(w http.ResponseWriter, r *http.Request, params ListRunsParams)
	// (POST /api/v1/plan)
	PlanRun(w http.ResponseWriter, r *http.Request)
	// (GET /api/v1/runs/{run})
	GetRun(w http.ResponseWriter, r *http.Request, runID RunID)
	// (GET /api/v1/runs/{run}/assignments)
	ListAssignments(w http.ResponseWriter, r *http.Request, runID RunID, params ListAssignmentsParams)
	// (GET /api/v1/runs/{run}/reduced)
	ListReduced(w http.ResponseWriter, r *http.Request, runID RunID, params ListReducedParams)
	// (GET /api/v1/runs/{run}/clusters)
	ListClusters(w http.ResponseWriter, r *http.Request, runID RunID)
	// (GET /api/v1/runs/{run}/categorized)
	ListCategorized(w http.ResponseWriter, r *http.Request, runID RunID, params ListAssignmentsParams)
	// (POST /api/v1/runs/{run}/project)
	ProjectTexts(w http.ResponseWriter, r *http.Request, runID RunID)
	// (GET /api/v1/assignments/latest)
	LatestAssignments(w http.ResponseWriter, r *http.Request, params ListAssignmentsParams)
	// (GET /health)
	HealthCheck(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	Metrics(w http.ResponseWriter, r *http.Request)
}

// ServerOptions configure HandlerWithOptions.
type ServerOptions struct {
	BaseRouter       chi.Router
	Middlewares      []func(http.Handler) http.Handler
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// InvalidParamFormatError reports a parameter that could not be bound.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error { return e.Err }

// HandlerWithOptions mounts si on the base router and returns it.
func HandlerWithOptions(si ServerInterface, options ServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	w := &wrapper{handler: si, middlewares: options.Middlewares, errorHandler: options.ErrorHandlerFunc}

	r.Group(func(r chi.Router) {
		r.Post("/api/v1/runs", w.TriggerRun)
		r.Get("/api/v1/runs", w.ListRuns)
		r.Post("/api/v1/plan", w.PlanRun)
		r.Get("/api/v1/runs/{run}", w.GetRun)
		r.Get("/api/v1/runs/{run}/assignments", w.ListAssignments)
		r.Get("/api/v1/runs/{run}/reduced", w.ListReduced)
		r.Get("/api/v1/runs/{run}/clusters", w.ListClusters)
		r.Get("/api/v1/runs/{run}/categorized", w.ListCategorized)
		r.Post("/api/v1/runs/{run}/project", w.ProjectTexts)
		r.Get("/api/v1/assignments/latest", w.LatestAssignments)
		r.Get("/health", w.HealthCheck)
		r.Get("/metrics", w.Metrics)
	})
	return r
}

// wrapper binds path and query parameters before calling the server.
type wrapper struct {
	handler      ServerInterface
	middlewares  []func(http.Handler) http.Handler
	errorHandler func(w http.ResponseWriter, r *http.Request, err error)
}

func (w *wrapper) serve(rw http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	var handler http.Handler = h
	for _, mw := range w.middlewares {
		handler = mw(handler)
	}
	handler.ServeHTTP(rw, r)
}

func (w *wrapper) runParam(rw http.ResponseWriter, r *http.Request) (RunID, bool) {
	var runID RunID
	err := runtime.BindStyledParameterWithOptions("simple", "run", chi.URLParam(r, "run"), &runID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		w.errorHandler(rw, r, &InvalidParamFormatError{ParamName: "run", Err: err})
		return "", false
	}
	return runID, true
}

func (w *wrapper) bindLimit(rw http.ResponseWriter, r *http.Request, dst **int) bool {
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), dst); err != nil {
		w.errorHandler(rw, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return false
	}
	return true
}

func (w *wrapper) bindAssignmentParams(rw http.ResponseWriter, r *http.Request) (ListAssignmentsParams, bool) {
	var params ListAssignmentsParams
	if err := runtime.BindQueryParameter("form", true, false, "cluster", r.URL.Query(), &params.Cluster); err != nil {
		w.errorHandler(rw, r, &InvalidParamFormatError{ParamName: "cluster", Err: err})
		return params, false
	}
	if !w.bindLimit(rw, r, &params.Limit) {
		return params, false
	}
	return params, true
}

func (w *wrapper) TriggerRun(rw http.ResponseWriter, r *http.Request) {
	w.serve(rw, r, w.handler.TriggerRun)
}

func (w *wrapper) ListRuns(rw http.ResponseWriter, r *http.Request) {
	var params ListRunsParams
	if !w.bindLimit(rw, r, &params.Limit) {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.ListRuns(rw, r, params) })
}

func (w *wrapper) PlanRun(rw http.ResponseWriter, r *http.Request) {
	w.serve(rw, r, w.handler.PlanRun)
}

func (w *wrapper) GetRun(rw http.ResponseWriter, r *http.Request) {
	runID, ok := w.runParam(rw, r)
	if !ok {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.GetRun(rw, r, runID) })
}

func (w *wrapper) ListAssignments(rw http.ResponseWriter, r *http.Request) {
	runID, ok := w.runParam(rw, r)
	if !ok {
		return
	}
	params, ok := w.bindAssignmentParams(rw, r)
	if !ok {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.ListAssignments(rw, r, runID, params) })
}

func (w *wrapper) ListReduced(rw http.ResponseWriter, r *http.Request) {
	runID, ok := w.runParam(rw, r)
	if !ok {
		return
	}
	var params ListReducedParams
	if !w.bindLimit(rw, r, &params.Limit) {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.ListReduced(rw, r, runID, params) })
}

func (w *wrapper) ListClusters(rw http.ResponseWriter, r *http.Request) {
	runID, ok := w.runParam(rw, r)
	if !ok {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.ListClusters(rw, r, runID) })
}

func (w *wrapper) ListCategorized(rw http.ResponseWriter, r *http.Request) {
	runID, ok := w.runParam(rw, r)
	if !ok {
		return
	}
	params, ok := w.bindAssignmentParams(rw, r)
	if !ok {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.ListCategorized(rw, r, runID, params) })
}

func (w *wrapper) ProjectTexts(rw http.ResponseWriter, r *http.Request) {
	runID, ok := w.runParam(rw, r)
	if !ok {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.ProjectTexts(rw, r, runID) })
}

func (w *wrapper) LatestAssignments(rw http.ResponseWriter, r *http.Request) {
	params, ok := w.bindAssignmentParams(rw, r)
	if !ok {
		return
	}
	w.serve(rw, r, func(rw http.ResponseWriter, r *http.Request) { w.handler.LatestAssignments(rw, r, params) })
}

func (w *wrapper) HealthCheck(rw http.ResponseWriter, r *http.Request) {
	w.serve(rw, r, w.handler.HealthCheck)
}

func (w *wrapper) Metrics(rw http.ResponseWriter, r *http.Request) {
	w.serve(rw, r, w.handler.Metrics)
}
