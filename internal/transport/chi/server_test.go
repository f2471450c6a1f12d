package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/recluster/internal/db/memory"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
	"github.com/kailas-cloud/recluster/internal/domain/run"
	"github.com/kailas-cloud/recluster/internal/repository/materialization"
	"github.com/kailas-cloud/recluster/internal/repository/runs"
	"github.com/kailas-cloud/recluster/internal/source"
	"github.com/kailas-cloud/recluster/internal/transport/hashing"
	healthuc "github.com/kailas-cloud/recluster/internal/usecase/health"
	pipelineuc "github.com/kailas-cloud/recluster/internal/usecase/pipeline"
	queryuc "github.com/kailas-cloud/recluster/internal/usecase/query"
)

type staticSource []receipt.Raw

func (s staticSource) Fingerprint(context.Context) (string, error) { return "fixed", nil }

func (s staticSource) Read(context.Context) (source.Batch, error) {
	return source.Batch{Records: s}, nil
}

type testAPI struct {
	handler http.Handler
	mats    *materialization.Repo
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memory.NewStore()
	mats := materialization.New(st, "api:", time.Second)
	runRepo := runs.New(st, "api:")
	embedder := hashing.NewEmbedder(64)

	raw := func(id, merchant string) receipt.Raw {
		return receipt.Raw{ID: id, Source: source.Scraped, Merchant: merchant, Timestamp: "2024-03-01", Total: "5.00"}
	}
	pipeline := pipelineuc.New(mats, runRepo, pipelineuc.Options{
		Embedders:   func(int) domain.Embedder { return embedder },
		EmbeddingID: "hashing/64",
		TextFields:  []string{receipt.FieldMerchant},
		Scraped: staticSource{
			raw("r1", "Coffee Shop A"), raw("r2", "Coffee Shop A "), raw("r3", "Hardware Store B"),
		},
		Defaults: run.Config{
			Dimensions: 2, Method: "pca", Seed: 42,
			MinClusterSize: 2, MinSamples: 2, AllowSingleCluster: true,
			BatchSize: 16, Concurrency: 2,
		},
	}, zap.NewNop())
	query := queryuc.New(mats, runRepo, embedder)
	health := healthuc.New(st, embedder, runRepo)

	server := NewServer(pipeline, query, health, zap.NewNop())
	return &testAPI{handler: NewRouter(server, nil, zap.NewNop()), mats: mats}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (a *testAPI) triggerRun(t *testing.T) RunResponse {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/v1/runs", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("trigger: got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[RunResponse](t, rr)
}

func TestTriggerRun(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodPost, "/api/v1/runs", `{"seed": 7, "min_cluster_size": 2}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[RunResponse](t, rr)
	if rr.Header().Get("Location") != "/api/v1/runs/"+resp.ID {
		t.Errorf("unexpected Location %q", rr.Header().Get("Location"))
	}
	if resp.Status != run.StatusSucceeded || resp.Config.Seed != 7 {
		t.Errorf("unexpected run %+v", resp)
	}
	if len(resp.Assets) != 8 || len(resp.Recomputed) != 8 {
		t.Errorf("expected 8 assets recomputed, got %d/%d", len(resp.Assets), len(resp.Recomputed))
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	second := api.triggerRun(t)
	for name, r := range second.Assets {
		if r.Outcome != asset.OutcomeSkipped {
			t.Errorf("%s: expected skipped, got %s", name, r.Outcome)
		}
	}
}

func TestTriggerRun_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode ErrorResponseCode
	}{
		{"malformed body", `{"seed":`, ErrorResponseCodeBadRequest},
		{"zero dimensions", `{"dimensions": 0}`, ErrorResponseCodeValidationFailed},
		{"unknown method", `{"method": "tsne"}`, ErrorResponseCodeValidationFailed},
		{"unknown force", `{"force": ["nope"]}`, ErrorResponseCodeValidationFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := newTestAPI(t)
			rr := api.do(t, http.MethodPost, "/api/v1/runs", tc.body)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("got %d, want 400", rr.Code)
			}
			if resp := decode[ErrorResponse](t, rr); resp.Code != tc.wantCode {
				t.Errorf("code: got %s, want %s", resp.Code, tc.wantCode)
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	api := newTestAPI(t)
	created := api.triggerRun(t)

	for _, id := range []string{created.ID, "latest"} {
		rr := api.do(t, http.MethodGet, "/api/v1/runs/"+id, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: got %d", id, rr.Code)
		}
		if resp := decode[RunResponse](t, rr); resp.ID != created.ID {
			t.Errorf("%s: got run %s", id, resp.ID)
		}
	}

	rr := api.do(t, http.MethodGet, "/api/v1/runs/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Code != ErrorResponseCodeRunNotFound {
		t.Errorf("code: got %s", resp.Code)
	}
}

func TestListRuns(t *testing.T) {
	api := newTestAPI(t)
	first := api.triggerRun(t)
	second := api.triggerRun(t)

	rr := api.do(t, http.MethodGet, "/api/v1/runs?limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	resp := decode[RunListResponse](t, rr)
	if len(resp.Items) != 1 || resp.Items[0].ID != second.ID {
		t.Errorf("expected only %s, got %+v", second.ID, resp.Items)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/runs/"+first.ID, "")
	if resp := decode[RunResponse](t, rr); resp.SupersededBy == nil || *resp.SupersededBy != second.ID {
		t.Errorf("expected %s superseded by %s", first.ID, second.ID)
	}
}

func TestListAssignments(t *testing.T) {
	api := newTestAPI(t)
	created := api.triggerRun(t)

	rr := api.do(t, http.MethodGet, "/api/v1/runs/"+created.ID+"/assignments?cluster=0", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[AssignmentListResponse](t, rr)
	if len(resp.Items) != 2 || resp.Items[0].ID != "r1" || resp.Items[1].ID != "r2" {
		t.Errorf("expected r1 and r2, got %+v", resp.Items)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/runs/latest/assignments?cluster=-1", "")
	resp = decode[AssignmentListResponse](t, rr)
	if len(resp.Items) != 1 || resp.Items[0].ID != "r3" {
		t.Errorf("expected r3 as noise, got %+v", resp.Items)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/runs/latest/assignments?limit=abc", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: got %d, want 400", rr.Code)
	}
}

func TestReducedClustersCategorized(t *testing.T) {
	api := newTestAPI(t)
	created := api.triggerRun(t)
	base := "/api/v1/runs/" + created.ID

	rr := api.do(t, http.MethodGet, base+"/reduced?limit=1", "")
	if reduced := decode[ReducedListResponse](t, rr); len(reduced.Items) != 1 || len(reduced.Items[0].Vector) != 2 {
		t.Errorf("unexpected reduced %+v", reduced)
	}

	rr = api.do(t, http.MethodGet, base+"/clusters", "")
	if clusters := decode[ClusterListResponse](t, rr); len(clusters.Items) != 1 || clusters.Items[0].Size != 2 {
		t.Errorf("unexpected clusters %+v", clusters)
	}

	rr = api.do(t, http.MethodGet, base+"/categorized", "")
	if categorized := decode[CategorizedListResponse](t, rr); len(categorized.Items) != 3 {
		t.Errorf("unexpected categorized %+v", categorized)
	}
}

func TestProjectTexts(t *testing.T) {
	api := newTestAPI(t)
	created := api.triggerRun(t)

	rr := api.do(t, http.MethodPost, "/api/v1/runs/"+created.ID+"/project", `{"texts": ["Coffee Shop A"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[ProjectResponse](t, rr)
	if len(resp.Items) != 1 || resp.Items[0].Cluster != 0 || resp.Items[0].Nearest == nil {
		t.Errorf("unexpected projection %+v", resp.Items)
	}

	rr = api.do(t, http.MethodPost, "/api/v1/runs/"+created.ID+"/project", `{"texts": []}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty texts: got %d, want 400", rr.Code)
	}
}

func TestLatestAssignments(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodGet, "/api/v1/assignments/latest", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("before any run: got %d, want 404", rr.Code)
	}
	if resp := decode[ErrorResponse](t, rr); resp.Code != ErrorResponseCodeNotMaterialized {
		t.Errorf("code: got %s", resp.Code)
	}

	created := api.triggerRun(t)
	rr = api.do(t, http.MethodGet, "/api/v1/assignments/latest", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	if resp := decode[AssignmentListResponse](t, rr); resp.RunID != created.ID || len(resp.Items) != 3 {
		t.Errorf("unexpected latest %+v", resp)
	}

	m := asset.Materialization{Asset: pipelineuc.AssetProjector, RunID: "manual"}
	if _, err := api.mats.Commit(context.Background(), m, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rr = api.do(t, http.MethodGet, "/api/v1/assignments/latest", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rr.Code)
	}
	stale := decode[StaleDependencyResponse](t, rr)
	if stale.Code != ErrorResponseCodeStaleDependency || stale.Upstream != pipelineuc.AssetProjector ||
		stale.Expected != 1 || stale.Current != 2 {
		t.Errorf("unexpected stale response %+v", stale)
	}
}

func TestPlanRun(t *testing.T) {
	api := newTestAPI(t)
	api.triggerRun(t)

	rr := api.do(t, http.MethodPost, "/api/v1/plan", `{"force": ["embeddings"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[PlanResponse](t, rr)
	if resp.Assets[pipelineuc.AssetRecords].State != asset.StateMaterialized {
		t.Errorf("expected records fresh, got %+v", resp.Assets[pipelineuc.AssetRecords])
	}
	if resp.Assets[pipelineuc.AssetClusterAssignments].State != asset.StateStale {
		t.Errorf("expected clustering stale, got %+v", resp.Assets[pipelineuc.AssetClusterAssignments])
	}
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t)
	api.triggerRun(t)

	rr := api.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	resp := decode[HealthResponse](t, rr)
	if resp.Status != "ok" || resp.Checks["store"] != "ok" || resp.Checks["last_run"] != "ok" {
		t.Errorf("unexpected health %+v", resp)
	}
	if resp.LastRun == nil || resp.LastRun.Status != run.StatusSucceeded {
		t.Errorf("expected last run, got %+v", resp.LastRun)
	}
}

func TestMetrics(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodGet, "/health", "")

	rr := api.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "recluster_http_requests_total") {
		t.Error("expected http metrics in exposition")
	}
}
