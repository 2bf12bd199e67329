package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/runctl/internal/controlplane"
	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/danmuck/runctl/internal/resource"
	"github.com/danmuck/runctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

const slug = "acme.us-central1.hello"

func newTestServer(t *testing.T) (*Server, *controlplane.Memory) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	cp := controlplane.NewMemory()
	orch := orchestrator.New(cp, orchestrator.Config{Parallelism: 2})
	_, err := orch.Submit(resource.Desired{
		Service: resource.ServiceSpec{
			Name:     "hello",
			Location: "us-central1",
			Project:  "acme",
			Containers: []resource.ContainerSpec{{
				Image: "us-docker.pkg.dev/acme/app/hello:1.0",
			}},
			AutogenerateRevisionName: true,
		},
		Domains: []string{"api.example.com"},
		Members: []string{"allUsers"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return New(orch, Options{Addr: "127.0.0.1:0"}), cp
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status: %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["services"] != float64(1) {
		t.Fatalf("expected one service, got %v", body["services"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodGet, "/health")

	rec := do(t, s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "runctl_http_requests_total") {
		t.Fatalf("expected http request counter in metrics output")
	}
}

func TestReconcileThenSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/services/"+slug)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status: %d", rec.Code)
	}
	if view := decode[serviceView](t, rec); view.Observed || view.Key != "acme/us-central1/hello" {
		t.Fatalf("unexpected pre-reconcile view: %+v", view)
	}

	rec = do(t, s, http.MethodPost, "/services/"+slug+"/reconcile")
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status: %d body=%s", rec.Code, rec.Body.String())
	}
	report := decode[orchestrator.Report](t, rec)
	if report.Completion != orchestrator.CompletionSatisfied || len(report.Domains) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec = do(t, s, http.MethodGet, "/services")
	list := decode[struct {
		Services []serviceView `json:"services"`
	}](t, rec)
	if len(list.Services) != 1 {
		t.Fatalf("expected one service, got %d", len(list.Services))
	}
	view := list.Services[0]
	if !view.Observed || view.State != "READY" || view.Generation != 1 || !view.Ready {
		t.Fatalf("unexpected observed view: %+v", view)
	}
	if view.LastReport != orchestrator.CompletionSatisfied || view.ReportsCount != 1 {
		t.Fatalf("unexpected report summary: %+v", view)
	}
}

func TestReconcileUnknownServiceIs404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/services/acme.us-central1.missing/reconcile")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/services/acme.us-central1.missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = do(t, s, http.MethodPost, "/services/not-a-key/reconcile")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed key, got %d", rec.Code)
	}
}

func TestReconcileStatusFollowsCompletion(t *testing.T) {
	s, cp := newTestServer(t)
	cp.Reject(controlplane.OpCreateDomain, "api.example.com", "domain not verified")

	rec := do(t, s, http.MethodPost, "/services/"+slug+"/reconcile")
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207 for partial completion, got %d", rec.Code)
	}
	report := decode[orchestrator.Report](t, rec)
	if report.Completion != orchestrator.CompletionPartial || report.Domains[0].Error == "" {
		t.Fatalf("unexpected partial report: %+v", report)
	}

	cp.ClearRejections()
	cp.Reject(controlplane.OpUpdateService, "acme/us-central1/hello", "quota exceeded")
	cp.Annotate(resource.ServiceIdentity{Project: "acme", Location: "us-central1", Name: "hello"}, "example.com/drift", "1")
	rec = do(t, s, http.MethodPost, "/services/"+slug+"/reconcile")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for blocked pass, got %d body=%s", rec.Code, rec.Body.String())
	}
	if report := decode[orchestrator.Report](t, rec); report.Phase != orchestrator.ReportPhaseBlocked {
		t.Fatalf("expected blocked phase, got %q", report.Phase)
	}
}

func TestReconcileAllAndReports(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/reconcile")
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile all status: %d", rec.Code)
	}
	do(t, s, http.MethodPost, "/services/"+slug+"/reconcile")

	rec = do(t, s, http.MethodGet, "/reports?limit=1")
	body := decode[struct {
		Reports []orchestrator.Report `json:"reports"`
	}](t, rec)
	if len(body.Reports) != 1 || body.Reports[0].Service.Action != "noop" {
		t.Fatalf("expected newest noop report, got %+v", body.Reports)
	}

	rec = do(t, s, http.MethodGet, "/reports?limit=abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestPlanRoute(t *testing.T) {
	s, cp := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/services/"+slug+"/plan")
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status: %d body=%s", rec.Code, rec.Body.String())
	}
	if cp.Calls(controlplane.OpCreateService) != 0 {
		t.Fatalf("plan must not create the service")
	}
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", orchestrator.ErrServiceNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", orchestrator.ErrReconcileInFlight), http.StatusConflict},
		{resource.Invalid("name", "is required"), http.StatusBadRequest},
		{&resource.RemoteRejected{Resource: "svc", Reason: "denied"}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Fatalf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestReconcileRequiresTokenWhenConfigured(t *testing.T) {
	base, _ := newTestServer(t)
	s := New(base.orch, Options{AdminToken: "s3cret"})

	rec := do(t, s, http.MethodPost, "/services/"+slug+"/reconcile")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/services/"+slug+"/reconcile", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	if rec := do(t, s, http.MethodGet, "/services/"+slug); rec.Code != http.StatusOK {
		t.Fatalf("read routes stay open, got %d", rec.Code)
	}
}

func TestDeleteRoute(t *testing.T) {
	s, cp := newTestServer(t)
	do(t, s, http.MethodPost, "/services/"+slug+"/reconcile")

	rec := do(t, s, http.MethodDelete, "/services/"+slug)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status: %d body=%s", rec.Code, rec.Body.String())
	}
	if cp.Calls(controlplane.OpDeleteService) != 1 || cp.Calls(controlplane.OpDeleteDomain) != 1 {
		t.Fatalf("expected service and domain deleted")
	}
	if rec := do(t, s, http.MethodGet, "/services/"+slug); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/services/"+slug); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}
