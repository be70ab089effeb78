package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/termhive/termhive/internal/database"
	"github.com/termhive/termhive/internal/middleware"
	"github.com/termhive/termhive/internal/runtime"
	"github.com/termhive/termhive/internal/session"
)

type stubRuntime struct {
	unavailable bool
	createErr   error
}

func (s *stubRuntime) Initialize(ctx context.Context) error { return nil }

func (s *stubRuntime) IsAvailable(ctx context.Context) bool { return !s.unavailable }

func (s *stubRuntime) BackendName() string { return "stub" }

func (s *stubRuntime) Create(ctx context.Context, params runtime.CreateParams) (runtime.Container, error) {
	if s.createErr != nil {
		return runtime.Container{}, s.createErr
	}
	return runtime.Container{
		Ref:    "ref-" + params.Identity,
		Name:   "cli-" + params.Identity,
		Volume: "user-data-" + params.Identity,
	}, nil
}

func (s *stubRuntime) Destroy(ctx context.Context, ref string) error { return nil }

func setupOrchestrator(rt runtime.Runtime, maxSessions int) {
	ports := session.NewPortAllocator(8090, 8190)
	Orchestrator = session.NewOrchestrator(session.Config{
		HostIP:      "localhost",
		Image:       "test:latest",
		MaxSessions: maxSessions,
	}, ports, rt, nil)
	ContainerRuntime = rt
}

func asUser(req *http.Request, username string) *http.Request {
	return middleware.SetUser(req, &database.User{ID: 1, Username: username, Email: username + "@example.com"})
}

// withURLParam injects a chi route parameter for direct handler calls.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestRequestSessionEndpoint(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	req := asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice")
	rec := httptest.NewRecorder()
	RequestSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success, got %v", body["success"])
	}
	if body["session_type"] != "new" {
		t.Errorf("expected session_type new, got %v", body["session_type"])
	}

	info, _ := body["container_info"].(map[string]interface{})
	if info == nil {
		t.Fatal("missing container_info")
	}
	if info["port"] != float64(8090) {
		t.Errorf("expected port 8090, got %v", info["port"])
	}
	if info["url"] != "http://localhost:8090" {
		t.Errorf("unexpected url %v", info["url"])
	}
	if info["status"] != "active" {
		t.Errorf("expected active status, got %v", info["status"])
	}

	ws, _ := body["workspace"].(map[string]interface{})
	if ws == nil || ws["persistent"] != true || ws["path"] != "/workspace" {
		t.Errorf("unexpected workspace block: %v", body["workspace"])
	}
}

func TestRequestSessionEndpointIdempotent(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	first := httptest.NewRecorder()
	RequestSession(first, asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))
	second := httptest.NewRecorder()
	RequestSession(second, asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))

	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", second.Code)
	}
	body := decodeBody(t, second)
	if body["session_type"] != "existing" {
		t.Errorf("expected session_type existing, got %v", body["session_type"])
	}
}

func TestRequestSessionEndpointRuntimeDown(t *testing.T) {
	setupOrchestrator(&stubRuntime{unavailable: true}, 0)

	rec := httptest.NewRecorder()
	RequestSession(rec, asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestRequestSessionEndpointAtCapacity(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 1)

	ok := httptest.NewRecorder()
	RequestSession(ok, asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))
	if ok.Code != http.StatusOK {
		t.Fatalf("first request: %d", ok.Code)
	}

	full := httptest.NewRecorder()
	RequestSession(full, asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "bob"))
	if full.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 at capacity, got %d", full.Code)
	}
}

func TestRequestSessionEndpointProvisionFailure(t *testing.T) {
	setupOrchestrator(&stubRuntime{createErr: errors.New("pull failed")}, 0)

	rec := httptest.NewRecorder()
	RequestSession(rec, asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestStatusEndpointNoSession(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	req := asUser(httptest.NewRequest(http.MethodGet, "/cli/status/alice", nil), "alice")
	req = withURLParam(req, "username", "alice")
	rec := httptest.NewRecorder()
	GetStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["exists"] != false {
		t.Errorf("expected exists=false, got %v", body["exists"])
	}
}

func TestStatusEndpointAfterRequest(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	RequestSession(httptest.NewRecorder(), asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))

	req := asUser(httptest.NewRequest(http.MethodGet, "/cli/status/alice", nil), "alice")
	req = withURLParam(req, "username", "alice")
	rec := httptest.NewRecorder()
	GetStatus(rec, req)

	body := decodeBody(t, rec)
	if body["exists"] != true {
		t.Fatalf("expected exists=true, got %v", body["exists"])
	}
	info, _ := body["container_info"].(map[string]interface{})
	if info == nil || info["container_name"] != "cli-alice" {
		t.Errorf("unexpected container_info: %v", body["container_info"])
	}
}

func TestStatusEndpointForbidsOtherUsers(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	req := asUser(httptest.NewRequest(http.MethodGet, "/cli/status/bob", nil), "alice")
	req = withURLParam(req, "username", "bob")
	rec := httptest.NewRecorder()
	GetStatus(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestTerminateEndpoint(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	RequestSession(httptest.NewRecorder(), asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))

	req := asUser(httptest.NewRequest(http.MethodDelete, "/cli/terminate/alice", nil), "alice")
	req = withURLParam(req, "username", "alice")
	rec := httptest.NewRecorder()
	TerminateSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A second terminate finds nothing.
	again := httptest.NewRecorder()
	req2 := asUser(httptest.NewRequest(http.MethodDelete, "/cli/terminate/alice", nil), "alice")
	req2 = withURLParam(req2, "username", "alice")
	TerminateSession(again, req2)

	if again.Code != http.StatusNotFound {
		t.Errorf("expected 404 on repeat terminate, got %d", again.Code)
	}
}

func TestTerminateEndpointForbidsOtherUsers(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	req := asUser(httptest.NewRequest(http.MethodDelete, "/cli/terminate/bob", nil), "alice")
	req = withURLParam(req, "username", "bob")
	rec := httptest.NewRecorder()
	TerminateSession(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestSystemStatusEndpoint(t *testing.T) {
	setupOrchestrator(&stubRuntime{}, 0)

	RequestSession(httptest.NewRecorder(), asUser(httptest.NewRequest(http.MethodPost, "/cli/request", nil), "alice"))

	rec := httptest.NewRecorder()
	SystemStatus(rec, asUser(httptest.NewRequest(http.MethodGet, "/status", nil), "alice"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	userBlock, _ := body["user"].(map[string]interface{})
	if userBlock == nil || userBlock["has_session"] != true {
		t.Errorf("expected has_session=true, got %v", body["user"])
	}
	sysBlock, _ := body["system"].(map[string]interface{})
	if sysBlock == nil || sysBlock["active_sessions"] != float64(1) {
		t.Errorf("expected 1 active session, got %v", body["system"])
	}
	if sysBlock["runtime_available"] != true {
		t.Errorf("expected runtime available, got %v", sysBlock["runtime_available"])
	}
}
