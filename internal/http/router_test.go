package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/repository"
	"github.com/trymist/Mist/internal/service/deploy"
	"github.com/trymist/Mist/internal/service/logs"
	"github.com/trymist/Mist/internal/service/runtime"
	"github.com/trymist/Mist/internal/stream"
)

type deployStub struct {
	startFn   func(ctx context.Context, appID int64) (int64, error)
	stopFn    func(ctx context.Context, deploymentID int64) error
	getFn     func(ctx context.Context, deploymentID int64) (*domain.Deployment, error)
	historyFn func(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error)
}

func (s *deployStub) Start(ctx context.Context, appID int64) (int64, error) {
	return s.startFn(ctx, appID)
}

func (s *deployStub) Stop(ctx context.Context, deploymentID int64) error {
	return s.stopFn(ctx, deploymentID)
}

func (s *deployStub) Get(ctx context.Context, deploymentID int64) (*domain.Deployment, error) {
	return s.getFn(ctx, deploymentID)
}

func (s *deployStub) History(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error) {
	return s.historyFn(ctx, appID, limit)
}

type runtimeStub struct {
	statusFn func(ctx context.Context, appID int64) (*domain.StackStatus, error)
	actionFn func(action string, appID int64) error
}

func (s *runtimeStub) Status(ctx context.Context, appID int64) (*domain.StackStatus, error) {
	return s.statusFn(ctx, appID)
}

func (s *runtimeStub) Start(_ context.Context, appID int64) error {
	return s.actionFn("start", appID)
}

func (s *runtimeStub) Stop(_ context.Context, appID int64) error {
	return s.actionFn("stop", appID)
}

func (s *runtimeStub) Restart(_ context.Context, appID int64) error {
	return s.actionFn("restart", appID)
}

func (s *runtimeStub) Recreate(_ context.Context, appID int64) error {
	return s.actionFn("recreate", appID)
}

type logStub struct {
	fetchFn func(ctx context.Context, deploymentID int64) (*domain.Deployment, string, error)
}

func (s *logStub) Fetch(ctx context.Context, deploymentID int64) (*domain.Deployment, string, error) {
	return s.fetchFn(ctx, deploymentID)
}

func newTestRouter(t *testing.T, deploySvc deployService, runtimeSvc runtimeService, logSvc logService, streams *stream.Registry) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if streams == nil {
		streams = stream.NewRegistry(16, time.Minute, logger)
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		deploy:  deploySvc,
		runtime: runtimeSvc,
		logs:    logSvc,
		streams: streams,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: NewMemoryRateLimiter(),
	}
	t.Cleanup(r.Close)
	r.register()
	return r
}

func TestCreateDeploymentAccepted(t *testing.T) {
	deploySvc := &deployStub{
		startFn: func(_ context.Context, appID int64) (int64, error) {
			if appID != 42 {
				t.Fatalf("unexpected app id %d", appID)
			}
			return 7, nil
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"appId":42}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if id, ok := body["deploymentId"].(float64); !ok || int64(id) != 7 {
		t.Fatalf("unexpected deploymentId %v", body["deploymentId"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id header")
	}
}

func TestCreateDeploymentConflict(t *testing.T) {
	deploySvc := &deployStub{
		startFn: func(context.Context, int64) (int64, error) {
			return 0, deploy.ErrDeploymentInProgress
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"appId":42}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestCreateDeploymentUnknownApp(t *testing.T) {
	deploySvc := &deployStub{
		startFn: func(context.Context, int64) (int64, error) {
			return 0, repository.ErrNotFound
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"appId":42}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCreateDeploymentRejectsBadBody(t *testing.T) {
	router := newTestRouter(t, &deployStub{}, nil, nil, nil)

	for _, body := range []string{"{", `{"appId":0}`} {
		req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestDeploymentLogsInProgress(t *testing.T) {
	logSvc := &logStub{
		fetchFn: func(_ context.Context, deploymentID int64) (*domain.Deployment, string, error) {
			return &domain.Deployment{ID: deploymentID, Status: domain.StatusBuilding}, "", logs.ErrInProgress
		},
	}
	router := newTestRouter(t, &deployStub{}, nil, logSvc, nil)

	req := httptest.NewRequest(http.MethodGet, "/deployments/7/logs", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["status"] != "in_progress" {
		t.Fatalf("expected in_progress marker, got %v", body["status"])
	}
}

func TestDeploymentLogsFinished(t *testing.T) {
	logSvc := &logStub{
		fetchFn: func(_ context.Context, deploymentID int64) (*domain.Deployment, string, error) {
			return &domain.Deployment{ID: deploymentID, Status: domain.StatusSuccess}, "Step 1/2\n", nil
		},
	}
	router := newTestRouter(t, &deployStub{}, nil, logSvc, nil)

	req := httptest.NewRequest(http.MethodGet, "/deployments/7/logs", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body.Logs != "Step 1/2\n" {
		t.Fatalf("unexpected logs %q", body.Logs)
	}
}

func TestStopDeployment(t *testing.T) {
	stopped := int64(0)
	deploySvc := &deployStub{
		stopFn: func(_ context.Context, deploymentID int64) error {
			stopped = deploymentID
			return nil
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deployments/7/stop", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if stopped != 7 {
		t.Fatalf("expected deployment 7 stopped, got %d", stopped)
	}
}

func TestStopTerminalDeploymentConflicts(t *testing.T) {
	deploySvc := &deployStub{
		stopFn: func(context.Context, int64) error {
			return deploy.ErrNotStoppable
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/deployments/7/stop", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestAppStatus(t *testing.T) {
	runtimeSvc := &runtimeStub{
		statusFn: func(_ context.Context, appID int64) (*domain.StackStatus, error) {
			return &domain.StackStatus{State: domain.StackPartial, Status: "2/3 Running"}, nil
		},
	}
	router := newTestRouter(t, &deployStub{}, runtimeSvc, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/apps/42/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body domain.StackStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body.State != domain.StackPartial || body.Status != "2/3 Running" {
		t.Fatalf("unexpected status %+v", body)
	}
}

func TestAppLifecycleActions(t *testing.T) {
	var got []string
	runtimeSvc := &runtimeStub{
		actionFn: func(action string, _ int64) error {
			got = append(got, action)
			return nil
		},
	}
	router := newTestRouter(t, &deployStub{}, runtimeSvc, nil, nil)

	for _, action := range []string{"start", "stop", "restart", "recreate"} {
		req := httptest.NewRequest(http.MethodPost, "/apps/42/"+action, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", action, rr.Code)
		}
	}
	if len(got) != 4 {
		t.Fatalf("expected four actions, got %v", got)
	}
}

func TestAppRecreateStackRejected(t *testing.T) {
	runtimeSvc := &runtimeStub{
		actionFn: func(string, int64) error {
			return runtime.ErrStackLifecycle
		},
	}
	router := newTestRouter(t, &deployStub{}, runtimeSvc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/apps/42/recreate", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	deploySvc := &deployStub{
		startFn: func(context.Context, int64) (int64, error) { return 1, nil },
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	var last *httptest.ResponseRecorder
	for i := 0; i < rateLimitDeploy+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/deployments", strings.NewReader(`{"appId":42}`))
		req.RemoteAddr = "10.0.0.9:1234"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting the window, got %d", last.Code)
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", last.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestHealthzDegraded(t *testing.T) {
	router := newTestRouter(t, &deployStub{}, nil, nil, nil)
	router.dbHealth = func(context.Context) error { return context.DeadlineExceeded }
	router.engineHealth = func(context.Context) error { return nil }

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", body.Status)
	}
	if body.Components["docker"]["status"] != "up" {
		t.Fatalf("expected docker up, got %v", body.Components["docker"])
	}
}

func TestDeploymentStreamReplaysAndCloses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	streams := stream.NewRegistry(16, time.Minute, logger)
	deploySvc := &deployStub{
		getFn: func(_ context.Context, deploymentID int64) (*domain.Deployment, error) {
			return &domain.Deployment{ID: deploymentID, AppID: 42, Status: domain.StatusBuilding}, nil
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, streams)

	streams.Open(7)
	streams.Publish(7, stream.NewLogEvent(domain.LogEntry{Line: "Cloning repo", Stream: domain.StreamStdout}))

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments?id=7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	streams.Publish(7, stream.NewStatusEvent(domain.Deployment{ID: 7, AppID: 42, Status: domain.StatusSuccess, Progress: 100}))

	var types []string
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("invalid event payload: %v", err)
		}
		types = append(types, ev.Type)
	}

	if len(types) != 2 || types[0] != "log" || types[1] != "status" {
		t.Fatalf("expected backlog log then terminal status, got %v", types)
	}
}

func TestDeploymentStreamGoneSendsSnapshot(t *testing.T) {
	deploySvc := &deployStub{
		getFn: func(_ context.Context, deploymentID int64) (*domain.Deployment, error) {
			return &domain.Deployment{ID: deploymentID, AppID: 42, Status: domain.StatusSuccess, Progress: 100}, nil
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments?id=7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a snapshot event, got error: %v", err)
	}
	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("invalid event payload: %v", err)
	}
	if ev.Type != "status" {
		t.Fatalf("expected status snapshot, got %s", ev.Type)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the session to close after the snapshot")
	}
}

func TestUnknownDeploymentStreamRejected(t *testing.T) {
	deploySvc := &deployStub{
		getFn: func(context.Context, int64) (*domain.Deployment, error) {
			return nil, repository.ErrNotFound
		},
	}
	router := newTestRouter(t, deploySvc, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/deployments?id=404", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
