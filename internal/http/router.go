// Package httpx exposes the orchestration services over HTTP and websockets.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/logstore"
	"github.com/trymist/Mist/internal/repository"
	"github.com/trymist/Mist/internal/service/deploy"
	"github.com/trymist/Mist/internal/service/logs"
	"github.com/trymist/Mist/internal/service/runtime"
	"github.com/trymist/Mist/internal/stream"
)

// deployService is the deployment pipeline surface the router needs.
type deployService interface {
	Start(ctx context.Context, appID int64) (int64, error)
	Stop(ctx context.Context, deploymentID int64) error
	Get(ctx context.Context, deploymentID int64) (*domain.Deployment, error)
	History(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error)
}

// runtimeService reconciles and manages app workloads.
type runtimeService interface {
	Status(ctx context.Context, appID int64) (*domain.StackStatus, error)
	Start(ctx context.Context, appID int64) error
	Stop(ctx context.Context, appID int64) error
	Restart(ctx context.Context, appID int64) error
	Recreate(ctx context.Context, appID int64) error
}

// logService reads finalized build logs.
type logService interface {
	Fetch(ctx context.Context, deploymentID int64) (*domain.Deployment, string, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	deploy       deployService
	runtime      runtimeService
	logs         logService
	streams      *stream.Registry
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	engineHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamSessions     *prometheus.GaugeVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitDeploy     = 30
	rateLimitLifecycle  = 60
	rateLimitRead       = 120
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	defaultHistoryLimit = 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc *deploy.Service, runtimeSvc *runtime.Service, logSvc *logs.Service, streams *stream.Registry, limiter RateLimiter, dbHealth, engineHealth func(context.Context) error) *Router {
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
		limiter:      limiter,
		dbHealth:     dbHealth,
		engineHealth: engineHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.withRateLimit("/deployments", rateLimitDeploy, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.withRateLimit("/deployments/{id}", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/apps/", r.audit("/apps/{id}", r.withRateLimit("/apps/{id}", rateLimitLifecycle, rateWindowDefault, r.handleAppSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.withRateLimit("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentWS)))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			AppID int64 `json:"appId"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.AppID <= 0 {
			writeError(w, http.StatusBadRequest, "appId is required")
			return
		}
		deploymentID, err := r.deploy.Start(req.Context(), payload.AppID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"deploymentId": deploymentID})
	case http.MethodGet:
		appID, err := strconv.ParseInt(req.URL.Query().Get("app_id"), 10, 64)
		if err != nil || appID <= 0 {
			writeError(w, http.StatusBadRequest, "app_id query parameter required")
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		deployments, err := r.deploy.History(req.Context(), appID, limit)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(trimmed, "/")
	deploymentID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || deploymentID <= 0 {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		dep, err := r.deploy.Get(req.Context(), deploymentID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dep)
	case len(parts) == 2 && parts[1] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.handleDeploymentLogs(w, req, deploymentID)
	case len(parts) == 2 && parts[1] == "stop":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.deploy.Stop(req.Context(), deploymentID); err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	default:
		r.notFound(w)
	}
}

// handleDeploymentLogs serves the persisted build log. A deployment that has
// not finished yet answers 200 with an in_progress marker; the caller should
// follow the live stream instead.
func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request, deploymentID int64) {
	dep, text, err := r.logs.Fetch(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, logs.ErrInProgress) {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":     "in_progress",
				"deployment": dep,
			})
			return
		}
		if errors.Is(err, logstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "build log not found")
			return
		}
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment": dep,
		"logs":       text,
	})
}

func (r *Router) handleAppSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/apps/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	appID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || appID <= 0 {
		r.notFound(w)
		return
	}

	switch parts[1] {
	case "status":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		status, err := r.runtime.Status(req.Context(), appID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "deployments":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		deployments, err := r.deploy.History(req.Context(), appID, limit)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	case "redeploy":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		deploymentID, err := r.deploy.Start(req.Context(), appID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"deploymentId": deploymentID})
	case "start", "stop", "restart", "recreate":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleAppLifecycle(w, req, appID, parts[1])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAppLifecycle(w http.ResponseWriter, req *http.Request, appID int64, action string) {
	var err error
	switch action {
	case "start":
		err = r.runtime.Start(req.Context(), appID)
	case "stop":
		err = r.runtime.Stop(req.Context(), appID)
	case "restart":
		err = r.runtime.Restart(req.Context(), appID)
	case "recreate":
		err = r.runtime.Recreate(req.Context(), appID)
	}
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": action})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	check := func(name string, probe func(context.Context) error) {
		if probe == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("docker", r.engineHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// serviceError maps service sentinels to HTTP statuses.
func (r *Router) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, deploy.ErrDeploymentInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deploy.ErrNotStoppable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runtime.ErrStackLifecycle):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		requestID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		recorder.Header().Set("X-Request-ID", requestID)
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", requestID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}

		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
