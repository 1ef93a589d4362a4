package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tokal-27/DropMe/internal/deploy"
	"github.com/Tokal-27/DropMe/internal/domain"
	"github.com/Tokal-27/DropMe/internal/monitor"
	"github.com/Tokal-27/DropMe/internal/repository"
	"github.com/Tokal-27/DropMe/internal/ws"
)

// Router wires HTTP endpoints to the drift monitor and the deployment
// orchestrator.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	monitor     *monitor.Monitor
	orch        *deploy.Orchestrator
	drifts      repository.DriftRepository
	predictions repository.PredictionRepository
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	ingestToken string
	dbHealth    func(context.Context) error
	registry    *prometheus.Registry

	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	metricsInitialized bool
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitTelemetry  = 600
	rateLimitRead       = 120
	rateLimitWrite      = 60
	rateLimitWebsocket  = 30
	rateLimitCallback   = 60
	healthCheckTimeout  = 2 * time.Second
	defaultHistoryLimit = 100
	sseHeartbeat        = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	mon *monitor.Monitor,
	orch *deploy.Orchestrator,
	drifts repository.DriftRepository,
	predictions repository.PredictionRepository,
	hub *ws.Hub,
	limiter RateLimiter,
	ingestToken string,
	dbHealth func(context.Context) error,
	registry *prometheus.Registry,
) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		monitor:     mon,
		orch:        orch,
		drifts:      drifts,
		predictions: predictions,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		ingestToken: strings.TrimSpace(ingestToken),
		dbHealth:    dbHealth,
		registry:    registry,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics(registry)
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
	r.mux.Handle("/metrics", r.metricsHandler())
	r.mux.HandleFunc("/telemetry/predictions", r.audit("/telemetry/predictions",
		r.withRateLimit("/telemetry/predictions", rateLimitTelemetry, rateWindowDefault, rateLimitKeyDevice, r.handleTelemetry)))
	r.mux.HandleFunc("/drift", r.audit("/drift",
		r.withRateLimit("/drift", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDrift)))
	r.mux.HandleFunc("/drift/history", r.audit("/drift/history",
		r.withRateLimit("/drift/history", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDriftHistory)))
	r.mux.HandleFunc("/reference", r.audit("/reference",
		r.withRateLimit("/reference", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleReference)))
	r.mux.HandleFunc("/reference/capture", r.audit("/reference/capture",
		r.withRateLimit("/reference/capture", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleReferenceCapture)))
	r.mux.HandleFunc("/versions", r.audit("/versions",
		r.withRateLimit("/versions", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleVersions)))
	r.mux.HandleFunc("/versions/current", r.audit("/versions/current",
		r.withRateLimit("/versions/current", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleVersionsCurrent)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments",
		r.withRateLimit("/deployments", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/current", r.audit("/deployments/current",
		r.withRateLimit("/deployments/current", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDeploymentsCurrent)))
	r.mux.HandleFunc("/deployments/cancel", r.audit("/deployments/cancel",
		r.withRateLimit("/deployments/cancel", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleDeploymentsCancel)))
	r.mux.HandleFunc("/rollbacks", r.audit("/rollbacks",
		r.withRateLimit("/rollbacks", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleRollbacks)))
	r.mux.HandleFunc("/deployer/callback", r.audit("/deployer/callback",
		r.withRateLimit("/deployer/callback", rateLimitCallback, rateWindowDefault, rateLimitKeyIP, r.handleDeployerCallback)))
	r.mux.HandleFunc("/ws/drift", r.audit("/ws/drift",
		r.withRateLimit("/ws/drift", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleDriftWS)))
	r.mux.HandleFunc("/events/drift", r.audit("/events/drift",
		r.withRateLimit("/events/drift", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleDriftSSE)))
}

func (r *Router) metricsHandler() http.Handler {
	if r.registry != nil {
		return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (r *Router) handleTelemetry(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodGet {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		if offset < 0 {
			offset = 0
		}
		records, err := r.predictions.ListPredictions(req.Context(), req.URL.Query().Get("device_id"), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyIngestToken(w, req) {
		return
	}
	var payload struct {
		DeviceID       string  `json:"device_id"`
		PredictedClass string  `json:"predicted_class"`
		Confidence     float64 `json:"confidence"`
		LatencyMS      int     `json:"latency_ms"`
		Timestamp      string  `json:"timestamp"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	payload.PredictedClass = strings.TrimSpace(payload.PredictedClass)
	if payload.PredictedClass == "" {
		writeError(w, http.StatusBadRequest, "predicted_class is required")
		return
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be between 0 and 1")
		return
	}
	record := domain.PredictionRecord{
		DeviceID:       strings.TrimSpace(payload.DeviceID),
		PredictedClass: payload.PredictedClass,
		Confidence:     payload.Confidence,
		LatencyMS:      payload.LatencyMS,
	}
	if payload.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp format")
			return
		}
		record.Timestamp = parsed.UTC()
	}
	stored := r.monitor.Ingest(req.Context(), record)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"id":     stored.ID,
	})
}

func (r *Router) handleDrift(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	payload := map[string]any{
		"alert_state":    r.monitor.State(),
		"window_records": r.monitor.WindowLen(),
	}
	if score := r.monitor.CurrentScore(); score != nil {
		payload["score"] = score
	}
	if ref := r.monitor.Reference(); ref != nil {
		payload["reference"] = map[string]any{
			"source":      ref.Source,
			"captured_at": ref.CapturedAt,
			"samples":     ref.Total(),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDriftHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	scores, err := r.drifts.ListDriftScores(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

func (r *Router) handleReference(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		ref := r.monitor.Reference()
		if ref == nil {
			writeError(w, http.StatusNotFound, "no reference distribution configured")
			return
		}
		writeJSON(w, http.StatusOK, ref)
	case http.MethodPut:
		var payload struct {
			ClassFrequencies map[string]int64 `json:"class_frequencies"`
			MeanConfidence   float64          `json:"mean_confidence"`
			Source           string           `json:"source"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		ref, err := r.monitor.SetReference(req.Context(), domain.ReferenceDistribution{
			ClassFrequencies: payload.ClassFrequencies,
			MeanConfidence:   payload.MeanConfidence,
			Source:           strings.TrimSpace(payload.Source),
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, monitor.ErrInvalidReference) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, ref)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleReferenceCapture(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	ref, err := r.monitor.CaptureReference(req.Context(), "manual")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrInsufficientSamples) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (r *Router) handleVersions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			VersionID   string `json:"version_id"`
			ArtifactRef string `json:"artifact_ref"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		snapshot, err := r.orch.Register(req.Context(), payload.VersionID, payload.ArtifactRef)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, repository.ErrAlreadyExists) {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, snapshot)
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		versions, err := r.orch.Versions(req.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, versions)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleVersionsCurrent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snapshot, err := r.orch.Current(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snapshot == nil {
		writeError(w, http.StatusNotFound, "no promoted version")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		VersionID string `json:"version_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	attempt, err := r.orch.Deploy(req.Context(), payload.VersionID)
	if err != nil {
		writeError(w, deployErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, attempt)
}

func (r *Router) handleDeploymentsCurrent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	attempt := r.orch.Status()
	if attempt == nil {
		writeError(w, http.StatusNotFound, "no deployment attempt recorded")
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (r *Router) handleDeploymentsCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.orch.Cancel(); err != nil {
		writeError(w, deployErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (r *Router) handleRollbacks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		TargetVersionID string `json:"target_version_id"`
	}
	// The body is optional; absent or empty means last known good.
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	attempt, err := r.orch.Rollback(req.Context(), payload.TargetVersionID)
	if err != nil {
		writeError(w, deployErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, attempt)
}

func (r *Router) handleDeployerCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyIngestToken(w, req) {
		return
	}
	var payload struct {
		VersionID string `json:"version_id"`
		BaseURL   string `json:"base_url"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.VersionID == "" {
		writeError(w, http.StatusBadRequest, "version_id is required")
		return
	}
	var deployErr error
	if payload.Error != "" {
		deployErr = errors.New(payload.Error)
	}
	r.orch.NotifyDeployed(payload.VersionID, deploy.ProbeTarget{
		VersionID: payload.VersionID,
		BaseURL:   payload.BaseURL,
	}, deployErr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (r *Router) handleDriftWS(w http.ResponseWriter, req *http.Request) {
	stream, ok := streamName(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown stream")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(stream, client)
	go func() {
		defer func() {
			r.hub.Unregister(stream, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDriftSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stream, ok := streamName(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(stream, client)
	defer func() {
		r.hub.Unregister(stream, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	components["drift_monitor"] = map[string]any{
		"alert_state":    r.monitor.State(),
		"window_records": r.monitor.WindowLen(),
	}
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

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
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
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if device := strings.TrimSpace(req.Header.Get("X-Device-ID")); device != "" {
			fields = append(fields, "device_id", device)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
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

// Hijack is required by the websocket upgrader.
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

// verifyIngestToken gates machine endpoints (telemetry, deployer callback)
// on the shared service token.
func (r *Router) verifyIngestToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.ingestToken
	if expected == "" {
		r.logger.Error("ingest token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ingest authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("ingest_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid ingest token")
		return false
	}
	return true
}

func streamName(req *http.Request) (string, bool) {
	stream := req.URL.Query().Get("stream")
	if stream == "" {
		stream = "drift"
	}
	switch stream {
	case "drift", "alerts", "deployments":
		return stream, true
	default:
		return "", false
	}
}

func deployErrorStatus(err error) int {
	switch {
	case errors.Is(err, deploy.ErrDeploymentInProgress):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrNoPreviousVersion):
		return http.StatusPreconditionFailed
	case errors.Is(err, deploy.ErrVersionNotDeployable):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrNoActiveAttempt):
		return http.StatusConflict
	case errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
