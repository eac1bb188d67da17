package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/policy"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	manager             *governance.Manager
	ledger              *ledger.Ledger
	policy              *policy.Evaluator
	policyFile          string
	registry            *auth.Registry
	jwtMgr              *auth.JWTManager
	broker              *Broker
	idempotency         IdempotencyStore
	store               Pinger
	storeName           string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	trustProxy          bool
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Idempotency, Store, OpenAPISpec.
type HandlersDeps struct {
	Manager             *governance.Manager
	Ledger              *ledger.Ledger
	Policy              *policy.Evaluator
	PolicyFile          string
	Registry            *auth.Registry
	JWTMgr              *auth.JWTManager
	Broker              *Broker
	Idempotency         IdempotencyStore
	Store               Pinger
	StoreName           string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	TrustProxy          bool
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		manager:             d.Manager,
		ledger:              d.Ledger,
		policy:              d.Policy,
		policyFile:          d.PolicyFile,
		registry:            d.Registry,
		jwtMgr:              d.JWTMgr,
		broker:              d.Broker,
		idempotency:         d.Idempotency,
		store:               d.Store,
		storeName:           d.StoreName,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		trustProxy:          d.TrustProxy,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	p, err := h.registry.Authenticate(req.PrincipalID, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("auth: credential check failed", "principal_id", req.PrincipalID, "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(p)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "principal_id", p.ID, "role", p.Role,
		"request_id", RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /v1/subscribe (SSE). An optional window_id
// query parameter restricts the stream to one window.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not available")
		return
	}

	filter := uuid.Nil
	if v := r.URL.Query().Get("window_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid window_id: "+v)
			return
		}
		if _, err := h.manager.Status(r.Context(), id); err != nil {
			h.writeGovernanceError(w, r, err)
			return
		}
		filter = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	ch := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.store.Ping(ctx)
		cancel()
		if err != nil {
			storeStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	ledgerStatus := "healthy"
	if !h.ledger.Healthy() {
		ledgerStatus = "failing"
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := h.ledger.Len()
	bufStatus := "ok"
	if c := h.ledger.Capacity(); bufDepth > c*3/4 {
		bufStatus = "critical"
		if status == "healthy" {
			status = "degraded"
		}
	} else if bufDepth > c/2 {
		bufStatus = "high"
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Store:        h.storeName + ":" + storeStatus,
		Ledger:       ledgerStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		OpenWindows:  h.manager.OpenWindows(),
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if snap := h.policy.Snapshot(); snap != nil {
		resp.PolicyVer = snap.Version()
	}

	writeJSON(w, r, httpStatus, resp)
}

// --- Shared helpers ---

func parseWindowID(r *http.Request) (uuid.UUID, error) {
	v := r.PathValue("window_id")
	if v == "" {
		return uuid.Nil, fmt.Errorf("window_id is required")
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid window_id: %s", v)
	}
	return id, nil
}

// writeInternalError logs err and answers 500 without leaking details.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeGovernanceError maps the governance error taxonomy to HTTP.
func (h *Handlers) writeGovernanceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
	case errors.Is(err, model.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "window not found")
	case errors.Is(err, model.ErrAlreadyResolved):
		writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyResolved, "window already resolved")
	case errors.Is(err, governance.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "shutting down")
	case ledger.IsUnavailable(err):
		h.logger.Warn("dependency unavailable", "error", err, "request_id", RequestIDFromContext(r.Context()))
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "audit store unavailable, retry")
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}
