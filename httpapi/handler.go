// Package httpapi exposes the metering engine over HTTP: the billing
// webhook endpoint, the quota consume endpoint, and read-only
// entitlement and usage views.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	metering "github.com/resumly/metering"
	"github.com/resumly/metering/billing"
	"github.com/resumly/metering/usage"
)

// maxWebhookBody caps inbound webhook payloads at 64KB.
const maxWebhookBody = int64(64 << 10)

// Handler serves the metering HTTP surface.
type Handler struct {
	engine *metering.Engine
	logger *slog.Logger
	reg    *prometheus.Registry
	now    func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithRegistry sets the prometheus registry backing /metrics and the
// request metrics middleware.
func WithRegistry(reg *prometheus.Registry) HandlerOption {
	return func(h *Handler) { h.reg = reg }
}

// WithClock overrides the handler's clock.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler around an engine.
func New(engine *metering.Engine, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine: engine,
		logger: slog.Default(),
		reg:    prometheus.NewRegistry(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(requestMetrics(h.reg))

	r.Post("/webhooks/billing", h.handleBillingWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/quota/consume", h.handleConsume)
		r.Get("/entitlements/{userID}", h.handleGetEntitlement)
		r.Get("/usage/{userID}", h.handleListUsage)
	})

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))

	return r
}

// handleBillingWebhook ingests one provider webhook delivery. Any
// response other than 2xx makes the provider retry, so only a failure
// to durably record the event returns an error status. Duplicates,
// unknown types and gated no-ops all acknowledge with 200.
func (h *Handler) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	ev, err := billing.DecodeStripeEvent(payload, h.now())
	if err != nil {
		h.logger.Warn("rejected webhook payload", "error", err)
		h.respondError(w, http.StatusBadRequest, "malformed event")
		return
	}

	if err := h.engine.ProcessEvent(r.Context(), ev); err != nil {
		h.logger.Error("webhook processing failed", "event_id", ev.ID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "event not recorded")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type consumeRequest struct {
	UserID string `json:"user_id"`
	Route  string `json:"route"`
}

// handleConsume decides one metered call. A denied decision is a valid
// outcome, not an error: it returns 200 with allowed=false so callers
// branch on the body rather than the status.
func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		h.respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	decision, err := h.engine.Consume(r.Context(), req.UserID, req.Route)
	if err != nil {
		h.logger.Error("consume failed", "user_id", req.UserID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "quota check failed")
		return
	}

	h.respondJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	ent, err := h.engine.Entitlement(r.Context(), userID)
	if err != nil {
		if metering.IsNotFound(err) {
			h.respondError(w, http.StatusNotFound, "no entitlement for user")
			return
		}
		h.logger.Error("entitlement lookup failed", "user_id", userID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	h.respondJSON(w, http.StatusOK, ent)
}

func (h *Handler) handleListUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	opts := usage.QueryOpts{
		Route:  r.URL.Query().Get("route"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "start must be RFC 3339")
			return
		}
		opts.Start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "end must be RFC 3339")
			return
		}
		opts.End = t
	}

	records, err := h.engine.Usage(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("usage query failed", "user_id", userID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	if records == nil {
		records = []*usage.Record{}
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"records": records,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("response marshal failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
