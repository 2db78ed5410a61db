package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/davidahmann/ssi-gateway/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

type RouterConfig struct {
	Resolver     *auth.Resolver
	Guard        *auth.Guard
	ServiceName  string
	MaxBodyBytes int64
}

// NewRouter wires the public routes. Everything under /v1 and /metrics
// passes through credential resolution and the guard; /health does not.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	guard := cfg.Guard
	if guard == nil {
		guard = &auth.Guard{Logger: h.Logger}
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &auth.Resolver{Logger: h.Logger}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(telemetry.Middleware(cfg.ServiceName))
	r.Use(h.observe)
	r.Use(limitBody(maxBody))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(resolver.Middleware)
		r.Use(guard.RequireAuth)

		r.With(guard.RequireRole(auth.RoleAdmin)).Post("/v1/decisions", h.Decide)
		r.With(guard.RequireRole(auth.RoleViewer, auth.RoleAuditor, auth.RoleAdmin)).Get("/v1/audit/verify/{record_id}", h.VerifyRecord)
		r.With(guard.RequireRole(auth.RoleAuditor, auth.RoleAdmin)).Get("/v1/audit/verify-chain/{record_id}", h.VerifyChain)
		r.With(guard.RequireRole(auth.RoleViewer, auth.RoleAuditor, auth.RoleAdmin)).Get("/v1/envelopes", h.Envelopes)
		r.With(guard.RequireRole(auth.RoleAdmin)).Post("/v1/admin/reload", h.Reload)
		if h.Metrics != nil {
			r.With(guard.RequireRole(auth.RoleAuditor, auth.RoleAdmin)).Get("/metrics", h.Metrics.Handler())
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

type requestIDKey struct{}

// requestID echoes x-request-id, generating one when the caller did not.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("x-request-id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// observe logs one line per request and feeds the endpoint metrics, keyed
// by route pattern so ids in the path do not explode the label set.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		if h.Metrics != nil {
			h.Metrics.Observe(r.Method+" "+route, status, elapsed)
		}
		h.logger().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

func limitBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
