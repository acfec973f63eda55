// Package httpapi serves the operator HTTP surface: health, Prometheus
// metrics, optional profiling, the WebSocket consumer endpoint and a REST
// mirror of the consumer commands.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notibridge/internal/bridge"
	"notibridge/internal/consumer"
	"notibridge/internal/consumer/ws"
	"notibridge/internal/metrics"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

const (
	transportName = "http"
	maxBodyBytes  = 1 << 20

	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// State is the bridge surface the read-only endpoints need.
type State interface {
	Attached() bool
	Policy() bridge.Policy
}

type Deps struct {
	Dispatcher *consumer.Dispatcher
	State      State
	// Store backs /api/v1/audit. Nil disables the endpoint.
	Store storage.Store

	// WS is mounted at WSPath when set.
	WS     http.Handler
	WSPath string

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Collector

	Pprof          bool
	JWTSecret      string
	AllowedOrigins []string

	Log logx.Logger
}

// NewRouter builds the handler tree.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(d.Log))
	r.Use(metricsMiddleware(d.Metrics))
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", healthz(d.State))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	if d.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(bearer(d.JWTSecret))
			r.Mount("/debug", middleware.Profiler())
		})
	}
	if d.WS != nil && d.WSPath != "" {
		r.Handle(d.WSPath, d.WS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bearer(d.JWTSecret))
		r.Post("/commands/{method}", commands(d.Dispatcher))
		r.Get("/policy", policy(d.State))
		r.Get("/audit", audit(d.Store))
	})
	return r
}

type actorKey struct{}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

// bearer enforces the JWT when secret is set and records the caller.
func bearer(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := ws.Authenticate(secret, r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, consumer.WireError{Code: "UNAUTHENTICATED", Message: err.Error()})
				return
			}
			if actor == "" {
				actor = r.RemoteAddr
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
		})
	}
}

func healthz(st State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := st.Policy()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"attached":         st.Attached(),
			"listening":        p.Listening,
			"retractOnForward": p.RetractOnForward,
		})
	}
}

func commands(disp *consumer.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := chi.URLParam(r, "method")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, consumer.InvalidFrame(err))
			return
		}
		caller := consumer.Caller{Transport: transportName, Actor: actorFrom(r.Context())}
		res, err := disp.Call(r.Context(), caller, method, body)
		if err != nil {
			writeJSON(w, statusFor(err), consumer.Response{Error: consumer.WireErrorOf(err)})
			return
		}
		writeJSON(w, http.StatusOK, consumer.Response{Result: res})
	}
}

func policy(st State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, st.Policy())
	}
}

func audit(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusNotFound, consumer.WireError{Code: "NOT_IMPLEMENTED", Message: "audit storage disabled"})
			return
		}
		limit := defaultAuditLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, consumer.WireError{Code: "INVALID_ARGUMENT", Message: "limit must be a positive integer"})
				return
			}
			limit = min(n, maxAuditLimit)
		}
		entries, err := store.RecentAudit(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, consumer.WireError{Code: "INTERNAL", Message: err.Error()})
			return
		}
		if entries == nil {
			entries = []storage.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// statusFor maps a command failure to an HTTP status.
func statusFor(err error) int {
	switch bridge.KindOf(err) {
	case bridge.KindInvalidArgument, bridge.KindInvalidKey:
		return http.StatusBadRequest
	case bridge.KindPermissionDenied:
		return http.StatusForbidden
	case bridge.KindSourceUnavailable:
		return http.StatusServiceUnavailable
	case bridge.KindNotification:
		return http.StatusBadGateway
	case bridge.KindNotImplemented:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// metricsMiddleware records request counts and latency by route pattern.
func metricsMiddleware(m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// Route pattern (e.g. /api/v1/commands/{method}) keeps labels bounded.
			path := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				path = rc.RoutePattern()
			}
			m.HTTPRequest(path, r.Method, strconv.Itoa(ww.Status()), time.Since(start))
		})
	}
}

// recoverer turns handler panics into 500s and logs them.
func recoverer(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if e, ok := p.(error); ok && errors.Is(e, http.ErrAbortHandler) {
						panic(p)
					}
					log.Error("http handler panicked",
						logx.String("path", r.URL.Path),
						logx.String("request_id", middleware.GetReqID(r.Context())),
						logx.Any("panic", p),
					)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
