// Package httpapi exposes the auction commands over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"

	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/gateway"
)

// Health serves the liveness and readiness probes.
type Health interface {
	LivenessHandler() http.HandlerFunc
	ReadinessHandler() http.HandlerFunc
}

// Deps are the collaborators of the router.
type Deps struct {
	Gateway  *gateway.Gateway
	Verifier *auth.Verifier
	Socket   http.Handler // serves GET /ws when set
	Health   Health
	Logger   *slog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) *chi.Mux {
	h := &handlers{gw: d.Gateway, logger: d.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", d.Health.LivenessHandler())
	r.Get("/readyz", d.Health.ReadinessHandler())

	if d.Socket != nil {
		r.With(requestLogger(d.Logger)).Get("/ws", d.Socket.ServeHTTP)
	}

	r.Route("/api/tournaments/{tid}", func(r chi.Router) {
		r.Use(requestLogger(d.Logger))
		r.Use(authenticate(d.Verifier))

		r.Get("/auction", h.snapshot)
		r.Post("/pools/{pid}/start", h.startPool)
		r.Post("/sell", h.sell)
		r.Post("/players/{playerId}/unsold", h.markUnsold)
		r.Post("/bid", h.bid)
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Level:              slog.LevelInfo,
		Schema:             httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
		LogRequestBody:     func(*http.Request) bool { return false },
		LogResponseBody:    func(*http.Request) bool { return false },
		LogRequestHeaders:  []string{},
		LogResponseHeaders: []string{},
		LogExtraAttrs: func(req *http.Request, _ string, _ int) []slog.Attr {
			route := req.URL.Path
			if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			return []slog.Attr{
				slog.String("request_id", chimw.GetReqID(req.Context())),
				slog.String("route", route),
				slog.String("subject", auth.FromContext(req.Context()).Subject),
			}
		},
	})
}

// authenticate resolves the caller and stores it in the request context.
// Requests without a token continue as Anonymous.
func authenticate(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.FromRequest(r)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}
