package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	"github.com/robertof1lho/archestra-sub000/internal/otel"
)

const defaultTimeout = 60 * time.Second

// InteractionReader is the read side of the interaction log.
type InteractionReader interface {
	Get(ctx context.Context, id string) (*interaction.Interaction, error)
	List(ctx context.Context, f interaction.Filter) ([]interaction.Interaction, error)
	Verify(ctx context.Context, id string) (bool, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies of the HTTP surface.
type Server struct {
	router       *chi.Mux
	proxy        http.Handler
	interactions InteractionReader
	store        Pinger
	gatherer     prometheus.Gatherer
	apiKeys      map[string]string
	corsOrigins  []string
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithInteractions mounts the interaction read API.
func WithInteractions(r InteractionReader) Option {
	return func(s *Server) { s.interactions = r }
}

// WithStore adds the store to the detailed health check.
func WithStore(p Pinger) Option {
	return func(s *Server) { s.store = p }
}

// WithMetrics exposes g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithAPIKeys enables API key auth. keys maps key -> caller name.
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithCORSOrigins sets allowed CORS origins (["*"] allows any).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server around the chat completions proxy handler.
func NewServer(proxy http.Handler, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		proxy:       proxy,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. Proxy routes get no request
// timeout; the gateway applies its own upstream and stream idle deadlines.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))

		r.Post("/v1/chat/completions", s.proxy.ServeHTTP)
		r.Post("/v1/agents/{agentID}/chat/completions", s.proxy.ServeHTTP)

		if s.interactions != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(defaultTimeout))
				r.Get("/v1/interactions", s.handleInteractionList)
				r.Get("/v1/interactions/{id}", s.handleInteractionGet)
				r.Get("/v1/interactions/{id}/verify", s.handleInteractionVerify)
			})
		}
	})
	return r
}
