// Package server exposes the labeler over HTTP: the XRPC write, query and
// subscription endpoints, service discovery, health, metrics and queue admin.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/maxpert/labeler/admin"
	"github.com/maxpert/labeler/notify"
	"github.com/maxpert/labeler/query"
	"github.com/maxpert/labeler/signer"
	"github.com/maxpert/labeler/store"
	"github.com/rs/zerolog/log"
)

const (
	// Largest accepted write request body
	MaxBodyBytes = 1 << 20
	// Most labels or queue items accepted in one write request
	MaxBatch = 250
)

// Config wires the HTTP surface to the labeler components
type Config struct {
	Store         *store.Store
	Signer        *signer.Signer
	Hub           *notify.Hub
	Query         *query.Service
	Subscriptions http.Handler
	Metrics       http.Handler // nil when metrics are disabled
	Secret        admin.Secret

	BindAddress string
	Port        int
	Compress    bool          // gzip query responses
	ReadTimeout time.Duration // Request header read deadline; streams stay open
	Now         func() time.Time
}

// Server is the labeler HTTP server
type Server struct {
	config   Config
	router   chi.Router
	http     *http.Server
	listener net.Listener
}

// New builds the router
func New(config Config) (*Server, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.Query == nil {
		return nil, fmt.Errorf("query service is required")
	}
	if config.Subscriptions == nil {
		return nil, fmt.Errorf("subscription handler is required")
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Server{config: config}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/labeler", s.handleWellKnown)
	if s.config.Metrics != nil {
		r.Handle("/metrics", s.config.Metrics)
	}

	r.Route("/xrpc", func(r chi.Router) {
		queryHandler := http.Handler(http.HandlerFunc(s.handleQueryLabels))
		if s.config.Compress {
			queryHandler = gzhttp.GzipHandler(queryHandler)
		}
		r.Method(http.MethodGet, "/com.atproto.label.queryLabels", queryHandler)
		r.Handle("/com.atproto.label.subscribeLabels", s.config.Subscriptions)

		r.Group(func(r chi.Router) {
			r.Use(admin.AuthMiddleware(s.config.Secret))
			r.Use(middleware.RequestSize(MaxBodyBytes))
			r.Post("/tools.labeler.createLabels", s.handleCreateLabels)
			r.Post("/tools.labeler.enqueueLabels", s.handleEnqueueLabels)
		})
	})

	admin.RegisterRoutes(r, admin.NewAdminHandlers(s.config.Store), s.config.Secret)
	return r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	log.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
