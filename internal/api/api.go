// Package api provides the operator HTTP surface of RelayPipe.
//
// It exposes health and Prometheus endpoints, the Twilio inbound webhook, and
// administration endpoints for communities, scripts and permissions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// ScriptCache is told when a stored script changes. conversation.Dispatcher implements it.
type ScriptCache interface {
	InvalidateScript(id string)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	Gatherer      prometheus.Gatherer
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithTwilioWebhook mounts the Twilio inbound webhook on /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server is the API server.
type Server struct {
	st      store.Store
	scripts ScriptCache
	router  chi.Router
	httpSrv *http.Server
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(st store.Store, scripts ScriptCache, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{st: st, scripts: scripts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	if cfg.TwilioWebhook != nil {
		r.Post("/twilio/webhook", cfg.TwilioWebhook)
	}
	r.Post("/communities", s.createCommunityHandler)
	r.Get("/communities/{botPhone}", s.getCommunityHandler)
	r.Put("/communities/{botPhone}/participants/{phone}/permissions", s.participantPermissionsHandler)
	r.Put("/communities/{botPhone}/groups/{groupID}/members/{phone}/permissions", s.memberPermissionsHandler)
	r.Post("/scripts", s.saveScriptHandler)
	r.Get("/scripts/{id}", s.getScriptHandler)
	s.router = r

	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background. Listen errors other than shutdown are logged.
func (s *Server) Start() {
	go func() {
		slog.Info("RelayPipe API listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success("healthy"))
}
