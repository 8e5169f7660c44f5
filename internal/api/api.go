// Package api provides the HTTP server for SOSPipe.
//
// It exposes JSON endpoints to trigger and stand down an SOS episode, manage emergency
// contacts and settings, push location fixes and read history. The device link websocket
// and the Prometheus metrics endpoint are served from the same listener.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/contacts"
	"github.com/BTreeMap/SOSPipe/internal/devicelink"
	"github.com/BTreeMap/SOSPipe/internal/metrics"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/notice"
	"github.com/BTreeMap/SOSPipe/internal/settings"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/trigger"
	"github.com/benbjohnson/clock"
)

// Server defaults.
const (
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHistoryLimit caps list endpoints when no limit is given.
	DefaultHistoryLimit = 50
)

// Engine is the episode engine as used by the API.
type Engine interface {
	trigger.Engine
	StandDown(ctx context.Context) (bool, error)
	Status() models.Episode
	SetTracking(ctx context.Context, on bool) error
}

// FixSink accepts location fixes pushed over HTTP (location.Tracker).
type FixSink interface {
	Push(fix models.Fix)
}

// Deps holds the components the handlers operate on.
type Deps struct {
	Engine   Engine
	Contacts *contacts.Book
	Settings *settings.Manager
	Location FixSink
	Notices  *notice.Board
	Store    store.Store
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Metrics *metrics.Collector
	Hub     *devicelink.Hub
	Clock   clock.Clock
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMetrics serves /metrics and records request metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithDeviceLink serves the device link websocket at /ws/device.
func WithDeviceLink(h *devicelink.Hub) Option {
	return func(o *Opts) { o.Hub = h }
}

// WithClock sets the time source used for fix timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// Server is the SOSPipe HTTP server.
type Server struct {
	engine   Engine
	manual   *trigger.Manual
	book     *contacts.Book
	settings *settings.Manager
	location FixSink
	notices  *notice.Board
	st       store.Store

	addr    string
	metrics *metrics.Collector
	hub     *devicelink.Hub
	clock   clock.Clock
	handler http.Handler
}

// NewServer creates a Server. Deps must be fully populated.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Server{
		engine:   deps.Engine,
		manual:   trigger.NewManual(deps.Engine, cfg.Clock),
		book:     deps.Contacts,
		settings: deps.Settings,
		location: deps.Location,
		notices:  deps.Notices,
		st:       deps.Store,
		addr:     cfg.Addr,
		metrics:  cfg.Metrics,
		hub:      cfg.Hub,
		clock:    cfg.Clock,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sos/trigger", s.triggerHandler)
	mux.HandleFunc("/api/sos/standdown", s.standDownHandler)
	mux.HandleFunc("/api/sos/status", s.statusHandler)
	mux.HandleFunc("/api/sos/tracking", s.trackingHandler)
	mux.HandleFunc("/api/contacts", s.contactsHandler)
	mux.HandleFunc("/api/contacts/", s.contactHandler)
	mux.HandleFunc("/api/settings", s.settingsHandler)
	mux.HandleFunc("/api/location", s.locationHandler)
	mux.HandleFunc("/api/episodes", s.episodesHandler)
	mux.HandleFunc("/api/receipts", s.receiptsHandler)
	mux.HandleFunc("/api/notices", s.noticesHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.hub != nil {
		mux.Handle("/ws/device", s.hub)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return s.instrument(mux)
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: SOSPipe API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}
