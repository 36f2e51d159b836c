// Package api provides the HTTP server for DeviceIntake.
//
// It exposes the chat webhook, health and request listing endpoints, the
// Twilio inbound webhook and, in dev mode, debugging views of the field
// registry, inventory and sessions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/flow"
	"github.com/BTreeMap/DeviceIntake/internal/inventory"
	"github.com/BTreeMap/DeviceIntake/internal/messaging"
	"github.com/BTreeMap/DeviceIntake/internal/models"
)

// Default server configuration
const (
	DefaultAddr            = ":8080"
	DefaultMaxBodyBytes    = 256 * 1024
	DefaultRateLimitWindow = 60 * time.Second
	DefaultRateLimitMax    = 120
	DefaultShutdownTimeout = 10 * time.Second
)

// RequestLister lists confirmed intake requests.
type RequestLister interface {
	ListIntakeRequests() ([]models.IntakeRequest, error)
	GetIntakeRequest(id string) (*models.IntakeRequest, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	Dev             bool
	StaticDir       string
	MaxBodyBytes    int64
	RateLimitWindow time.Duration
	RateLimitMax    int

	Requests    RequestLister
	Inventory   *inventory.Client
	Recommender *inventory.Recommender
	Twilio      *messaging.TwilioService
	DebugConfig map[string]any
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDevMode enables debug routes, wide-open CORS and soft error replies.
func WithDevMode(dev bool) Option {
	return func(o *Opts) { o.Dev = dev }
}

// WithStaticDir serves the chat UI from dir under /static/.
func WithStaticDir(dir string) Option {
	return func(o *Opts) { o.StaticDir = dir }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) { o.MaxBodyBytes = n }
}

// WithRateLimit allows max requests per client IP in each window. A zero max disables limiting.
func WithRateLimit(window time.Duration, max int) Option {
	return func(o *Opts) {
		o.RateLimitWindow = window
		o.RateLimitMax = max
	}
}

// WithRequests exposes confirmed requests at /requests.
func WithRequests(r RequestLister) Option {
	return func(o *Opts) { o.Requests = r }
}

// WithInventory wires the inventory client and recommender into the debug routes.
func WithInventory(c *inventory.Client, r *inventory.Recommender) Option {
	return func(o *Opts) {
		o.Inventory = c
		o.Recommender = r
	}
}

// WithTwilio mounts the Twilio inbound webhook.
func WithTwilio(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// WithDebugConfig sets the effective configuration shown at /debug/config.
func WithDebugConfig(cfg map[string]any) Option {
	return func(o *Opts) { o.DebugConfig = cfg }
}

// Server serves the DeviceIntake HTTP API.
type Server struct {
	engine  *flow.Engine
	opts    Opts
	limiter *ipLimiter
	handler http.Handler
}

// NewServer builds a server around engine.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		RateLimitWindow: DefaultRateLimitWindow,
		RateLimitMax:    DefaultRateLimitMax,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StaticDir != "" {
		if info, err := os.Stat(cfg.StaticDir); err != nil || !info.IsDir() {
			slog.Debug("Server static dir not found, UI disabled", "static_dir", cfg.StaticDir)
			cfg.StaticDir = ""
		}
	}

	s := &Server{engine: engine, opts: cfg}
	if cfg.RateLimitMax > 0 && cfg.RateLimitWindow > 0 {
		s.limiter = newIPLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/tawk", s.tawkWebhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("GET /requests", s.listRequestsHandler)
	mux.HandleFunc("GET /requests/{id}", s.getRequestHandler)
	mux.HandleFunc("GET /{$}", s.rootHandler)

	if s.opts.Twilio != nil {
		mux.HandleFunc("/webhook/twilio", s.opts.Twilio.TwilioWebhookHandler)
	}
	if s.opts.StaticDir != "" {
		mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.opts.StaticDir))))
	}
	if s.opts.Dev {
		mux.HandleFunc("GET /debug/slots", s.debugSlotsHandler)
		mux.HandleFunc("GET /debug/config", s.debugConfigHandler)
		mux.HandleFunc("GET /debug/raw", s.debugRawHandler)
		mux.HandleFunc("GET /debug/clean", s.debugCleanHandler)
		mux.HandleFunc("GET /debug/fetch-log", s.debugFetchLogHandler)
		mux.HandleFunc("GET /debug/sessions/{id}", s.debugSessionHandler)
	}

	var h http.Handler = mux
	h = s.sizeLimit(h)
	h = s.rateLimit(h)
	if s.opts.Dev {
		h = cors(h)
	}
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("DeviceIntake API listening", "addr", s.opts.Addr, "dev", s.opts.Dev)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: listener failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if s.limiter != nil {
		s.limiter.stop()
	}
	return srv.Shutdown(shutdownCtx)
}
