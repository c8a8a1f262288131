// Package api exposes the CollectPipe HTTP surface: the Twilio inbound
// webhook, campaign throws, task and history lookups, and a health check.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultOwnerID is used for webhooks that do not name an owner.
	DefaultOwnerID = "default"
	// DefaultAckText is returned to the sender on every webhook call.
	DefaultAckText = "Gracias, procesaremos tu mensaje."
)

// Enqueuer accepts inbound messages for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.InboundTask) (string, error)
}

// Thrower starts a campaign.
type Thrower interface {
	Throw(ctx context.Context, campaignID string) (*models.DispatchReport, error)
}

// ReadStore is the read side used by lookup endpoints.
type ReadStore interface {
	GetJob(id string) (*store.Job, error)
	GetDebtorByID(ctx context.Context, id string) (*models.Debtor, error)
	ReadHistory(ctx context.Context, debtorID string) ([]models.Message, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	DefaultOwner string
	AckText      *string
	ThrowTimeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDefaultOwner sets the owner of messages posted to /webhook/twilio.
func WithDefaultOwner(owner string) Option {
	return func(o *Opts) { o.DefaultOwner = owner }
}

// WithAckText sets the webhook acknowledgment. An empty text disables it.
func WithAckText(text string) Option {
	return func(o *Opts) { o.AckText = &text }
}

// WithThrowTimeout bounds a campaign throw triggered over HTTP.
func WithThrowTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ThrowTimeout = d }
}

// Server is the CollectPipe HTTP server.
type Server struct {
	queue        Enqueuer
	dispatcher   Thrower
	store        ReadStore
	defaultOwner string
	ack          string
	throwTimeout time.Duration
	router       chi.Router
	httpServer   *http.Server
}

// NewServer builds the router. dispatcher may be nil when campaigns are
// thrown from the CLI only.
func NewServer(queue Enqueuer, dispatcher Thrower, st ReadStore, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, DefaultOwner: DefaultOwnerID, ThrowTimeout: 10 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	ack := DefaultAckText
	if cfg.AckText != nil {
		ack = *cfg.AckText
	}
	if cfg.DefaultOwner == "" {
		cfg.DefaultOwner = DefaultOwnerID
	}

	s := &Server{
		queue:        queue,
		dispatcher:   dispatcher,
		store:        st,
		defaultOwner: cfg.DefaultOwner,
		ack:          ack,
		throwTimeout: cfg.ThrowTimeout,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.healthHandler)
	r.Post("/webhook/twilio", s.twilioWebhookHandler)
	r.Post("/webhook/twilio/{ownerID}", s.twilioWebhookHandler)
	r.Post("/campaigns/{campaignID}/throw", s.throwCampaignHandler)
	r.Get("/tasks/{taskID}", s.taskHandler)
	r.Get("/debtors/{debtorID}/history", s.historyHandler)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server.Start: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
