// Package api provides the HTTP server of RoutinePipe.
//
// It exposes conversations over JSON (open, post a message, read the log and state,
// abandon), read-only task and hobby listings, the Twilio inbound webhook and a
// health check. Every JSON response uses the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/messaging"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
	"golang.org/x/sync/errgroup"
)

// Constants for server configuration
const (
	// DefaultAddr is the default listen address
	DefaultAddr = ":8080"
	// DefaultRatePerMinute is the default per-conversation message rate
	DefaultRatePerMinute = 30
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMessageTimeout bounds the processing of one posted message
	DefaultMessageTimeout = 60 * time.Second

	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 64 << 10
)

// Conversations is the dialogue entry point the server drives. *flow.Dispatcher implements it.
type Conversations interface {
	Open(ctx context.Context, conversationID, userID string) error
	Process(ctx context.Context, conversationID, text string) (string, error)
	Abandon(ctx context.Context, conversationID string) error
}

// Records is the read side of the store the server needs. store.Store implements it.
type Records interface {
	GetDialogueState(conversationID string) (*models.DialogueRecord, error)
	GetMessages(conversationID string, limit int) ([]models.Message, error)
	ListTasks(userID string) ([]models.Task, error)
	ListHobbies(userID string) ([]models.Hobby, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	RatePerMinute    int
	MessageTimeout   time.Duration
	Twilio           *messaging.TwilioService
	TwilioAuthToken  string
	TwilioWebhookURL string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRatePerMinute sets the per-conversation limit on posted messages.
func WithRatePerMinute(n int) Option {
	return func(o *Opts) { o.RatePerMinute = n }
}

// WithMessageTimeout bounds the processing of one posted message.
func WithMessageTimeout(d time.Duration) Option {
	return func(o *Opts) { o.MessageTimeout = d }
}

// WithTwilioWebhook mounts POST /twilio/webhook for svc. When authToken is set, requests
// must carry a valid X-Twilio-Signature computed over publicURL.
func WithTwilioWebhook(svc *messaging.TwilioService, authToken, publicURL string) Option {
	return func(o *Opts) {
		o.Twilio = svc
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = publicURL
	}
}

// Server is the RoutinePipe HTTP API.
type Server struct {
	conversations  Conversations
	records        Records
	limiter        *rateLimiter
	messageTimeout time.Duration
	twilio         *messaging.TwilioService
	validator      *twiliowhatsapp.SignatureValidator
	webhookURL     string
	httpServer     *http.Server
}

// NewServer creates a server; call Run to serve or Handler to embed it.
func NewServer(conversations Conversations, records Records, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RatePerMinute: DefaultRatePerMinute, MessageTimeout: DefaultMessageTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRatePerMinute
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}

	s := &Server{
		conversations:  conversations,
		records:        records,
		limiter:        newRateLimiter(cfg.RatePerMinute),
		messageTimeout: cfg.MessageTimeout,
		twilio:         cfg.Twilio,
		webhookURL:     cfg.TwilioWebhookURL,
	}
	if cfg.Twilio != nil && cfg.TwilioAuthToken != "" {
		s.validator = twiliowhatsapp.NewSignatureValidator(cfg.TwilioAuthToken)
	} else if cfg.Twilio != nil {
		slog.Warn("Server Twilio webhook mounted without signature validation")
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /conversations", s.createConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/messages", s.postMessageHandler)
	mux.HandleFunc("GET /conversations/{id}/messages", s.listMessagesHandler)
	mux.HandleFunc("GET /conversations/{id}/state", s.getStateHandler)
	mux.HandleFunc("DELETE /conversations/{id}/state", s.abandonHandler)
	mux.HandleFunc("GET /users/{id}/tasks", s.listTasksHandler)
	mux.HandleFunc("GET /users/{id}/hobbies", s.listHobbiesHandler)
	if s.twilio != nil {
		mux.HandleFunc("POST /twilio/webhook", s.twilioWebhookHandler)
	}
	return mux
}

// Run serves HTTP and runs each background worker until ctx is done or any of them fails,
// then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, workers ...func(context.Context) error) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln, workers...)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, workers ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("RoutinePipe API listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("RoutinePipe API shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	})
	for _, worker := range workers {
		g.Go(func() error { return worker(gctx) })
	}
	return g.Wait()
}
