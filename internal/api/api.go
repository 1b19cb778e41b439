// Package api provides the HTTP server for QuestionPipe: provider webhooks,
// questionnaire initiation, record management and inspection endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/QuestionPipe/internal/messaging"
	"github.com/BTreeMap/QuestionPipe/internal/metrics"
	"github.com/BTreeMap/QuestionPipe/internal/questionnaire"
	"github.com/BTreeMap/QuestionPipe/internal/scheduler"
	"github.com/BTreeMap/QuestionPipe/internal/store"
	"github.com/BTreeMap/QuestionPipe/internal/twiliowhatsapp"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultInboundTimeout  = 2 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
	// MaxWebhookBodyBytes bounds webhook request bodies.
	MaxWebhookBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr             string
	VerifyToken      string
	TwilioAuthToken  string
	TwilioWebhookURL string
	DedupRetention   time.Duration
	PurgeSchedule    string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the token expected by the Cloud API webhook handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithTwilioSignature enables X-Twilio-Signature checks. webhookURL is the
// public URL Twilio posts to.
func WithTwilioSignature(authToken, webhookURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioWebhookURL = webhookURL
	}
}

// WithDedupRetention sets how long inbound message ids are remembered.
func WithDedupRetention(d time.Duration) Option {
	return func(o *Opts) { o.DedupRetention = d }
}

// WithPurgeSchedule sets the cron expression of the dedup purge.
func WithPurgeSchedule(expr string) Option {
	return func(o *Opts) { o.PurgeSchedule = expr }
}

// Modules are the collaborators the server is built from.
type Modules struct {
	Store   store.Store
	Machine *questionnaire.Machine
	// Inbound receives every parsed webhook message, normally Router.Handle.
	Inbound messaging.InboundHandler
	Phones  *messaging.PhoneCanonicalizer
	Metrics *metrics.Metrics
	// CloudWebhook and TwilioWebhook enable the provider webhook routes.
	CloudWebhook  bool
	TwilioWebhook bool
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	st          store.Store
	machine     *questionnaire.Machine
	inbound     messaging.InboundHandler
	phones      *messaging.PhoneCanonicalizer
	metrics     *metrics.Metrics
	verifyToken string
	twilioSig   *twiliowhatsapp.SignatureValidator
	twilioURL   string
	cloud       bool
	twilio      bool
}

// NewServer creates a Server from its modules.
func NewServer(mods Modules, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	phones := mods.Phones
	if phones == nil {
		phones = messaging.NewPhoneCanonicalizer("")
	}
	s := &Server{
		st:          mods.Store,
		machine:     mods.Machine,
		inbound:     mods.Inbound,
		phones:      phones,
		metrics:     mods.Metrics,
		verifyToken: cfg.VerifyToken,
		twilioURL:   cfg.TwilioWebhookURL,
		cloud:       mods.CloudWebhook,
		twilio:      mods.TwilioWebhook,
	}
	if cfg.TwilioAuthToken != "" {
		s.twilioSig = twiliowhatsapp.NewSignatureValidator(cfg.TwilioAuthToken)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cloud {
		mux.HandleFunc("GET /whatsapp/webhook", s.verifyWebhookHandler)
		mux.HandleFunc("POST /whatsapp/webhook", s.cloudWebhookHandler)
	}
	if s.twilio {
		mux.HandleFunc("POST /twilio/webhook", s.twilioWebhookHandler)
	}
	mux.HandleFunc("POST /init_questionnaire", s.initQuestionnaireHandler)
	mux.HandleFunc("POST /db/new_team", s.newTeamHandler)
	mux.HandleFunc("POST /db/new_user", s.newUserHandler)
	mux.HandleFunc("POST /db/new_patient", s.newPatientHandler)
	mux.HandleFunc("POST /db/new_template", s.newTemplateHandler)
	mux.HandleFunc("GET /db/table_info", s.tableInfoHandler)
	mux.HandleFunc("GET /questionnaires/{id}", s.getQuestionnaireHandler)
	mux.HandleFunc("GET /conversations/{id}/messages", s.conversationMessagesHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Run serves the API on the configured address, runs the dedup housekeeping
// job, and shuts down gracefully on SIGINT or SIGTERM.
func Run(mods Modules, opts ...Option) error {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if mods.Store == nil || mods.Machine == nil || mods.Inbound == nil {
		return fmt.Errorf("api: store, machine and inbound handler are required")
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	janitor := scheduler.NewDedupJanitor(mods.Store, cfg.DedupRetention, mods.Metrics)
	if err := janitor.Schedule(sched, cfg.PurgeSchedule); err != nil {
		return fmt.Errorf("schedule dedup purge: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewServer(mods, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("QuestionPipe API listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		slog.Info("QuestionPipe API shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
