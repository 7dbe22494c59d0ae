// Package api exposes the HTTP trigger surface for postop.
//
// Sweeps are triggered externally (cron, scheduler, manual curl) through
// POST endpoints; inbound patient messages arrive on the Twilio webhook.
// There is no internal scheduler: whoever owns the clock calls the sweeps.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vigia-med/postop/internal/followup"
	"github.com/vigia-med/postop/internal/messaging"
	"github.com/vigia-med/postop/internal/models"
	"github.com/vigia-med/postop/internal/store"
)

// Constants for API server configuration
const (
	// DefaultAddr is the default listen address for the API server
	DefaultAddr = ":8080"
	// DefaultSweepTimeout bounds how long a triggered sweep may run
	DefaultSweepTimeout = 5 * time.Minute
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	APIToken string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAPIToken requires a bearer token on every endpoint except the
// health check and the Twilio webhook.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// webhookReceiver is implemented by messaging services that accept inbound
// traffic over HTTP (Twilio).
type webhookReceiver interface {
	WebhookHandler(w http.ResponseWriter, r *http.Request)
}

// Server hosts the trigger and webhook endpoints.
type Server struct {
	addr       string
	token      string
	manager    *followup.Manager
	msgService messaging.Service
	st         store.Store
}

// NewServer creates an API server over the lifecycle manager and its store.
func NewServer(manager *followup.Manager, msgService messaging.Service, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:       cfg.Addr,
		token:      cfg.APIToken,
		manager:    manager,
		msgService: msgService,
		st:         st,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/webhook/twilio", s.webhookHandler)
	mux.HandleFunc("/patients", s.requireAuth(s.createPatientHandler))
	mux.HandleFunc("/sweeps/initial", s.requireAuth(s.sweepHandler("initial", s.manager.RunInitialSweep)))
	mux.HandleFunc("/sweeps/reminder", s.requireAuth(s.sweepHandler("reminder", s.manager.RunReminderSweep)))
	mux.HandleFunc("/sweeps/overdue", s.requireAuth(s.sweepHandler("overdue", s.manager.RunOverdueSweep)))
	mux.HandleFunc("/assessments/", s.requireAuth(s.assessmentHandler))
	return mux
}

// Run starts the response consumer and the HTTP server, blocking until the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.consumeResponses(ctx)
	go s.consumeReceipts(ctx)

	httpServer := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return httpServer.Shutdown(shutdownCtx)
	}
}

// consumeResponses feeds inbound patient messages into the lifecycle manager.
func (s *Server) consumeResponses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-s.msgService.Responses():
			if !ok {
				return
			}
			if err := s.manager.HandleInbound(ctx, resp.From, resp.Body); err != nil {
				slog.Error("Server.consumeResponses: inbound handling failed", "error", err, "from", resp.From)
			}
		}
	}
}

// consumeReceipts drains delivery status events. The messaging services emit
// a receipt for every send; without a consumer the channel buffer fills and
// each send stalls on its emit timeout.
func (s *Server) consumeReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-s.msgService.Receipts():
			if !ok {
				return
			}
			if receipt.Status == models.MessageStatusFailed {
				slog.Warn("Server.consumeReceipts: delivery failed", "to", receipt.To)
				continue
			}
			slog.Debug("Server.consumeReceipts: delivery status", "to", receipt.To, "status", receipt.Status)
		}
	}
}

// requireAuth enforces the bearer token when one is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			slog.Warn("Server.requireAuth: rejected request", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next(w, r)
	}
}
