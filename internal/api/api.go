// Package api exposes the webhook endpoints that drive the bot engine.
//
// Each messaging platform posts inbound traffic to its own webhook. WhatsApp
// and Messenger deliveries are pushed back asynchronously through messaging
// services; IVR responses are returned synchronously as TwiML, because the
// voice call is waiting on the HTTP response.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/convstack/botengine/internal/engine"
	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/store"
	"github.com/convstack/botengine/internal/story"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr                 string
	MediaDir             string
	MessengerVerifyToken string
	TwilioWebhook        http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMediaDir serves the given directory under /media/ (synthesized audio
// for voice calls).
func WithMediaDir(dir string) Option {
	return func(o *Opts) { o.MediaDir = dir }
}

// WithMessengerVerifyToken sets the token expected on Messenger webhook
// subscription verification.
func WithMessengerVerifyToken(token string) Option {
	return func(o *Opts) { o.MessengerVerifyToken = token }
}

// WithTwilioWebhook mounts the given handler under /webhook/twilio. Twilio
// transports post inbound SMS/WhatsApp traffic there; the handler feeds the
// messaging service's response stream.
func WithTwilioWebhook(handler http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = handler }
}

// Server wires webhook handlers to the engine.
type Server struct {
	engine     *engine.Engine
	st         store.Store
	graph      story.Accessor
	channels   engine.ChannelResolver
	opts       Opts
	httpServer *http.Server
}

// NewServer creates an API server for the given engine and collaborators.
func NewServer(eng *engine.Engine, st store.Store, graph story.Accessor, channels engine.ChannelResolver, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		engine:   eng,
		st:       st,
		graph:    graph,
		channels: channels,
		opts:     cfg,
	}
}

// Handler builds the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/whatsapp", s.whatsappWebhookHandler)
	mux.HandleFunc("/webhook/messenger", s.messengerWebhookHandler)
	mux.HandleFunc("/webhook/ivr", s.ivrWebhookHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("/webhook/twilio", s.opts.TwilioWebhook)
	}
	mux.HandleFunc("/start/", s.startMicroAppHandler)
	mux.HandleFunc("/microapps/", s.microAppHandler)
	mux.HandleFunc("/send", s.sendHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.opts.MediaDir != "" {
		mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(s.opts.MediaDir))))
	}
	return mux
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// runTurn feeds one normalized message through the engine. Webhook handlers
// always acknowledge the platform with 200; a failed turn is logged and the
// platform is not asked to retry, because the engine already produced (and
// where possible delivered) a fallback response.
func (s *Server) runTurn(ctx context.Context, msg *models.IncomingMessage) *engine.RunResult {
	result, err := s.engine.Run(ctx, msg)
	if err != nil {
		slog.Error("Server.runTurn: turn failed", "error", err, "message_id", msg.ID, "platform", msg.Platform)
	}
	return result
}
