package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-coach/pkg/gateway/config"
	"github.com/vango-go/vai-coach/pkg/gateway/handlers"
	"github.com/vango-go/vai-coach/pkg/gateway/journal"
	"github.com/vango-go/vai-coach/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-coach/pkg/gateway/live/relay"
	"github.com/vango-go/vai-coach/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-coach/pkg/gateway/mw"
	"github.com/vango-go/vai-coach/pkg/gateway/ratelimit"
)

// Dependencies are the outside services the server talks to. Journal may be
// nil; when it is a *journal.Postgres it also backs /readyz and the
// conversation history route.
type Dependencies struct {
	Connector relay.Connector
	Journal   journal.Recorder
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	guard   *sessions.Guard
	tracker *sessions.Tracker
	relay   *relay.Relay
	journal journal.Recorder
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Journal
	if rec == nil {
		rec = journal.Nop{}
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		guard:   sessions.NewGuard(),
		tracker: sessions.NewTracker(),
		journal: rec,
		relay: &relay.Relay{
			Connector:        deps.Connector,
			PersonaPrefix:    cfg.PersonaPrefix,
			PacingDelay:      cfg.PacingDelay,
			HandshakeTimeout: cfg.HumeHandshakeTimeout,
			IdleTimeout:      cfg.IdleTimeout,
			MaxDuration:      cfg.MaxConversationDuration,
			Logger:           logger,
		},
	}
	if cfg.LimitsEnabled() {
		s.limiter = ratelimit.New(ratelimit.Config{
			RPS:                      cfg.LimitConnectRPS,
			Burst:                    cfg.LimitConnectBurst,
			MaxConcurrentConnections: cfg.MaxConnectionsPerClient,
		})
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	var pinger handlers.Pinger
	if p, ok := s.journal.(handlers.Pinger); ok {
		pinger = p
	}
	var history handlers.History
	if h, ok := s.journal.(handlers.History); ok {
		history = h
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Tracker: s.tracker,
		Guard:   s.guard,
		Journal: pinger,
		Limits:  s.limiter != nil,
	})
	s.mux.Handle("/v1/coach", handlers.CoachHandler{
		Config:  s.cfg,
		Logger:  s.logger,
		Guard:   s.guard,
		Tracker: s.tracker,
		Relay:   s.relay,
		Journal: s.journal,
		Limiter: s.limiter,
	})
	s.mux.Handle("GET /v1/channels/{channel_id}/conversations", handlers.ConversationsHandler{
		History: history,
		Logger:  s.logger,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Drain stops accepting connections, warns live ones, and waits for them until
// ctx ends. Whatever is still open then is canceled. It reports whether every
// connection finished on its own.
func (s *Server) Drain(ctx context.Context) bool {
	s.tracker.SetDraining(true)
	warned := s.tracker.WarnAll(protocol.CodeDraining, protocol.MessageDraining)
	s.logger.Info("draining coach connections", "connections", warned)

	if s.tracker.Wait(ctx) {
		return true
	}

	canceled := s.tracker.CancelAll()
	s.logger.Warn("grace period elapsed, canceling connections", "connections", canceled)
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.tracker.Wait(waitCtx)
	return false
}

func (s *Server) Draining() bool {
	return s.tracker.Draining()
}
