package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-coach/pkg/gateway/apierror"
	"github.com/vango-go/vai-coach/pkg/gateway/config"
	"github.com/vango-go/vai-coach/pkg/gateway/journal"
	"github.com/vango-go/vai-coach/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-coach/pkg/gateway/live/session"
	"github.com/vango-go/vai-coach/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-coach/pkg/gateway/mw"
	"github.com/vango-go/vai-coach/pkg/gateway/principal"
	"github.com/vango-go/vai-coach/pkg/gateway/ratelimit"
)

// CoachHandler handles /v1/coach websocket connections. Each connection is one
// channel with its own id.
type CoachHandler struct {
	Config  config.Config
	Logger  *slog.Logger
	Guard   *sessions.Guard
	Tracker *sessions.Tracker
	Relay   session.Conversations
	Journal journal.Recorder
	Limiter *ratelimit.Limiter
}

func (h CoachHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		apierror.Write(w, http.StatusMethodNotAllowed, reqID, &apierror.Error{
			Type:    apierror.TypeInvalidRequest,
			Message: "method not allowed",
			Code:    "method_not_allowed",
		})
		return
	}
	if h.Tracker.Draining() {
		apierror.Write(w, apierror.StatusOverloaded, reqID, &apierror.Error{
			Type:    apierror.TypeOverloaded,
			Message: "server is draining",
			Code:    "draining",
		})
		return
	}
	if !h.Config.OriginAllowed(r.Header.Get("Origin")) {
		apierror.Write(w, http.StatusForbidden, reqID, &apierror.Error{
			Type:    apierror.TypePermission,
			Message: "origin is not allowed",
			Param:   "Origin",
		})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if h.Limiter != nil && h.Config.MaxConnectionsPerClient > 0 {
		client := principal.Resolve(r, h.Config.TrustProxyHeaders)
		dec := h.Limiter.AcquireConnection(client.Key, time.Now())
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			apierror.Write(w, http.StatusTooManyRequests, reqID, &apierror.Error{
				Type:    apierror.TypeRateLimit,
				Message: "too many open connections",
				Code:    "too_many_connections",
			})
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above against the configured allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	channelID := uuid.NewString()
	sess, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Guard:     h.Guard,
		Relay:     h.Relay,
		Journal:   h.Journal,
		ChannelID: channelID,
		RequestID: reqID,
		Config: session.Config{
			MaxMessageBytes:   h.Config.WSMaxMessageBytes,
			PingInterval:      h.Config.WSPingInterval,
			WriteTimeout:      h.Config.WSWriteTimeout,
			ReadTimeout:       h.Config.WSReadTimeout,
			OutboundQueueSize: h.Config.OutboundQueueSize,

			MaxFramesPerSecond: h.Config.WSMaxFramesPerSec,
			FrameBurstSeconds:  h.Config.WSFrameBurstSecs,
		},
	})
	if err != nil {
		logger.Error("coach session setup failed", "request_id", reqID, "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	unregister, ok := h.Tracker.Register(channelID, sessions.Handle{
		Cancel: sess.Cancel,
		Warn:   sess.SendWarning,
	})
	if !ok {
		_ = conn.WriteJSON(protocol.ServerWarning{Type: protocol.TypeWarning, Code: protocol.CodeDraining, Message: protocol.MessageDraining})
		closeWith(conn, websocket.CloseGoingAway, "draining")
		return
	}
	defer unregister()

	logger.Info("coach channel opened", "channel_id", channelID, "request_id", reqID)
	if err := sess.Run(); err != nil {
		logger.Warn("coach channel ended with error", "channel_id", channelID, "request_id", reqID, "error", err)
		return
	}
	logger.Info("coach channel closed", "channel_id", channelID, "request_id", reqID)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
