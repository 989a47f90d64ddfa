// Package session drives one client websocket: it reads userInput frames,
// enforces one conversation at a time per channel, and writes relayed audio
// back through a single writer goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-coach/pkg/gateway/journal"
	"github.com/vango-go/vai-coach/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-coach/pkg/gateway/live/relay"
	"github.com/vango-go/vai-coach/pkg/gateway/live/sessions"
)

const (
	outboundPriorityQueueSize = 8
	journalWriteTimeout       = 5 * time.Second
)

var errBackpressure = errors.New("coach outbound backpressure")

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Conversations runs one relay. *relay.Relay implements it.
type Conversations interface {
	Run(ctx context.Context, channelID, input string, emit relay.Emitter) relay.Result
}

type Config struct {
	MaxMessageBytes   int64
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int

	// Client frames allowed per second, with a burst of that many seconds.
	// Zero disables the check.
	MaxFramesPerSecond int
	FrameBurstSeconds  int
}

type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	Guard     *sessions.Guard
	Relay     Conversations
	Journal   journal.Recorder
	ChannelID string
	RequestID string
	Config    Config
}

type Session struct {
	conn      Conn
	logger    *slog.Logger
	guard     *sessions.Guard
	relay     Conversations
	journal   journal.Recorder
	channelID string
	requestID string
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	inbound *inboundLimiter

	conversations sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Guard == nil {
		return nil, fmt.Errorf("session guard is required")
	}
	if deps.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if deps.ChannelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:             deps.Conn,
		logger:           deps.Logger.With("channel_id", deps.ChannelID, "request_id", deps.RequestID),
		guard:            deps.Guard,
		relay:            deps.Relay,
		journal:          deps.Journal,
		channelID:        deps.ChannelID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		inbound:          newInboundLimiter(time.Now, deps.Config.MaxFramesPerSecond, deps.Config.FrameBurstSeconds),
	}, nil
}

// Run serves the connection until the client leaves, the connection fails, or
// Cancel is called. In-flight conversations are canceled and awaited before it
// returns, so the channel's guard is always free afterwards.
func (s *Session) Run() error {
	defer s.cancel()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 16)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	if err := s.sendJSON(protocol.ServerSession{Type: protocol.TypeSession, ChannelID: s.channelID}); err != nil {
		s.logger.Warn("session frame not queued", "error", err)
	}

	err := s.serve(readCh, writerErrCh)

	s.cancel()
	s.conversations.Wait()
	s.awaitWriter(writerErrCh)
	return err
}

func (s *Session) serve(readCh <-chan inboundFrame, writerErrCh <-chan error) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err, ok := <-writerErrCh:
			if ok && err != nil {
				return fmt.Errorf("write client frame: %w", err)
			}
			return nil
		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if s.ctx.Err() != nil || websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return nil
				}
				return fmt.Errorf("read client frame: %w", frame.err)
			}
			if s.cfg.ReadTimeout > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
			s.handleFrame(frame)
		}
	}
}

func (s *Session) handleFrame(frame inboundFrame) {
	if !s.inbound.Allow() {
		s.reject(protocol.NewError(protocol.CodeRateLimited, protocol.MessageRateLimited))
		return
	}
	if frame.messageType != websocket.TextMessage {
		s.reject(protocol.NewError(protocol.CodeBadRequest, protocol.MessageInvalidFrame))
		return
	}

	msg, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		message := protocol.MessageInvalidFrame
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Param == "text" {
			message = protocol.MessageEmptyInput
		}
		s.logger.Debug("client frame rejected", "error", err)
		s.reject(protocol.NewError(protocol.CodeBadRequest, message))
		return
	}

	switch m := msg.(type) {
	case protocol.ClientUserInput:
		s.startConversation(m.Text)
	}
}

// startConversation runs the relay on its own goroutine so the read loop keeps
// answering overlapping input with the busy error.
func (s *Session) startConversation(text string) {
	lease, ok := s.guard.TryAcquire(s.channelID)
	if !ok {
		s.logger.Info("input rejected, conversation in progress")
		s.reject(protocol.BusyError())
		return
	}

	requestID := uuid.NewString()
	s.conversations.Add(1)
	go func() {
		defer s.conversations.Done()
		defer lease.Release()

		res := s.relay.Run(s.ctx, s.channelID, text, s.emit)
		// The channel frees as soon as the relay ends; journaling must not hold it.
		lease.Release()
		s.record(requestID, len([]rune(text)), res)
	}()
}

func (s *Session) record(requestID string, inputChars int, res relay.Result) {
	entry := journal.Entry{
		ChannelID:   s.channelID,
		RequestID:   requestID,
		InputChars:  inputChars,
		Outcome:     string(res.Outcome),
		AudioChunks: res.AudioChunks,
		StartedAt:   res.Started,
		FinishedAt:  res.Finished,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), journalWriteTimeout)
	defer cancel()
	if err := s.journal.Record(ctx, entry); err != nil {
		s.logger.Warn("journal write failed", "error", err)
	}
}

// emit queues a relay frame, waiting for room so audio is never dropped or
// reordered. It fails only once the session is shutting down.
func (s *Session) emit(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- outboundFrame{textPayload: payload}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) reject(v protocol.ServerError) {
	if err := s.sendJSONPriority(v); err != nil {
		s.logger.Warn("error frame not queued", "code", v.Code, "error", err)
	}
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- outboundFrame{textPayload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundPriority <- outboundFrame{textPayload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) awaitWriter(writerErrCh <-chan error) {
	wait := 100 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
}

func (s *Session) ChannelID() string {
	if s == nil {
		return ""
	}
	return s.channelID
}

func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendJSONPriority(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}
