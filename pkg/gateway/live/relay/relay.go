// Package relay runs one coaching conversation against the remote voice
// service and forwards its audio to the client channel.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-coach/pkg/core/voice/hume"
	"github.com/vango-go/vai-coach/pkg/gateway/live/protocol"
)

const DefaultPersonaPrefix = "As a health coach based on Andrew Huberman, "

var (
	// ErrStreamClosed means the remote closed the chat before assistant_end.
	ErrStreamClosed     = errors.New("voice stream closed before assistant_end")
	ErrIdleTimeout      = errors.New("voice stream idle timeout")
	ErrMaxDuration      = errors.New("conversation exceeded max duration")
	ErrHandshakeTimeout = errors.New("voice service handshake timeout")
)

// Chat is one open conversation with the voice service.
type Chat interface {
	SendUserInput(ctx context.Context, text string) error
	Next(ctx context.Context) (hume.Event, error)
	Close() error
}

type Connector interface {
	Connect(ctx context.Context) (Chat, error)
}

// HumeConnector opens chats with the Hume EVI client.
type HumeConnector struct {
	Client *hume.Client
}

func (h HumeConnector) Connect(ctx context.Context) (Chat, error) {
	if h.Client == nil {
		return nil, errors.New("hume client is not configured")
	}
	chat, err := h.Client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Emitter delivers one outbound frame to the client. A non-nil error means the
// client can no longer be reached.
type Emitter func(v any) error

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCanceled  Outcome = "canceled"
)

type Result struct {
	Outcome     Outcome
	AudioChunks int
	Started     time.Time
	Finished    time.Time
	Err         error
}

type Relay struct {
	Connector Connector

	PersonaPrefix    string
	PacingDelay      time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxDuration      time.Duration

	Logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Run executes one conversation and returns once it has completed, failed,
// timed out or been canceled. Failures and timeouts emit exactly one generic
// error frame; the cause is only logged. Run never panics on remote input and
// the caller is expected to release the channel's guard when it returns.
func (r *Relay) Run(ctx context.Context, channelID, input string, emit Emitter) Result {
	ctx, span := tracer.Start(ctx, "coach conversation",
		trace.WithAttributes(
			attribute.String("coach.channel_id", channelID),
			attribute.Int("coach.input_length", len(input)),
		))
	defer span.End()

	res := Result{Started: time.Now()}
	res.AudioChunks, res.Err = r.converse(ctx, input, emit)
	res.Finished = time.Now()
	res.Outcome = classify(ctx, res.Err)

	span.SetAttributes(
		attribute.String("coach.outcome", string(res.Outcome)),
		attribute.Int("coach.audio_chunks", res.AudioChunks),
	)
	conversationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))

	logger := r.logger().With("channel_id", channelID, "outcome", string(res.Outcome),
		"audio_chunks", res.AudioChunks, "duration_ms", res.Finished.Sub(res.Started).Milliseconds())
	switch res.Outcome {
	case OutcomeCompleted:
		logger.Info("conversation completed")
	case OutcomeCanceled:
		logger.Info("conversation canceled", "error", res.Err)
	default:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Outcome))
		logger.Error("conversation failed", "error", res.Err)
		if err := emit(protocol.FailedError()); err != nil {
			logger.Debug("error frame not delivered", "error", err)
		}
	}
	return res
}

func (r *Relay) converse(ctx context.Context, input string, emit Emitter) (int, error) {
	if r.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.MaxDuration, ErrMaxDuration)
		defer cancel()
	}

	if r.PacingDelay > 0 {
		if err := r.doSleep(ctx, r.PacingDelay); err != nil {
			return 0, fmt.Errorf("pacing delay: %w", causeOf(ctx, err))
		}
	}

	chat, err := r.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer chat.Close()

	if err := chat.SendUserInput(ctx, r.envelope(input)); err != nil {
		return 0, fmt.Errorf("submit user input: %w", causeOf(ctx, err))
	}

	chunks := 0
	for {
		ev, err := r.next(ctx, chat)
		if err != nil {
			return chunks, err
		}

		switch ev.Type {
		case hume.EventAudioOutput:
			raw, err := base64.StdEncoding.DecodeString(ev.Data)
			if err != nil {
				r.logger().Warn("skipping undecodable audio chunk", "event_id", ev.ID, "error", err)
				continue
			}
			if err := emit(protocol.NewAudioOutput(base64.StdEncoding.EncodeToString(raw))); err != nil {
				return chunks, fmt.Errorf("deliver audio: %w", errors.Join(context.Canceled, err))
			}
			chunks++
			audioChunkCounter.Add(ctx, 1)
		case hume.EventAssistantEnd:
			return chunks, nil
		case hume.EventError:
			if ev.Error != nil {
				return chunks, fmt.Errorf("voice service: %w", ev.Error)
			}
			return chunks, errors.New("voice service: unspecified error event")
		default:
			r.logger().Debug("voice event ignored", "type", ev.Type)
		}
	}
}

func (r *Relay) connect(ctx context.Context) (Chat, error) {
	if r.Connector == nil {
		return nil, errors.New("voice connector is not configured")
	}
	connCtx := ctx
	if r.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeoutCause(ctx, r.HandshakeTimeout, ErrHandshakeTimeout)
		defer cancel()
	}
	chat, err := r.Connector.Connect(connCtx)
	if err != nil {
		return nil, fmt.Errorf("connect voice service: %w", causeOf(connCtx, err))
	}
	if chat == nil {
		return nil, errors.New("connect voice service: no chat returned")
	}
	return chat, nil
}

func (r *Relay) next(ctx context.Context, chat Chat) (hume.Event, error) {
	readCtx := ctx
	if r.IdleTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeoutCause(ctx, r.IdleTimeout, ErrIdleTimeout)
		defer cancel()
	}
	ev, err := chat.Next(readCtx)
	if err == nil {
		return ev, nil
	}
	if errors.Is(err, hume.ErrClosed) {
		return hume.Event{}, ErrStreamClosed
	}
	return hume.Event{}, fmt.Errorf("read voice event: %w", causeOf(readCtx, err))
}

func (r *Relay) envelope(input string) string {
	prefix := r.PersonaPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPersonaPrefix
	}
	return prefix + input
}

func (r *Relay) doSleep(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// causeOf swaps a bare deadline error for the timeout that produced it.
func causeOf(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

// classify maps a run error to its outcome. parent is the caller's context: if
// it ended, the conversation was canceled regardless of how the error reads.
func classify(parent context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case parent.Err() != nil, errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, ErrIdleTimeout), errors.Is(err, ErrMaxDuration), errors.Is(err, ErrHandshakeTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}
