package relay

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/vango-go/vai-coach/pkg/gateway/live/relay"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	conversationCounter = int64Counter("coach.conversations", "Finished conversations by outcome.")
	audioChunkCounter   = int64Counter("coach.audio_chunks", "Audio chunks relayed to clients.")
)

func int64Counter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(err)
		return noop.Int64Counter{}
	}
	return c
}
