package hume

import "go.opentelemetry.io/otel"

const scopeName = "github.com/vango-go/vai-coach/pkg/core/voice/hume"

var tracer = otel.Tracer(scopeName)
