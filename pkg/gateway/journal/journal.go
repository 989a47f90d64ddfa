// Package journal records finished coaching conversations.
package journal

import (
	"context"
	"time"
)

// Entry is one finished conversation. Input text is not stored, only its size.
type Entry struct {
	ChannelID   string
	RequestID   string
	InputChars  int
	Outcome     string
	AudioChunks int
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards entries. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
