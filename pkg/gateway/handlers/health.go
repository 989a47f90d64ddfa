package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-coach/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is implemented by *journal.Postgres.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports not ready while draining or when the journal database
// cannot be reached.
type ReadyHandler struct {
	Tracker *sessions.Tracker
	Journal Pinger
	Guard   *sessions.Guard
	Timeout time.Duration
	Limits  bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                  bool     `json:"ok"`
		Draining            bool     `json:"draining"`
		Connections         int      `json:"connections"`
		ActiveConversations int      `json:"active_conversations"`
		JournalEnabled      bool     `json:"journal_enabled"`
		LimitsEnabled       bool     `json:"limits_enabled"`
		Issues              []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	draining := h.Tracker.Draining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.Journal != nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.Journal.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "journal database unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:                  ok,
		Draining:            draining,
		Connections:         h.Tracker.Count(),
		ActiveConversations: h.Guard.Len(),
		JournalEnabled:      h.Journal != nil,
		LimitsEnabled:       h.Limits,
		Issues:              issues,
	})
}
