package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-coach/pkg/gateway/apierror"
	"github.com/vango-go/vai-coach/pkg/gateway/journal"
	"github.com/vango-go/vai-coach/pkg/gateway/mw"
)

const maxConversationsLimit = 100

// History is implemented by *journal.Postgres.
type History interface {
	Recent(ctx context.Context, channelID string, limit int) ([]journal.Entry, error)
}

type conversationJSON struct {
	ChannelID   string    `json:"channel_id"`
	RequestID   string    `json:"request_id"`
	InputChars  int       `json:"input_chars"`
	Outcome     string    `json:"outcome"`
	AudioChunks int       `json:"audio_chunks"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

// ConversationsHandler serves GET /v1/channels/{channel_id}/conversations
// from the journal.
type ConversationsHandler struct {
	History History
	Logger  *slog.Logger
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.History == nil {
		apierror.Write(w, http.StatusNotFound, reqID, &apierror.Error{
			Type:    apierror.TypeNotFound,
			Message: "conversation journal is not enabled",
		})
		return
	}

	channelID := strings.TrimSpace(r.PathValue("channel_id"))
	if channelID == "" {
		apierror.Write(w, http.StatusBadRequest, reqID, &apierror.Error{
			Type:    apierror.TypeInvalidRequest,
			Message: "channel_id is required",
			Param:   "channel_id",
		})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxConversationsLimit {
			apierror.Write(w, http.StatusBadRequest, reqID, &apierror.Error{
				Type:    apierror.TypeInvalidRequest,
				Message: "limit must be between 1 and 100",
				Param:   "limit",
			})
			return
		}
		limit = n
	}

	entries, err := h.History.Recent(r.Context(), channelID, limit)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list conversations failed", "request_id", reqID, "channel_id", channelID, "error", err)
		}
		apiErr, status := apierror.FromError(err, reqID)
		apierror.Write(w, status, reqID, apiErr)
		return
	}

	out := make([]conversationJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, conversationJSON{
			ChannelID:   e.ChannelID,
			RequestID:   e.RequestID,
			InputChars:  e.InputChars,
			Outcome:     e.Outcome,
			AudioChunks: e.AudioChunks,
			StartedAt:   e.StartedAt,
			FinishedAt:  e.FinishedAt,
			Error:       e.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"conversations": out})
}
