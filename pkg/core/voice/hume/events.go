package hume

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types emitted by the EVI chat socket. Only a few drive the relay; the
// rest are decoded so they can be logged and skipped.
const (
	EventAudioOutput      = "audio_output"
	EventAssistantEnd     = "assistant_end"
	EventAssistantMessage = "assistant_message"
	EventUserMessage      = "user_message"
	EventUserInterruption = "user_interruption"
	EventChatMetadata     = "chat_metadata"
	EventToolCall         = "tool_call"
	EventError            = "error"
)

// Event is one server message from the chat socket.
type Event struct {
	Type string

	// audio_output
	ID    string
	Index int
	Data  string // base64 audio

	// chat_metadata
	ChatID      string
	ChatGroupID string

	// error
	Error *RemoteError

	Raw json.RawMessage
}

// RemoteError is an error event reported by the voice service.
type RemoteError struct {
	Code    string `json:"code"`
	Slug    string `json:"slug"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if strings.TrimSpace(e.Code) != "" {
		parts = append(parts, e.Code)
	}
	if strings.TrimSpace(e.Slug) != "" {
		parts = append(parts, e.Slug)
	}
	if len(parts) == 0 {
		return "hume error: " + e.Message
	}
	return fmt.Sprintf("hume error %s: %s", strings.Join(parts, "/"), e.Message)
}

type audioOutputPayload struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Data  string `json:"data"`
}

type chatMetadataPayload struct {
	ChatID      string `json:"chat_id"`
	ChatGroupID string `json:"chat_group_id"`
}

// DecodeEvent parses one text frame. Unknown types decode successfully with
// only Type and Raw set.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode hume event: %w", err)
	}
	ev := Event{
		Type: strings.TrimSpace(envelope.Type),
		Raw:  append(json.RawMessage(nil), data...),
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode hume event: missing type")
	}

	switch ev.Type {
	case EventAudioOutput:
		var p audioOutputPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		ev.ID, ev.Index, ev.Data = p.ID, p.Index, p.Data
	case EventChatMetadata:
		var p chatMetadataPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		ev.ChatID, ev.ChatGroupID = p.ChatID, p.ChatGroupID
	case EventError:
		var p RemoteError
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		ev.Error = &p
	}
	return ev, nil
}

type userInputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
