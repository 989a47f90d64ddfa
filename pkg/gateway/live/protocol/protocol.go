package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client-facing texts. Remote failure details never reach the client.
const (
	MessageBusy         = "Please wait for the current conversation to finish before sending a new message."
	MessageFailed       = "An error occurred while processing your request."
	MessageInvalidFrame = "Invalid message."
	MessageEmptyInput   = "Input text is required."
	MessageDraining     = "The server is shutting down. Finish your conversation and reconnect."
	MessageRateLimited  = "Too many messages. Please slow down."
)

// Frame types.
const (
	TypeUserInput   = "userInput"
	TypeSession     = "session"
	TypeAudioOutput = "audioOutput"
	TypeError       = "error"
	TypeWarning     = "warning"
)

// Error codes carried next to the human-readable message.
const (
	CodeBusy        = "busy"
	CodeFailed      = "conversation_failed"
	CodeBadRequest  = "bad_request"
	CodeDraining    = "draining"
	CodeRateLimited = "rate_limited"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

// ClientUserInput carries one user utterance as text.
type ClientUserInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeClientMessage parses one inbound text frame. The only accepted message
// today is userInput; its text must be present and non-empty but is otherwise
// passed through untouched, whitespace included.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeUserInput:
		var msg ClientUserInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid userInput frame", "")
		}
		if msg.Text == "" {
			return nil, badRequest("userInput.text is required", "text")
		}
		msg.Type = typ
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ServerSession is sent once after the upgrade and names the channel.
type ServerSession struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// ServerAudioOutput carries one base64 audio chunk from the voice service.
type ServerAudioOutput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewAudioOutput(data string) ServerAudioOutput {
	return ServerAudioOutput{Type: TypeAudioOutput, Data: data}
}

func NewError(code, message string) ServerError {
	return ServerError{Type: TypeError, Code: code, Message: message}
}

func BusyError() ServerError {
	return NewError(CodeBusy, MessageBusy)
}

func FailedError() ServerError {
	return NewError(CodeFailed, MessageFailed)
}
