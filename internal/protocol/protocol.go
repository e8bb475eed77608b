// Package protocol defines the JSON envelope exchanged with terminal clients.
//
// Every frame is {"type": <event>, "terminalId": <tab>, "data": <payload>}.
// terminalId is optional and defaults to DefaultTerminalID.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Client to server events.
const (
	EventCreateTerminal = "create-terminal"
	EventTerminalInput  = "terminal-input"
	EventResize         = "resize"
	EventCloseTerminal  = "close-terminal"
)

// Server to client events.
const (
	EventTerminalReady  = "terminal-ready"
	EventTerminalOutput = "terminal-output"
	EventTerminalError  = "terminal-error"
	EventTerminalExit   = "terminal-exit"
)

const DefaultTerminalID = "1"

var validate = validator.New()

type Message struct {
	Type       string          `json:"type"`
	TerminalID string          `json:"terminalId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Terminal returns the message's terminal id, defaulting to "1".
func (m Message) Terminal() string {
	if m.TerminalID == "" {
		return DefaultTerminalID
	}
	return m.TerminalID
}

// Dimension is a terminal column or row count as sent by a client. Any JSON
// number is accepted: fractions are truncated and values beyond the int32
// range saturate. Numeric strings are read the same way; anything else
// decodes as 0. Range checks happen where the size is applied.
type Dimension int

func (d *Dimension) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		*d = 0
		return nil
	}
	switch {
	case math.IsNaN(f):
		*d = 0
	case f >= math.MaxInt32:
		*d = math.MaxInt32
	case f <= math.MinInt32:
		*d = math.MinInt32
	default:
		*d = Dimension(int(f))
	}
	return nil
}

// CreateTerminal is the create-terminal payload. Git identity fields are
// passed through untouched; the git side decides what it can use.
type CreateTerminal struct {
	Cols           Dimension `json:"cols"`
	Rows           Dimension `json:"rows"`
	UserID         string    `json:"userId,omitempty"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	TerminalID     string    `json:"terminalId,omitempty" validate:"omitempty,max=64,printascii"`
	GithubUsername string    `json:"githubUsername,omitempty"`
	UserEmail      string    `json:"userEmail,omitempty"`
}

type Resize struct {
	Cols Dimension `json:"cols"`
	Rows Dimension `json:"rows"`
}

type Error struct {
	Message string `json:"message"`
}

type Exit struct {
	ExitCode int `json:"exitCode"`
}

// DecodeCreate parses and validates a create-terminal payload. Only a
// payload that is not an object, or an unusable terminal id, is rejected;
// sizes are corrected later.
func DecodeCreate(msg Message) (CreateTerminal, error) {
	var req CreateTerminal
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return req, fmt.Errorf("invalid %s payload: %w", EventCreateTerminal, err)
		}
	}
	// The id may ride on the envelope or in the payload.
	if req.TerminalID == "" {
		req.TerminalID = msg.Terminal()
	}
	if err := validate.Struct(req); err != nil {
		return req, fmt.Errorf("invalid %s payload: %w", EventCreateTerminal, err)
	}
	return req, nil
}

// DecodeResize parses a resize payload. Missing fields come back as zero.
func DecodeResize(msg Message) (Resize, error) {
	var r Resize
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return r, fmt.Errorf("invalid %s payload: %w", EventResize, err)
	}
	return r, nil
}

// DecodeInput accepts a JSON string payload.
func DecodeInput(msg Message) ([]byte, error) {
	var s string
	if err := json.Unmarshal(msg.Data, &s); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", EventTerminalInput, err)
	}
	return []byte(s), nil
}

// New builds an outgoing message; data may be nil.
func New(eventType, terminalID string, data any) (Message, error) {
	msg := Message{Type: eventType, TerminalID: terminalID}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, fmt.Errorf("failed to encode %s: %w", eventType, err)
	}
	msg.Data = raw
	return msg, nil
}

func Ready(terminalID string) Message {
	return Message{Type: EventTerminalReady, TerminalID: terminalID}
}

func Output(terminalID string, chunk string) Message {
	msg, _ := New(EventTerminalOutput, terminalID, chunk)
	return msg
}

func Failure(terminalID string, message string) Message {
	msg, _ := New(EventTerminalError, terminalID, Error{Message: message})
	return msg
}

func Exited(terminalID string, code int) Message {
	msg, _ := New(EventTerminalExit, terminalID, Exit{ExitCode: code})
	return msg
}
