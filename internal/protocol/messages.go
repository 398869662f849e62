package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/rehearsal/internal/events"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeRunEvent      MessageType = "run_event"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionCancel = "cancel"
	ActionPing   = "ping"
)

// System event codes.
const (
	CodeSubscribed      = "subscribed"
	CodePong            = "pong"
	CodeCancelRequested = "cancel_requested"
	CodeRunFinished     = "run_finished"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	RunID  string      `json:"run_id,omitempty"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
}

// RunEvent relays one event from a run's log.
type RunEvent struct {
	Type  MessageType  `json:"type"`
	RunID string       `json:"run_id"`
	Event events.Event `json:"event"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	RunID  string      `json:"run_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RunID     string      `json:"run_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewRunEvent(ev events.Event) RunEvent {
	return RunEvent{Type: TypeRunEvent, RunID: ev.RunID, Event: ev}
}

func NewSystemEvent(runID, code, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, RunID: runID, Code: code, Detail: detail}
}

func NewErrorEvent(runID, code, source, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, RunID: runID, Code: code, Source: source, Retryable: retryable, Detail: detail}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionCancel, ActionPing:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
