package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ent0n29/rehearsal/internal/events"
)

func TestParseClientMessageCancel(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"Cancel","reason":"enough"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionCancel || control.Reason != "enough" {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"client_control","action":"approve"}`)); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestRunEventCarriesRunID(t *testing.T) {
	frame := NewRunEvent(events.Event{Type: events.TypeTurnEnd, RunID: "r1", TurnIndex: 2})
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["type"] != string(TypeRunEvent) || got["run_id"] != "r1" {
		t.Fatalf("frame = %s", raw)
	}
}
