package stt

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	EventConnected  = "connected"
	EventTranscript = "transcript"
	EventError      = "error"
)

// stopMessage is sent before a normal close so the service can flush.
var stopMessage = []byte(`{"type":"stop"}`)

// Event is a parsed inbound message from the transcription service.
type Event struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEvent decodes one inbound text message. Unknown types and
// structurally invalid payloads are reported as errors.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventConnected, EventTranscript, EventError:
		return ev, nil
	case "":
		return Event{}, fmt.Errorf("event has no type")
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// Listener receives transcript activity in arrival order. Calls are made
// from the link's read goroutine and must not block for long.
type Listener interface {
	OnTranscript(text string, isFinal bool)
	OnError(message string)
	// ResetInterim drops provisional text; called on Disconnect.
	ResetInterim()
}
