// Package protocol defines the JSON events carried on the control-event
// channel once the realtime transport is established.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies control-event channel payload variants.
type EventType string

const (
	TypeSessionCreated      EventType = "session.created"
	TypeSessionUpdated      EventType = "session.updated"
	TypeSpeechStarted       EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped       EventType = "input_audio_buffer.speech_stopped"
	TypeResponseCreated     EventType = "response.created"
	TypeTranscriptDelta     EventType = "response.audio_transcript.delta"
	TypeTranscriptDone      EventType = "response.audio_transcript.done"
	TypeInputTranscriptDone EventType = "conversation.item.input_audio_transcription.completed"
	TypeResponseDone        EventType = "response.done"
	TypeError               EventType = "error"
)

// ErrUnknownEventType marks event types outside the recognized set. The set
// is fixed at design time; unknown types are ignored by callers, never fatal.
var ErrUnknownEventType = errors.New("unknown event type")

type Envelope struct {
	Type EventType `json:"type"`
}

// ServerEvent is one decoded control-channel event. Only the fields relevant
// to the event's type are populated.
type ServerEvent struct {
	Type       EventType     `json:"type"`
	EventID    string        `json:"event_id,omitempty"`
	Delta      string        `json:"delta,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	ItemID     string        `json:"item_id,omitempty"`
	ResponseID string        `json:"response_id,omitempty"`
	Session    *SessionInfo  `json:"session,omitempty"`
	Error      *EventError   `json:"error,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`
}

// SessionInfo mirrors the session object embedded in lifecycle events.
type SessionInfo struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
	Voice     string `json:"voice,omitempty"`
}

// EventError is the upstream error payload carried by error events.
type EventError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseInfo carries the terminal status of a response.done event.
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

var knownEventTypes = map[EventType]struct{}{
	TypeSessionCreated:      {},
	TypeSessionUpdated:      {},
	TypeSpeechStarted:       {},
	TypeSpeechStopped:       {},
	TypeResponseCreated:     {},
	TypeTranscriptDelta:     {},
	TypeTranscriptDone:      {},
	TypeInputTranscriptDone: {},
	TypeResponseDone:        {},
	TypeError:               {},
}

// ParseServerEvent decodes one raw control-channel frame. Unrecognized event
// types return ErrUnknownEventType so callers can skip them cheaply.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServerEvent{}, fmt.Errorf("invalid event envelope: %w", err)
	}
	if _, ok := knownEventTypes[env.Type]; !ok {
		return ServerEvent{Type: env.Type}, ErrUnknownEventType
	}

	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("invalid %s event: %w", env.Type, err)
	}
	if ev.Type == TypeError && ev.Error == nil {
		return ServerEvent{}, errors.New("error event without error payload")
	}
	return ev, nil
}

// SessionUpdate is the outbound session.update message used to apply the
// negotiated configuration once the channel is open.
type SessionUpdate struct {
	Type    EventType      `json:"type"`
	Session map[string]any `json:"session"`
}

const TypeSessionUpdate EventType = "session.update"

func NewSessionUpdate(session map[string]any) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: session}
}
