// Package realtime implements the session negotiation and lifecycle core:
// credential issuance, offer/answer negotiation, the control-event channel
// and the connect/disconnect state machine that ties them together.
package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/emma/internal/reliability"
)

// SessionStatus tracks one logical conversation attempt. Transitions are
// monotonic: creating -> active -> expired or terminated, never backwards.
type SessionStatus string

const (
	StatusCreating   SessionStatus = "creating"
	StatusActive     SessionStatus = "active"
	StatusExpired    SessionStatus = "expired"
	StatusTerminated SessionStatus = "terminated"
)

// Session is one issued conversation attempt. It is exclusively owned by a
// single lifecycle manager for the duration of one connection attempt.
type Session struct {
	ID           string
	Status       SessionStatus
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ClientSecret string
}

// ExpiredNow reports whether the session's credential window has lapsed.
// Expiry is observed lazily; nothing polls the issuer for it.
func (s *Session) ExpiredNow(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Voices is the closed set of voice identifiers the issuer accepts.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

func validVoice(v string) bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

const maxInstructionsLen = 4096

// TurnDetection is the server-side end-of-turn policy.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
}

// SessionConfig is the immutable input to issuance, constructed once per
// connect from defaults overridden by caller-supplied fields.
type SessionConfig struct {
	Voice         string        `json:"voice"`
	Instructions  string        `json:"instructions"`
	Temperature   float64       `json:"temperature"`
	Modalities    []string      `json:"modalities"`
	TurnDetection TurnDetection `json:"turn_detection"`
}

// DefaultSessionConfig mirrors the issuer-side defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Voice:       "alloy",
		Temperature: 0.8,
		Modalities:  []string{"text", "audio"},
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			SilenceDurationMs: 200,
			PrefixPaddingMs:   300,
		},
	}
}

// UpdatePayload renders the configuration as a session.update body for the
// control channel.
func (c SessionConfig) UpdatePayload() map[string]any {
	p := map[string]any{
		"voice":       c.Voice,
		"temperature": c.Temperature,
		"modalities":  c.Modalities,
		"turn_detection": map[string]any{
			"type":                c.TurnDetection.Type,
			"threshold":           c.TurnDetection.Threshold,
			"silence_duration_ms": c.TurnDetection.SilenceDurationMs,
			"prefix_padding_ms":   c.TurnDetection.PrefixPaddingMs,
		},
	}
	if c.Instructions != "" {
		p["instructions"] = c.Instructions
	}
	return p
}

// Overrides carries the caller-supplied partial configuration. Zero values
// mean "keep the default"; Temperature is a pointer because 0 is in range.
type Overrides struct {
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// Apply merges o into a copy of defaults, validating every override and
// reporting all violations at once rather than the first found.
func (o Overrides) Apply(defaults SessionConfig) (SessionConfig, error) {
	cfg := defaults
	cfg.Modalities = append([]string(nil), defaults.Modalities...)

	var violations []string
	if o.Voice != "" {
		if !validVoice(o.Voice) {
			violations = append(violations, fmt.Sprintf("voice %q is not one of %s", o.Voice, strings.Join(Voices, ", ")))
		} else {
			cfg.Voice = o.Voice
		}
	}
	if o.Instructions != "" {
		if len(o.Instructions) > maxInstructionsLen {
			violations = append(violations, fmt.Sprintf("instructions exceed %d characters", maxInstructionsLen))
		} else {
			cfg.Instructions = o.Instructions
		}
	}
	if o.Temperature != nil {
		if *o.Temperature < 0 || *o.Temperature > 2 {
			violations = append(violations, fmt.Sprintf("temperature %v is outside [0, 2]", *o.Temperature))
		} else {
			cfg.Temperature = *o.Temperature
		}
	}
	if len(violations) > 0 {
		return SessionConfig{}, reliability.NewAPIError(
			"INVALID_SESSION_CONFIG",
			"session config validation failed: "+strings.Join(violations, "; "),
			"Please check your session settings and try again.",
			"", 400)
	}
	return cfg, nil
}

// TranscriptEntry is one decoded transcript item from the control channel.
// The core produces these and hands them to the observer; it never stores
// them itself.
type TranscriptEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Speaker    string    `json:"speaker"` // "user" or "assistant"
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}
