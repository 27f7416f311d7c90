package realtime

import (
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/emma/internal/reliability"
)

func TestOverridesApplyMergesDefaults(t *testing.T) {
	defaults := DefaultSessionConfig()

	cfg, err := Overrides{}.Apply(defaults)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if cfg.Voice != "alloy" || cfg.Temperature != 0.8 {
		t.Fatalf("empty overrides changed defaults: %+v", cfg)
	}

	temp := 1.2
	cfg, err = Overrides{Voice: "nova", Temperature: &temp}.Apply(defaults)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if cfg.Voice != "nova" || cfg.Temperature != 1.2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.TurnDetection != defaults.TurnDetection {
		t.Fatalf("turn detection changed: %+v", cfg.TurnDetection)
	}
}

func TestOverridesApplyAggregatesViolations(t *testing.T) {
	temp := 5.0
	_, err := Overrides{
		Voice:        "hal9000",
		Instructions: strings.Repeat("x", maxInstructionsLen+1),
		Temperature:  &temp,
	}.Apply(DefaultSessionConfig())

	ve, ok := reliability.AsError(err)
	if !ok {
		t.Fatalf("Apply() error = %v, want classified", err)
	}
	if ve.Code != "INVALID_SESSION_CONFIG" {
		t.Fatalf("code = %q, want INVALID_SESSION_CONFIG", ve.Code)
	}
	// All three violations show up in one failure, not just the first.
	for _, needle := range []string{"voice", "instructions", "temperature"} {
		if !strings.Contains(ve.Message, needle) {
			t.Fatalf("message %q missing %q", ve.Message, needle)
		}
	}
}

func TestSessionExpiredNow(t *testing.T) {
	now := time.Now().UTC()
	s := &Session{ExpiresAt: now.Add(time.Minute)}
	if s.ExpiredNow(now) {
		t.Fatal("session with future expiry reported expired")
	}
	if !s.ExpiredNow(now.Add(2 * time.Minute)) {
		t.Fatal("session past expiry not reported expired")
	}
	unset := &Session{}
	if unset.ExpiredNow(now) {
		t.Fatal("zero expiry must never expire")
	}
}
