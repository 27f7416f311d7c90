package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func trackedSession(id string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Status:       StatusCreating,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		ClientSecret: "ek_" + id,
	}
}

func TestRegistryTrackAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Track(trackedSession("sess_a", time.Minute))

	got, err := reg.Get("sess_a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCreating {
		t.Fatalf("status = %q, want creating", got.Status)
	}

	// Snapshots are isolated from registry state.
	got.Status = StatusTerminated
	again, err := reg.Get("sess_a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if again.Status != StatusCreating {
		t.Fatal("mutating a snapshot leaked into the registry")
	}

	if _, err := reg.Get("sess_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestRegistryLazyExpiry(t *testing.T) {
	reg := NewRegistry()
	reg.Track(trackedSession("sess_old", -time.Second))

	got, err := reg.Get("sess_old")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %q, want expired on first observation", got.Status)
	}
}

func TestRegistryStatusMonotonic(t *testing.T) {
	reg := NewRegistry()
	reg.Track(trackedSession("sess_m", time.Minute))

	if err := reg.MarkActive("sess_m"); err != nil {
		t.Fatalf("MarkActive() error = %v", err)
	}
	reg.Terminate("sess_m")

	// A terminal session never becomes active again.
	if err := reg.MarkActive("sess_m"); !errors.Is(err, ErrNotActivatable) {
		t.Fatalf("MarkActive() on terminated session = %v, want ErrNotActivatable", err)
	}
	got, err := reg.Get("sess_m")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusTerminated {
		t.Fatalf("status = %q, want terminated", got.Status)
	}
	if got.ClientSecret != "" {
		t.Fatal("terminated session still carries its credential")
	}
}

func TestRegistryActiveCount(t *testing.T) {
	reg := NewRegistry()
	reg.Track(trackedSession("sess_1", time.Minute))
	reg.Track(trackedSession("sess_2", time.Minute))
	_ = reg.MarkActive("sess_1")
	_ = reg.MarkActive("sess_2")

	if n := reg.ActiveCount(); n != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", n)
	}
	reg.Terminate("sess_2")
	if n := reg.ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", n)
	}
}

func TestRegistryExpireHook(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var expired []string
	reg.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	reg.Track(trackedSession("sess_hook", -time.Second))
	if _, err := reg.Get("sess_hook"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "sess_hook" {
		t.Fatalf("expire hook saw %v, want [sess_hook]", expired)
	}
}
