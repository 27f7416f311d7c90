package transcript

import (
	"context"
	"time"
)

// Entry stores a single user or assistant transcript line.
type Entry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store archives and retrieves session transcripts.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
