package realtime

import "context"

// MediaSession is an acquired set of local media resources (microphone
// track, output sink). Close releases them and must be safe to call on
// every exit path, including after failures.
type MediaSession interface {
	Close() error
}

// MediaDevice acquires local media lazily, on first use within a connection
// attempt. Implementations map platform failures into Audio-category errors.
type MediaDevice interface {
	Acquire(ctx context.Context) (MediaSession, error)
}

// NoopMediaDevice satisfies MediaDevice for headless clients and tests where
// no real capture device exists. Acquisition always succeeds.
type NoopMediaDevice struct{}

type noopMediaSession struct{}

func (noopMediaSession) Close() error { return nil }

func (NoopMediaDevice) Acquire(context.Context) (MediaSession, error) {
	return noopMediaSession{}, nil
}
