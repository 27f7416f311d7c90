package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/emma/internal/protocol"
	"github.com/ent0n29/emma/internal/reliability"
)

// mockIssuer counts calls and can be scripted to fail.
type mockIssuer struct {
	mu             sync.Mutex
	createCalls    int
	existsCalls    int
	terminateCalls int

	createErr    error
	exists       bool
	existsErr    error
	terminateErr error
	// terminateErrs overrides terminateErr per call when non-empty.
	terminateErrs []error
}

func (m *mockIssuer) CreateSession(ctx context.Context, overrides Overrides) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	now := time.Now().UTC()
	return &Session{
		ID:           "sess_mock",
		Status:       StatusCreating,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Minute),
		ClientSecret: "ek_mock",
	}, nil
}

func (m *mockIssuer) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	return m.exists, m.existsErr
}

func (m *mockIssuer) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateCalls++
	if len(m.terminateErrs) > 0 {
		err := m.terminateErrs[0]
		m.terminateErrs = m.terminateErrs[1:]
		return err
	}
	return m.terminateErr
}

func (m *mockIssuer) counts() (create, exists, terminate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.existsCalls, m.terminateCalls
}

// mockNegotiator returns a canned answer or a scripted error.
type mockNegotiator struct {
	mu    sync.Mutex
	calls int
	err   error
	// block, when set, holds Negotiate until the context is canceled.
	block bool
}

func (m *mockNegotiator) Negotiate(ctx context.Context, sess *Session, offer string) (string, error) {
	m.mu.Lock()
	m.calls++
	block := m.block
	err := m.err
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return validAnswerSDP, nil
}

func (m *mockNegotiator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockMediaSession tracks whether it was released.
type mockMediaSession struct {
	mu     sync.Mutex
	closed int
}

func (m *mockMediaSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockMediaSession) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockMediaDevice struct {
	sess *mockMediaSession
	err  error
}

func (d *mockMediaDevice) Acquire(ctx context.Context) (MediaSession, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.sess == nil {
		d.sess = &mockMediaSession{}
	}
	return d.sess, nil
}

// mockStream is a scriptable control-event channel.
type mockStream struct {
	events    chan protocol.ServerEvent
	closeOnce sync.Once
	mu        sync.Mutex
	closed    int
	sent      []any
}

func newMockStream() *mockStream {
	return &mockStream{events: make(chan protocol.ServerEvent, 16)}
}

func (s *mockStream) Events() <-chan protocol.ServerEvent { return s.events }

func (s *mockStream) Send(ctx context.Context, event any) error {
	s.mu.Lock()
	s.sent = append(s.sent, event)
	s.mu.Unlock()
	return nil
}

func (s *mockStream) sentMessages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *mockStream) emit(ev protocol.ServerEvent) { s.events <- ev }

type mockDialer struct {
	mu     sync.Mutex
	calls  int
	stream *mockStream
	err    error
}

func (d *mockDialer) Dial(ctx context.Context, sess *Session) (EventStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if d.stream == nil {
		d.stream = newMockStream()
	}
	return d.stream, nil
}

const validAnswerSDP = "v=0\r\n" +
	"o=- 4611731400430051337 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

func conflictErr() *reliability.Error {
	e := reliability.NewSessionError("CONNECTION_CONFLICT",
		"another client is already connected to this session",
		"This session is already in use.", "sess_mock")
	e.StatusCode = 409
	return e
}
