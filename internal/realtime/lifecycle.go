package realtime

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/emma/internal/protocol"
	"github.com/ent0n29/emma/internal/reliability"
)

// State is the lifecycle manager's connection state.
type State string

const (
	StateIdle          State = "idle"
	StateIssuing       State = "issuing"
	StateNegotiating   State = "negotiating"
	StateActive        State = "active"
	StateDisconnecting State = "disconnecting"
)

// Observer receives lifecycle callbacks. All fields are optional. Callbacks
// are invoked outside the manager's lock but must not block for long; they
// run on the manager's goroutines.
type Observer struct {
	OnStateChange       func(old, new State)
	OnChannelOpen       func()
	OnTranscript        func(TranscriptEntry)
	OnUserSpeaking      func(bool)
	OnAssistantSpeaking func(bool)
	OnError             func(*reliability.Error)
}

// ManagerConfig tunes one lifecycle manager instance.
type ManagerConfig struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	StatusTimeout     time.Duration
	// NewTransport builds the local half of the peer connection for each
	// connection attempt. Defaults to NewLocalTransport.
	NewTransport func() Transport
}

// StatusReport is the answer to a side-effect-free status query.
type StatusReport struct {
	SessionID string        `json:"sessionId"`
	Exists    bool          `json:"exists"`
	Status    SessionStatus `json:"status,omitempty"`
}

// Manager owns one user-facing connection: it sequences issuance,
// negotiation and the control-event channel, and guarantees that local
// resources are released on every exit path. Only one connect may be in
// flight at a time; a second call fails fast instead of queuing.
type Manager struct {
	issuer     Issuer
	negotiator Negotiator
	media      MediaDevice
	dialer     ChannelDialer
	obs        Observer
	cfg        ManagerConfig

	mu            sync.Mutex
	state         State
	sess          *Session
	res           resources
	cancelConnect context.CancelFunc
}

type resources struct {
	media     MediaSession
	transport Transport
	channel   EventStream
}

// release closes everything acquired so far, in reverse acquisition order.
// Safe on partially-populated sets and on repeat calls with a zero value.
func (r resources) release() {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.transport != nil {
		_ = r.transport.Close()
	}
	if r.media != nil {
		_ = r.media.Close()
	}
}

func NewManager(issuer Issuer, negotiator Negotiator, media MediaDevice, dialer ChannelDialer, obs Observer, cfg ManagerConfig) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 10 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = NewLocalTransport
	}
	if media == nil {
		media = NoopMediaDevice{}
	}
	return &Manager{
		issuer:     issuer,
		negotiator: negotiator,
		media:      media,
		dialer:     dialer,
		obs:        obs,
		cfg:        cfg,
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the tracked session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return clone(m.sess)
}

// Connect runs the full issuance and negotiation sequence. Valid only from
// Idle; any failure tears down every partially-acquired resource, surfaces
// one classified error and returns the manager to Idle.
func (m *Manager) Connect(ctx context.Context, overrides Overrides) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return reliability.NewSessionError("CONNECTION_CONFLICT",
			"connect is only valid from idle, current state is "+string(state),
			"A connection attempt is already in progress.", "")
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancelConnect = cancel
	m.state = StateIssuing
	m.mu.Unlock()
	m.notifyState(StateIdle, StateIssuing)

	tctx, tcancel := context.WithTimeout(cctx, m.cfg.ConnectTimeout)
	defer tcancel()

	if err := m.doConnect(tctx, overrides); err != nil {
		classified := reliability.ClassifyTransport("connect", err)
		m.failConnect(classified)
		return classified
	}
	return nil
}

func (m *Manager) doConnect(ctx context.Context, overrides Overrides) error {
	sess, err := m.issuer.CreateSession(ctx, overrides)
	if err != nil {
		return err
	}
	if err := m.advance(StateIssuing, StateNegotiating, func(r *resources) { m.sess = sess }); err != nil {
		return err
	}

	// Media is acquired lazily, only once a credential exists, and is
	// registered immediately so every exit path can release it.
	mediaSess, err := m.media.Acquire(ctx)
	if err != nil {
		return classifyMedia(err)
	}
	if err := m.register(func(r *resources) { r.media = mediaSess }); err != nil {
		_ = mediaSess.Close()
		return err
	}

	transport := m.cfg.NewTransport()
	if err := m.register(func(r *resources) { r.transport = transport }); err != nil {
		_ = transport.Close()
		return err
	}
	offer, err := transport.CreateOffer()
	if err != nil {
		return err
	}

	answer, err := m.negotiator.Negotiate(ctx, sess, offer)
	if err != nil {
		return err
	}
	// The answer was validated by the negotiator; apply it exactly once.
	if err := transport.ApplyAnswer(answer); err != nil {
		return err
	}

	channel, err := m.dialer.Dial(ctx, sess)
	if err != nil {
		return err
	}
	if err := m.register(func(r *resources) { r.channel = channel }); err != nil {
		_ = channel.Close()
		return err
	}

	// Re-assert the merged configuration over the open channel so the
	// remote side applies the same voice and turn policy it was issued with.
	merged, err := overrides.Apply(DefaultSessionConfig())
	if err != nil {
		return err
	}
	if err := channel.Send(ctx, protocol.NewSessionUpdate(merged.UpdatePayload())); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateNegotiating {
		m.mu.Unlock()
		return abortedError()
	}
	m.sess.Status = StatusActive
	m.state = StateActive
	m.cancelConnect = nil
	sessionID := m.sess.ID
	m.mu.Unlock()

	m.notifyState(StateNegotiating, StateActive)
	if m.obs.OnChannelOpen != nil {
		m.obs.OnChannelOpen()
	}
	go m.pump(channel, sessionID)
	return nil
}

// advance moves the connect flow to its next state, failing when a
// concurrent disconnect already took the state machine away.
func (m *Manager) advance(from, to State, mutate func(r *resources)) error {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return abortedError()
	}
	if mutate != nil {
		mutate(&m.res)
	}
	m.state = to
	m.mu.Unlock()
	m.notifyState(from, to)
	return nil
}

// register attaches a freshly acquired resource while still negotiating.
func (m *Manager) register(mutate func(r *resources)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNegotiating {
		return abortedError()
	}
	mutate(&m.res)
	return nil
}

// failConnect tears down whatever the attempt acquired and surfaces the
// error, unless a concurrent disconnect already owns the teardown.
func (m *Manager) failConnect(classified *reliability.Error) {
	m.mu.Lock()
	inConnect := m.state == StateIssuing || m.state == StateNegotiating
	if !inConnect {
		m.mu.Unlock()
		return
	}
	from := m.state
	res := m.res
	m.res = resources{}
	m.sess = nil
	m.cancelConnect = nil
	m.state = StateIdle
	m.mu.Unlock()

	res.release()
	m.notifyState(from, StateIdle)
	if classified.Code != "CONNECTION_ABORTED" && m.obs.OnError != nil {
		m.obs.OnError(classified)
	}
}

// Disconnect releases all local resources and notifies the issuer on a
// best-effort basis. It is a no-op success from Idle, honors an in-flight
// connect by canceling it immediately, and never reports remote termination
// failure to the caller: the remote session self-expires.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateDisconnecting {
		m.mu.Unlock()
		return nil
	}
	from := m.state
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	res := m.res
	m.res = resources{}
	sess := m.sess
	m.sess = nil
	m.state = StateDisconnecting
	m.mu.Unlock()

	m.notifyState(from, StateDisconnecting)
	res.release()

	if sess != nil && sess.Status != StatusExpired {
		sess.Status = StatusTerminated
		m.terminateBestEffort(ctx, sess.ID)
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.notifyState(StateDisconnecting, StateIdle)
	return nil
}

func (m *Manager) terminateBestEffort(ctx context.Context, sessionID string) {
	policy := reliability.RetryPolicy{
		MaxAttempts:    2,
		BaseDelay:      500 * time.Millisecond,
		AttemptTimeout: m.cfg.DisconnectTimeout,
	}
	err := policy.Execute(ctx, func(attemptCtx context.Context) error {
		return m.issuer.Terminate(attemptCtx, sessionID)
	}, func(err error) bool {
		// Only server-side faults merit a second try here.
		ve, ok := reliability.AsError(err)
		return ok && ve.StatusCode >= 500
	})
	if err != nil {
		log.Printf("remote termination failed for session %s (session will self-expire): %v", sessionID, err)
	}
}

// Status answers a side-effect-free query about the tracked session. When
// the issuer reports not-found, the local session is marked expired.
func (m *Manager) Status(ctx context.Context) (StatusReport, error) {
	m.mu.Lock()
	sess := m.sess
	var snapshot *Session
	if sess != nil {
		snapshot = clone(sess)
	}
	m.mu.Unlock()

	if snapshot == nil {
		return StatusReport{Exists: false}, nil
	}
	if snapshot.ExpiredNow(time.Now().UTC()) {
		m.markExpired(snapshot.ID)
		return StatusReport{SessionID: snapshot.ID, Exists: false, Status: StatusExpired}, nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StatusTimeout)
	defer cancel()
	exists, err := m.issuer.SessionExists(sctx, snapshot.ID)
	if err != nil {
		return StatusReport{}, err
	}
	if !exists {
		m.markExpired(snapshot.ID)
		return StatusReport{SessionID: snapshot.ID, Exists: false, Status: StatusExpired}, nil
	}
	return StatusReport{SessionID: snapshot.ID, Exists: true, Status: snapshot.Status}, nil
}

func (m *Manager) markExpired(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.ID == sessionID && m.sess.Status != StatusTerminated {
		m.sess.Status = StatusExpired
	}
}

// pump consumes the control-event channel, translating transcript and
// speaking events into observer callbacks. It owns teardown when the remote
// side closes the channel underneath an active session.
func (m *Manager) pump(channel EventStream, sessionID string) {
	deltas := make(map[string]*strings.Builder)

	for ev := range channel.Events() {
		switch ev.Type {
		case protocol.TypeSpeechStarted:
			if m.obs.OnUserSpeaking != nil {
				m.obs.OnUserSpeaking(true)
			}
		case protocol.TypeSpeechStopped:
			if m.obs.OnUserSpeaking != nil {
				m.obs.OnUserSpeaking(false)
			}
		case protocol.TypeResponseCreated:
			if m.obs.OnAssistantSpeaking != nil {
				m.obs.OnAssistantSpeaking(true)
			}
		case protocol.TypeResponseDone:
			if m.obs.OnAssistantSpeaking != nil {
				m.obs.OnAssistantSpeaking(false)
			}
		case protocol.TypeTranscriptDelta:
			b, ok := deltas[ev.ResponseID]
			if !ok {
				b = &strings.Builder{}
				deltas[ev.ResponseID] = b
			}
			b.WriteString(ev.Delta)
		case protocol.TypeTranscriptDone:
			text := ev.Transcript
			if text == "" {
				if b, ok := deltas[ev.ResponseID]; ok {
					text = b.String()
				}
			}
			delete(deltas, ev.ResponseID)
			m.emitTranscript(sessionID, "assistant", text)
		case protocol.TypeInputTranscriptDone:
			m.emitTranscript(sessionID, "user", ev.Transcript)
		case protocol.TypeError:
			if m.obs.OnError != nil && ev.Error != nil {
				m.obs.OnError(reliability.NewAPIError(
					"OPENAI_ERROR",
					"upstream event error: "+ev.Error.Message,
					"The voice service reported a problem. Please try again.",
					"event-channel", 502))
			}
		}
	}

	m.handleChannelClosed()
}

func (m *Manager) emitTranscript(sessionID, speaker, text string) {
	if text == "" || m.obs.OnTranscript == nil {
		return
	}
	m.obs.OnTranscript(TranscriptEntry{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Speaker:    speaker,
		Text:       text,
		Timestamp:  time.Now().UTC(),
		Confidence: 1.0,
	})
}

// handleChannelClosed runs when the event channel ends. A deliberate
// disconnect already owns teardown; only an unexpected closure underneath
// an active session is handled here.
func (m *Manager) handleChannelClosed() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	res := m.res
	m.res = resources{}
	if m.sess != nil && m.sess.Status == StatusActive {
		m.sess.Status = StatusTerminated
	}
	m.sess = nil
	m.state = StateIdle
	m.mu.Unlock()

	res.release()
	m.notifyState(StateActive, StateIdle)
	if m.obs.OnError != nil {
		m.obs.OnError(reliability.NewConnectionError("CONNECTION_LOST",
			"control-event channel closed unexpectedly",
			"The connection was lost. Please reconnect."))
	}
}

func (m *Manager) notifyState(old, new State) {
	if m.obs.OnStateChange != nil && old != new {
		m.obs.OnStateChange(old, new)
	}
}

func abortedError() *reliability.Error {
	e := reliability.NewConnectionError("CONNECTION_ABORTED",
		"connection attempt canceled by disconnect",
		"Connection attempt was canceled.")
	e.Recoverable = false
	return e
}

func classifyMedia(err error) error {
	if _, ok := reliability.AsError(err); ok {
		return err
	}
	return reliability.NewAudioError("AUDIO_DEVICE_ERROR",
		"acquire local media: "+err.Error(),
		"Unable to access your microphone. Please check your audio settings.",
		"microphone", "")
}
