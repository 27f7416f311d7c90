package realtime

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"github.com/ent0n29/emma/internal/reliability"
	"github.com/ent0n29/emma/internal/sdp"
)

// Transport is the local half of the peer connection: it produces the local
// offer and consumes the validated remote answer. An answer is applied at
// most once per transport instance.
type Transport interface {
	CreateOffer() (string, error)
	ApplyAnswer(answer string) error
	Close() error
}

// localTransport synthesizes a structurally valid audio offer and tracks the
// single permitted answer application. The actual media path is owned by the
// platform stack; this transport carries only the negotiation contract.
type localTransport struct {
	mu      sync.Mutex
	offer   string
	applied bool
	closed  bool
}

// NewLocalTransport returns a fresh transport for one connection attempt.
func NewLocalTransport() Transport {
	return &localTransport{}
}

func (t *localTransport) CreateOffer() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("transport closed")
	}
	if t.offer == "" {
		t.offer = buildAudioOffer()
	}
	return t.offer, nil
}

func (t *localTransport) ApplyAnswer(answer string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if t.applied {
		e := reliability.NewSessionError("NEGOTIATION_REPLAY",
			"remote description already applied to this transport",
			"This session is already connected. Please disconnect first.", "")
		e.StatusCode = http.StatusConflict
		return e
	}
	if !sdp.Validate(answer, sdp.RoleAnswer) {
		return reliability.NewAPIError("INVALID_RESPONSE_SDP",
			"remote answer failed structural validation",
			"Service returned invalid connection data. Please try again.",
			"", 502)
	}
	t.applied = true
	return nil
}

func (t *localTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func buildAudioOffer() string {
	sessID := rand.Int63()
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- %d 2 IN IP4 127.0.0.1\r\n", sessID)
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n")
	b.WriteString("c=IN IP4 0.0.0.0\r\n")
	b.WriteString("a=rtpmap:111 opus/48000/2\r\n")
	b.WriteString("a=sendrecv\r\n")
	return b.String()
}
