package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/emma/internal/reliability"
	"github.com/ent0n29/emma/internal/sdp"
)

// Negotiator performs one offer/answer exchange for a session.
type Negotiator interface {
	Negotiate(ctx context.Context, sess *Session, localOffer string) (string, error)
}

// NegotiationConfig tunes the direct negotiation client.
type NegotiationConfig struct {
	BaseURL        string // realtime endpoint, e.g. https://api.openai.com/v1/realtime
	Model          string
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

// NegotiationClient submits a validated local offer directly to the remote
// realtime service, authenticated with the session's ephemeral credential,
// and returns the validated remote answer. Each session is negotiated at
// most once; a second exchange on the same session is a contract violation.
type NegotiationClient struct {
	cfg  NegotiationConfig
	http *http.Client

	mu       sync.Mutex
	consumed map[string]struct{}
}

func NewNegotiationClient(cfg NegotiationConfig) *NegotiationClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1/realtime"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &NegotiationClient{
		cfg:      cfg,
		http:     &http.Client{},
		consumed: make(map[string]struct{}),
	}
}

func (n *NegotiationClient) Negotiate(ctx context.Context, sess *Session, localOffer string) (string, error) {
	if sess == nil || sess.ID == "" {
		return "", reliability.NewSessionError("SESSION_NOT_FOUND",
			"negotiate called without a session",
			"Your session has expired. Please reconnect to continue.", "")
	}

	// Local validation failures never reach the network.
	if !sdp.Validate(localOffer, sdp.RoleOffer) {
		return "", reliability.NewAPIError("INVALID_SDP",
			"local offer failed structural validation",
			"Please check your connection parameters and try again.",
			n.endpoint(), 400)
	}

	n.mu.Lock()
	if _, done := n.consumed[sess.ID]; done {
		n.mu.Unlock()
		e := reliability.NewSessionError("NEGOTIATION_REPLAY",
			fmt.Sprintf("session %s was already negotiated; a remote description must not be applied twice", sess.ID),
			"This session is already connected. Please disconnect first.",
			sess.ID)
		e.StatusCode = http.StatusConflict
		return "", e
	}
	n.mu.Unlock()

	var answer string
	policy := reliability.RetryPolicy{
		MaxAttempts:    n.cfg.MaxAttempts,
		BaseDelay:      n.cfg.BaseDelay,
		AttemptTimeout: n.cfg.AttemptTimeout,
	}
	err := policy.Execute(ctx, func(attemptCtx context.Context) error {
		got, attemptErr := n.exchange(attemptCtx, sess, localOffer)
		if attemptErr != nil {
			return attemptErr
		}
		answer = got
		return nil
	}, reliability.IsRetryable)
	if err != nil {
		if _, ok := reliability.AsError(err); ok {
			return "", err
		}
		ce := reliability.ClassifyTransport(n.endpoint(), err)
		ce.SessionID = sess.ID
		return "", ce
	}

	n.mu.Lock()
	n.consumed[sess.ID] = struct{}{}
	n.mu.Unlock()
	return answer, nil
}

// exchange performs a single offer/answer round trip: raw SDP body out,
// raw SDP body back, no JSON envelope at this boundary.
func (n *NegotiationClient) exchange(ctx context.Context, sess *Session, localOffer string) (string, error) {
	endpoint := n.endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(localOffer))
	if err != nil {
		return "", fmt.Errorf("build negotiation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.ClientSecret)
	req.Header.Set("Content-Type", "application/sdp")

	res, err := n.http.Do(req)
	if err != nil {
		e := reliability.ClassifyTransport(endpoint, err)
		e.SessionID = sess.ID
		return "", e
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", mapNegotiationStatus(endpoint, sess.ID, res.StatusCode, readBodySnippet(res.Body))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		e := reliability.ClassifyTransport(endpoint, err)
		e.SessionID = sess.ID
		return "", e
	}
	answer := string(body)

	// A malformed answer from a reachable service is not transient, and
	// retrying risks double-negotiation side effects upstream.
	if !sdp.Validate(answer, sdp.RoleAnswer) {
		e := reliability.NewAPIError("INVALID_RESPONSE_SDP",
			"remote answer failed structural validation",
			"Service returned invalid connection data. Please try again.",
			endpoint, 502)
		e.Permanent = true
		e.SessionID = sess.ID
		return "", e
	}
	return answer, nil
}

func (n *NegotiationClient) endpoint() string {
	if n.cfg.Model == "" {
		return n.cfg.BaseURL
	}
	return n.cfg.BaseURL + "?model=" + n.cfg.Model
}

// mapNegotiationStatus maps statuses that carry a specific meaning at the
// negotiation boundary; everything else falls through to the generic table.
func mapNegotiationStatus(endpoint, sessionID string, statusCode int, detail string) *reliability.Error {
	switch statusCode {
	case http.StatusBadRequest:
		e := reliability.NewAPIError("INVALID_SDP",
			"upstream rejected negotiation payload: "+detail,
			"Please check your connection parameters and try again.",
			endpoint, statusCode)
		e.SessionID = sessionID
		return e
	case http.StatusNotFound:
		e := reliability.NewSessionError("SESSION_NOT_FOUND",
			"session not found or expired",
			"Your session has expired. Please reconnect to continue.",
			sessionID)
		e.StatusCode = statusCode
		return e
	case http.StatusConflict:
		e := reliability.NewSessionError("CONNECTION_CONFLICT",
			"session already has an active connection",
			"This session is already connected. Please disconnect first.",
			sessionID)
		e.StatusCode = statusCode
		return e
	case http.StatusTooManyRequests:
		e := reliability.NewAPIError("RATE_LIMIT_EXCEEDED",
			"too many negotiation attempts: "+detail,
			"Too many requests. Please wait a moment and try again.",
			endpoint, statusCode)
		e.SessionID = sessionID
		return e
	default:
		// Any server-side failure surfaces to callers as "upstream
		// unavailable"; the original status stays in the message for logs.
		if statusCode >= 500 {
			e := reliability.NewAPIError("CONNECTION_FAILED",
				fmt.Sprintf("upstream negotiation unavailable (status %d): %s", statusCode, detail),
				"Service temporarily unavailable. Please try again.",
				endpoint, http.StatusServiceUnavailable)
			e.SessionID = sessionID
			return e
		}
		e := reliability.ClassifyStatus(endpoint, statusCode, detail)
		e.SessionID = sessionID
		return e
	}
}
