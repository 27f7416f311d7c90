package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/emma/internal/reliability"
	"github.com/ent0n29/emma/internal/sdp"
)

// RelayClient talks to the local relay instead of the upstream issuer
// directly: session issuance, negotiation and termination all go through the
// relay's JSON endpoints. It satisfies both Issuer and Negotiator.
type RelayClient struct {
	baseURL string
	http    *http.Client

	negotiateTimeout time.Duration
	statusTimeout    time.Duration
}

func NewRelayClient(baseURL string) *RelayClient {
	return &RelayClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             &http.Client{},
		negotiateTimeout: 10 * time.Second,
		statusTimeout:    5 * time.Second,
	}
}

type relayErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *RelayClient) CreateSession(ctx context.Context, overrides Overrides) (*Session, error) {
	endpoint := r.baseURL + "/v1/realtime/session"
	body, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("marshal session overrides: %w", err)
	}

	res, err := r.postJSON(ctx, endpoint, body)
	if err != nil {
		return nil, reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, r.relayError(endpoint, res)
	}

	var parsed struct {
		SessionID    string `json:"sessionId"`
		ExpiresAt    int64  `json:"expiresAt"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, invalidIssuerResponse(endpoint, fmt.Sprintf("undecodable relay body: %v", err))
	}
	if parsed.SessionID == "" || parsed.ClientSecret == "" {
		return nil, invalidIssuerResponse(endpoint, "relay response missing session id or client secret")
	}

	now := time.Now().UTC()
	expiresAt := time.Unix(parsed.ExpiresAt, 0).UTC()
	if !expiresAt.After(now) {
		expiresAt = now.Add(time.Minute)
	}
	return &Session{
		ID:           parsed.SessionID,
		Status:       StatusCreating,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		ClientSecret: parsed.ClientSecret,
	}, nil
}

// Negotiate relays the offer through the local negotiate endpoint, which
// wraps the exchange in a JSON envelope (unlike the direct SDP boundary).
func (r *RelayClient) Negotiate(ctx context.Context, sess *Session, localOffer string) (string, error) {
	endpoint := r.baseURL + "/v1/realtime/negotiate"
	if sess == nil || sess.ID == "" {
		return "", reliability.NewSessionError("SESSION_NOT_FOUND",
			"negotiate called without a session",
			"Your session has expired. Please reconnect to continue.", "")
	}
	if !sdp.Validate(localOffer, sdp.RoleOffer) {
		return "", reliability.NewAPIError("INVALID_SDP",
			"local offer failed structural validation",
			"Please check your connection parameters and try again.",
			endpoint, 400)
	}

	body, err := json.Marshal(map[string]string{
		"sessionId": sess.ID,
		"sdp":       localOffer,
		"type":      string(sdp.RoleOffer),
	})
	if err != nil {
		return "", fmt.Errorf("marshal negotiate payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.negotiateTimeout)
	defer cancel()
	res, err := r.postJSON(reqCtx, endpoint, body)
	if err != nil {
		return "", reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", r.relayError(endpoint, res)
	}

	var parsed struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", invalidIssuerResponse(endpoint, fmt.Sprintf("undecodable relay body: %v", err))
	}
	if !sdp.Validate(parsed.SDP, sdp.RoleAnswer) {
		return "", reliability.NewAPIError("INVALID_RESPONSE_SDP",
			"relayed answer failed structural validation",
			"Service returned invalid connection data. Please try again.",
			endpoint, 502)
	}
	return parsed.SDP, nil
}

func (r *RelayClient) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	endpoint := r.baseURL + "/v1/realtime/status?sessionId=" + url.QueryEscape(sessionID)
	reqCtx, cancel := context.WithTimeout(ctx, r.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build status request: %w", err)
	}
	res, err := r.http.Do(req)
	if err != nil {
		return false, reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false, r.relayError(endpoint, res)
	}
	var parsed struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return false, invalidIssuerResponse(endpoint, fmt.Sprintf("undecodable relay body: %v", err))
	}
	return parsed.Exists, nil
}

func (r *RelayClient) Terminate(ctx context.Context, sessionID string) error {
	endpoint := r.baseURL + "/v1/realtime/terminate"
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return fmt.Errorf("marshal terminate payload: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.statusTimeout)
	defer cancel()
	res, err := r.postJSON(reqCtx, endpoint, body)
	if err != nil {
		return reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return r.relayError(endpoint, res)
	}
	return nil
}

// RecordTranscript archives one transcript entry through the relay. Archive
// failures are the caller's to log; the conversation keeps going without it.
func (r *RelayClient) RecordTranscript(ctx context.Context, entry TranscriptEntry) error {
	endpoint := r.baseURL + "/v1/realtime/transcript"
	body, err := json.Marshal(map[string]any{
		"sessionId":  entry.SessionID,
		"speaker":    entry.Speaker,
		"text":       entry.Text,
		"confidence": entry.Confidence,
	})
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, r.statusTimeout)
	defer cancel()
	res, err := r.postJSON(reqCtx, endpoint, body)
	if err != nil {
		return reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return r.relayError(endpoint, res)
	}
	return nil
}

func (r *RelayClient) postJSON(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.http.Do(req)
}

// relayError reconstructs a classified error from the relay's error
// envelope, falling back to plain status classification.
func (r *RelayClient) relayError(endpoint string, res *http.Response) error {
	var env relayErrorEnvelope
	detail := readBodySnippet(res.Body)
	if err := json.Unmarshal([]byte(detail), &env); err == nil && env.Error.Code != "" {
		switch env.Error.Code {
		case "SESSION_NOT_FOUND", "CONNECTION_CONFLICT":
			e := reliability.NewSessionError(env.Error.Code, env.Error.Message,
				"Your session is unavailable. Please reconnect.", "")
			e.StatusCode = res.StatusCode
			return e
		}
		e := reliability.ClassifyStatus(endpoint, res.StatusCode, env.Error.Message)
		e.Code = env.Error.Code
		return e
	}
	return reliability.ClassifyStatus(endpoint, res.StatusCode, detail)
}
