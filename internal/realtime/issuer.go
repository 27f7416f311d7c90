package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/emma/internal/reliability"
)

// Issuer mints, inspects and terminates short-lived realtime sessions.
type Issuer interface {
	CreateSession(ctx context.Context, overrides Overrides) (*Session, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	Terminate(ctx context.Context, sessionID string) error
}

// IssuerConfig configures the upstream session issuer client.
type IssuerConfig struct {
	// APIKey is the process-wide shared credential. Empty means every
	// issuance fails fast with MISSING_API_KEY before any network call.
	APIKey   string
	BaseURL  string // e.g. https://api.openai.com/v1/realtime
	Model    string
	Defaults SessionConfig

	CreateTimeout time.Duration
	StatusTimeout time.Duration
}

// IssuerClient calls the external session issuer over HTTPS. It holds no
// mutable state beyond the HTTP client; issuance has no side effects.
type IssuerClient struct {
	cfg  IssuerConfig
	http *http.Client
}

func NewIssuerClient(cfg IssuerConfig) *IssuerClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1/realtime"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview-2024-10-01"
	}
	if cfg.Defaults.Voice == "" {
		cfg.Defaults = DefaultSessionConfig()
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 30 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	return &IssuerClient{
		cfg:  cfg,
		http: &http.Client{},
	}
}

type createSessionPayload struct {
	Model         string        `json:"model"`
	Voice         string        `json:"voice"`
	Instructions  string        `json:"instructions,omitempty"`
	Temperature   float64       `json:"temperature"`
	Modalities    []string      `json:"modalities"`
	TurnDetection TurnDetection `json:"turn_detection"`
}

type createSessionResponse struct {
	ID           string          `json:"id"`
	ExpiresAt    int64           `json:"expires_at"`
	ClientSecret json.RawMessage `json:"client_secret"`
}

// CreateSession validates overrides, merges them with the defaults and
// requests a session from the issuer. The response must carry both an id and
// a non-empty credential; a reachable issuer returning a malformed body is a
// contract violation, not a transient condition, so it is never retried.
func (c *IssuerClient) CreateSession(ctx context.Context, overrides Overrides) (*Session, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, reliability.NewAuthenticationError(
			"MISSING_API_KEY",
			"issuer credential not configured",
			"Server configuration error. Please contact support.",
			"api_key", 0)
	}

	cfg, err := overrides.Apply(c.cfg.Defaults)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(createSessionPayload{
		Model:         c.cfg.Model,
		Voice:         cfg.Voice,
		Instructions:  cfg.Instructions,
		Temperature:   cfg.Temperature,
		Modalities:    cfg.Modalities,
		TurnDetection: cfg.TurnDetection,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session payload: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/sessions"
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.CreateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail := readBodySnippet(res.Body)
		return nil, reliability.ClassifyStatus(endpoint, res.StatusCode, detail)
	}

	var parsed createSessionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, invalidIssuerResponse(endpoint, fmt.Sprintf("undecodable body: %v", err))
	}
	secret := secretValue(parsed.ClientSecret)
	if parsed.ID == "" || secret == "" {
		return nil, invalidIssuerResponse(endpoint, "response missing session id or client secret")
	}

	now := time.Now().UTC()
	expiresAt := time.Unix(parsed.ExpiresAt, 0).UTC()
	if !expiresAt.After(now) {
		// Issuer clock skew or an already-dead session; keep the invariant
		// expiresAt > createdAt with a minimal window.
		expiresAt = now.Add(time.Minute)
	}
	return &Session{
		ID:           parsed.ID,
		Status:       StatusCreating,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		ClientSecret: secret,
	}, nil
}

// SessionExists queries the issuer for the session. A 404 is a definitive
// "gone", not an error.
func (c *IssuerClient) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	endpoint := c.cfg.BaseURL + "/sessions/" + sessionID
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return false, reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return true, nil
	default:
		return false, reliability.ClassifyStatus(endpoint, res.StatusCode, readBodySnippet(res.Body))
	}
}

// Terminate asks the issuer to end the session. Remote sessions self-expire,
// so callers treat failures here as best-effort.
func (c *IssuerClient) Terminate(ctx context.Context, sessionID string) error {
	endpoint := c.cfg.BaseURL + "/sessions/" + sessionID
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build terminate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return reliability.ClassifyTransport(endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 || res.StatusCode == http.StatusNotFound {
		return nil
	}
	return reliability.ClassifyStatus(endpoint, res.StatusCode, readBodySnippet(res.Body))
}

func invalidIssuerResponse(endpoint, detail string) *reliability.Error {
	e := reliability.NewAPIError(
		"INVALID_RESPONSE",
		"issuer violated its contract: "+detail,
		"Service temporarily unavailable. Please try again.",
		endpoint, 502)
	e.Permanent = true
	return e
}

// secretValue accepts either the bare string form or the object form
// {"value": "..."} the issuer has used across API revisions.
func secretValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value
	}
	return ""
}

func readBodySnippet(r io.Reader) string {
	const maxSnippet = 2048
	b, err := io.ReadAll(io.LimitReader(r, maxSnippet))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
