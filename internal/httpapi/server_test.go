package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/emma/internal/config"
	"github.com/ent0n29/emma/internal/observability"
	"github.com/ent0n29/emma/internal/realtime"
	"github.com/ent0n29/emma/internal/transcript"
)

const validOfferSDP = "v=0\r\n" +
	"o=- 20518 0 IN IP4 203.0.113.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 54400 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n"

// fakeUpstream stands in for the external realtime service: JSON session
// issuance under /sessions and raw SDP exchange at the root.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "sess_upstream",
			"expires_at":    time.Now().Add(time.Minute).Unix(),
			"client_secret": map[string]any{"value": "ek_upstream"},
		})
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/sdp" {
			http.Error(w, "unexpected content type", http.StatusBadRequest)
			return
		}
		w.Write([]byte(validOfferSDP))
	})
	return httptest.NewServer(mux)
}

func newTestServer(t *testing.T, upstreamURL, namespace string) *httptest.Server {
	t.Helper()
	cfg := config.Config{}
	issuer := realtime.NewIssuerClient(realtime.IssuerConfig{
		APIKey:  "sk-test",
		BaseURL: upstreamURL,
	})
	negotiator := realtime.NewNegotiationClient(realtime.NegotiationConfig{
		BaseURL:        upstreamURL,
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: time.Second,
	})
	metrics := observability.NewMetrics("test_httpapi_" + namespace + "_" + time.Now().Format("150405000000000"))
	srv := New(cfg, issuer, negotiator, realtime.NewRegistry(), transcript.NewInMemoryStore(), metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSessionNegotiateTerminateFlow(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "flow")

	res := postJSON(t, ts.URL+"/v1/realtime/session", map[string]any{"voice": "shimmer"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created struct {
		SessionID    string `json:"sessionId"`
		ExpiresAt    int64  `json:"expiresAt"`
		ClientSecret string `json:"clientSecret"`
	}
	decodeBody(t, res, &created)
	if created.SessionID == "" || created.ClientSecret == "" {
		t.Fatalf("create response missing fields: %+v", created)
	}
	if created.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("expiresAt = %d, want future", created.ExpiresAt)
	}

	res = postJSON(t, ts.URL+"/v1/realtime/negotiate", map[string]any{
		"sessionId": created.SessionID,
		"sdp":       validOfferSDP,
		"type":      "offer",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("negotiate status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var negotiated struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	decodeBody(t, res, &negotiated)
	if negotiated.Type != "answer" || negotiated.SDP == "" {
		t.Fatalf("negotiate response = %+v", negotiated)
	}

	// A second exchange for the same session is a conflict, not a miss.
	res = postJSON(t, ts.URL+"/v1/realtime/negotiate", map[string]any{
		"sessionId": created.SessionID,
		"sdp":       validOfferSDP,
		"type":      "offer",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("repeat negotiate status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	var replayErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, res, &replayErr)
	if replayErr.Error.Code != "NEGOTIATION_REPLAY" {
		t.Fatalf("repeat negotiate code = %q, want NEGOTIATION_REPLAY", replayErr.Error.Code)
	}

	statusRes, err := http.Get(ts.URL + "/v1/realtime/status?sessionId=" + created.SessionID)
	if err != nil {
		t.Fatalf("status request error = %v", err)
	}
	var report realtime.StatusReport
	decodeBody(t, statusRes, &report)
	if !report.Exists || report.Status != realtime.StatusActive {
		t.Fatalf("status after negotiate = %+v, want exists active", report)
	}

	res = postJSON(t, ts.URL+"/v1/realtime/terminate", map[string]any{"sessionId": created.SessionID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("terminate status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var terminated struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeBody(t, res, &terminated)
	if !terminated.Success {
		t.Fatalf("terminate response = %+v, want success", terminated)
	}

	statusRes, err = http.Get(ts.URL + "/v1/realtime/status?sessionId=" + created.SessionID)
	if err != nil {
		t.Fatalf("status request error = %v", err)
	}
	decodeBody(t, statusRes, &report)
	if report.Exists {
		t.Fatalf("status after terminate = %+v, want exists=false", report)
	}
}

func TestCreateSessionRejectsBadOverrides(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "badoverrides")

	res := postJSON(t, ts.URL+"/v1/realtime/session", map[string]any{
		"voice":       "hal9000",
		"temperature": 5,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"requestId"`
	}
	decodeBody(t, res, &envelope)
	if envelope.Error.Code != "INVALID_SESSION_CONFIG" {
		t.Fatalf("error code = %q, want INVALID_SESSION_CONFIG", envelope.Error.Code)
	}
	if envelope.RequestID == "" {
		t.Fatal("error envelope missing requestId")
	}
}

func TestNegotiateUnknownSession(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "unknownsession")

	res := postJSON(t, ts.URL+"/v1/realtime/negotiate", map[string]any{
		"sessionId": "sess_never_issued",
		"sdp":       validOfferSDP,
		"type":      "offer",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, res, &envelope)
	if envelope.Error.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("error code = %q, want SESSION_NOT_FOUND", envelope.Error.Code)
	}
}

func TestNegotiateInvalidOffer(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "invalidoffer")

	res := postJSON(t, ts.URL+"/v1/realtime/session", nil)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	decodeBody(t, res, &created)

	res = postJSON(t, ts.URL+"/v1/realtime/negotiate", map[string]any{
		"sessionId": created.SessionID,
		"sdp":       "not an sdp payload",
		"type":      "offer",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, res, &envelope)
	if envelope.Error.Code != "INVALID_SDP" {
		t.Fatalf("error code = %q, want INVALID_SDP", envelope.Error.Code)
	}
}

func TestTerminateAlwaysReportsSuccess(t *testing.T) {
	// Upstream refuses the DELETE; the relay still reports success because
	// the remote session self-expires.
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "sess_x",
			"expires_at":    time.Now().Add(time.Minute).Unix(),
			"client_secret": "ek_x",
		})
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "terminatefail")

	res := postJSON(t, ts.URL+"/v1/realtime/session", nil)
	var created struct {
		SessionID string `json:"sessionId"`
	}
	decodeBody(t, res, &created)

	res = postJSON(t, ts.URL+"/v1/realtime/terminate", map[string]any{"sessionId": created.SessionID})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("terminate status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var terminated struct {
		Success bool `json:"success"`
	}
	decodeBody(t, res, &terminated)
	if !terminated.Success {
		t.Fatal("terminate must report success even when upstream fails")
	}
}

func TestStatusRequiresSessionID(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "statusparam")

	res, err := http.Get(ts.URL + "/v1/realtime/status")
	if err != nil {
		t.Fatalf("status request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()
	ts := newTestServer(t, upstream.URL, "transcript")

	for _, entry := range []map[string]any{
		{"sessionId": "sess_t", "speaker": "user", "text": "hello", "confidence": 1.0},
		{"sessionId": "sess_t", "speaker": "assistant", "text": "hi there", "confidence": 1.0},
	} {
		res := postJSON(t, ts.URL+"/v1/realtime/transcript", entry)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append status = %d, want %d", res.StatusCode, http.StatusCreated)
		}
		res.Body.Close()
	}

	res, err := http.Get(ts.URL + "/v1/realtime/transcript?sessionId=sess_t")
	if err != nil {
		t.Fatalf("get transcript error = %v", err)
	}
	var page struct {
		SessionID string             `json:"sessionId"`
		Entries   []transcript.Entry `json:"entries"`
	}
	decodeBody(t, res, &page)
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(page.Entries))
	}
	if page.Entries[0].Speaker != "user" || page.Entries[1].Speaker != "assistant" {
		t.Fatalf("entries out of order: %+v", page.Entries)
	}

	res = postJSON(t, ts.URL+"/v1/realtime/transcript", map[string]any{
		"sessionId": "sess_t", "speaker": "narrator", "text": "nope",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("append with bad speaker status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()
}

func TestCreateSessionWithoutServerCredential(t *testing.T) {
	upstream := fakeUpstream(t)
	defer upstream.Close()

	cfg := config.Config{}
	issuer := realtime.NewIssuerClient(realtime.IssuerConfig{APIKey: "", BaseURL: upstream.URL})
	negotiator := realtime.NewNegotiationClient(realtime.NegotiationConfig{BaseURL: upstream.URL})
	metrics := observability.NewMetrics("test_httpapi_nokey_" + time.Now().Format("150405000000000"))
	srv := New(cfg, issuer, negotiator, realtime.NewRegistry(), transcript.NewInMemoryStore(), metrics)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/realtime/session", nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, res, &envelope)
	if envelope.Error.Code != "MISSING_API_KEY" {
		t.Fatalf("error code = %q, want MISSING_API_KEY", envelope.Error.Code)
	}
}
