package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/emma/internal/config"
	"github.com/ent0n29/emma/internal/observability"
	"github.com/ent0n29/emma/internal/realtime"
	"github.com/ent0n29/emma/internal/reliability"
	"github.com/ent0n29/emma/internal/sdp"
	"github.com/ent0n29/emma/internal/transcript"
)

// Server is the relay surface: it keeps the upstream credential server-side
// and exposes JSON endpoints for session issuance, negotiation, termination,
// status and transcript archiving.
type Server struct {
	cfg         config.Config
	issuer      realtime.Issuer
	negotiator  realtime.Negotiator
	registry    *realtime.Registry
	transcripts transcript.Store
	metrics     *observability.Metrics
}

func New(cfg config.Config, issuer realtime.Issuer, negotiator realtime.Negotiator, registry *realtime.Registry, transcripts transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		issuer:      issuer,
		negotiator:  negotiator,
		registry:    registry,
		transcripts: transcripts,
		metrics:     metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/realtime/session", s.handleCreateSession)
	r.Post("/v1/realtime/negotiate", s.handleNegotiate)
	r.Post("/v1/realtime/terminate", s.handleTerminate)
	r.Get("/v1/realtime/status", s.handleStatus)
	r.Post("/v1/realtime/transcript", s.handleAppendTranscript)
	r.Get("/v1/realtime/transcript", s.handleGetTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"tracked_sessions": s.registry.ActiveCount(),
	})
}

type createSessionRequest struct {
	Voice        string   `json:"voice"`
	Instructions string   `json:"instructions"`
	Temperature  *float64 `json:"temperature"`
}

type createSessionResponse struct {
	SessionID    string `json:"sessionId"`
	ExpiresAt    int64  `json:"expiresAt"`
	ClientSecret string `json:"clientSecret"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}

	started := time.Now()
	sess, err := s.issuer.CreateSession(r.Context(), realtime.Overrides{
		Voice:        req.Voice,
		Instructions: req.Instructions,
		Temperature:  req.Temperature,
	})
	if err != nil {
		s.respondClassified(w, err)
		return
	}
	s.metrics.ObserveConnectLatency(time.Since(started))

	s.registry.Track(sess)
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:    sess.ID,
		ExpiresAt:    sess.ExpiresAt.Unix(),
		ClientSecret: sess.ClientSecret,
	})
}

type negotiateRequest struct {
	SessionID string `json:"sessionId"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

type negotiateResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var req negotiateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}
	if req.Type != "" && !sdp.ValidRole(req.Type) {
		respondError(w, http.StatusBadRequest, "INVALID_SDP", "type must be offer or answer")
		return
	}

	sess, err := s.registry.Get(req.SessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found or expired")
		return
	}
	if sess.Status == realtime.StatusExpired || sess.Status == realtime.StatusTerminated {
		s.metrics.SessionEvents.WithLabelValues("expired_rejected").Inc()
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found or expired")
		return
	}

	answer, err := s.negotiator.Negotiate(r.Context(), sess, req.SDP)
	if err != nil {
		s.metrics.NegotiationAttempts.WithLabelValues("failure").Inc()
		s.respondClassified(w, err)
		return
	}
	s.metrics.NegotiationAttempts.WithLabelValues("success").Inc()

	if err := s.registry.MarkActive(req.SessionID); err == nil {
		s.metrics.SessionEvents.WithLabelValues("activated").Inc()
		s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	}

	respondJSON(w, http.StatusOK, negotiateResponse{SDP: answer, Type: "answer"})
}

type terminateRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		// Termination is always reported as successful; there is nothing a
		// caller can usefully do with a failure here.
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "session termination requested",
		})
		return
	}

	if err := s.issuer.Terminate(r.Context(), req.SessionID); err != nil {
		log.Printf("best-effort termination of session %s failed: %v", req.SessionID, err)
		s.recordUpstreamError(err)
	}
	s.registry.Terminate(req.SessionID)
	s.metrics.ActiveSessions.Set(float64(s.registry.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("terminated").Inc()

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "session terminated",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "query parameter sessionId is required")
		return
	}

	sess, err := s.registry.Get(sessionID)
	if err != nil {
		respondJSON(w, http.StatusOK, realtime.StatusReport{SessionID: sessionID, Exists: false})
		return
	}
	exists := sess.Status == realtime.StatusCreating || sess.Status == realtime.StatusActive
	respondJSON(w, http.StatusOK, realtime.StatusReport{
		SessionID: sessionID,
		Exists:    exists,
		Status:    sess.Status,
	})
}

type appendTranscriptRequest struct {
	SessionID  string  `json:"sessionId"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleAppendTranscript(w http.ResponseWriter, r *http.Request) {
	var req appendTranscriptRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId and text are required")
		return
	}
	if req.Speaker != "user" && req.Speaker != "assistant" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "speaker must be user or assistant")
		return
	}

	entry := transcript.Entry{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		Speaker:    req.Speaker,
		Text:       req.Text,
		Confidence: req.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.transcripts.Append(r.Context(), entry); err != nil {
		log.Printf("append transcript for session %s: %v", req.SessionID, err)
		respondError(w, http.StatusInternalServerError, "TRANSCRIPT_STORE_ERROR", "failed to archive transcript entry")
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "query parameter sessionId is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.transcripts.BySession(r.Context(), sessionID, limit)
	if err != nil {
		log.Printf("read transcript for session %s: %v", sessionID, err)
		respondError(w, http.StatusInternalServerError, "TRANSCRIPT_STORE_ERROR", "failed to read transcript")
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"entries":   entries,
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{
		Error:     errorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	})
}

// respondClassified maps a classified error onto the wire. Only the
// sanitized user message leaves the relay; raw upstream detail stays in
// the server log.
func (s *Server) respondClassified(w http.ResponseWriter, err error) {
	ve, ok := reliability.AsError(err)
	if !ok {
		log.Printf("unclassified relay error: %v", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong. Please try again.")
		return
	}
	log.Printf("relay error %s/%s: %s", ve.Category, ve.Code, ve.Message)
	s.recordUpstreamError(err)
	respondError(w, statusFor(ve), ve.Code, ve.UserMessage)
}

func (s *Server) recordUpstreamError(err error) {
	if ve, ok := reliability.AsError(err); ok {
		s.metrics.UpstreamErrors.WithLabelValues(string(ve.Category), ve.Code).Inc()
	}
}

// statusFor picks the relay-facing HTTP status for a classified error.
// Upstream statuses carry through; category decides the rest.
func statusFor(e *reliability.Error) int {
	if e.StatusCode >= 400 && e.StatusCode < 600 {
		return e.StatusCode
	}
	switch e.Category {
	case reliability.CategoryAuthentication:
		// A missing or rejected server credential is the relay's fault as
		// far as the caller is concerned.
		return http.StatusInternalServerError
	case reliability.CategorySession:
		if e.Code == "CONNECTION_CONFLICT" {
			return http.StatusConflict
		}
		return http.StatusNotFound
	case reliability.CategoryConnection:
		if e.Code == "CONNECTION_TIMEOUT" {
			return http.StatusRequestTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
