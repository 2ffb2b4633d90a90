package httpadapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/PabloGalante/farum-chat/internal/app/conversation"
	"github.com/PabloGalante/farum-chat/internal/app/speech"
	"github.com/PabloGalante/farum-chat/internal/app/state"
	"github.com/PabloGalante/farum-chat/internal/app/voice"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

// Deps are the collaborators served over HTTP. Voice, Speech, Player and
// Recognition may be nil; their routes then answer 503.
type Deps struct {
	Store        *state.Store
	Conversation *conversation.Service
	Voice        *voice.Machine
	Speech       *speech.Synthesizer
	Player       *speech.Player
	Recognition  http.Handler
	Metrics      *observability.Metrics

	RateLimit float64
	RateBurst int
}

type Server struct {
	Deps

	mu      sync.Mutex
	playing []domain.Playback
}

func NewServer(deps Deps) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = observability.DefaultMetrics()
	}
	s := &Server{Deps: deps}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/select", s.handleSelectSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)

	mux.HandleFunc("GET /input", s.handleGetInput)
	mux.HandleFunc("PUT /input", s.handleSetInput)
	mux.HandleFunc("POST /submit", s.handleSubmit)

	mux.HandleFunc("GET /memory", s.handleGetMemory)
	mux.HandleFunc("GET /model", s.handleGetModel)
	mux.HandleFunc("PUT /model", s.handleSelectModel)

	mux.HandleFunc("POST /speech", s.handleSpeak)
	mux.HandleFunc("DELETE /speech", s.handleStopSpeech)

	mux.HandleFunc("GET /voice", s.handleVoiceStatus)
	mux.HandleFunc("POST /voice/toggle", s.handleVoiceToggle)
	if deps.Recognition != nil {
		mux.Handle("GET /voice/recognition", deps.Recognition)
	}

	return chainMiddlewares(mux,
		withMetrics(deps.Metrics),
		withRateLimit(deps.RateLimit, deps.RateBurst),
		withCORS,
		withLogging,
		withRequestID,
	)
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type sessionResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	Current      bool      `json:"current"`
}

type attachmentPayload struct {
	MIMEType    string `json:"mime_type"`
	Data        string `json:"data,omitempty"` // base64
	Placeholder string `json:"placeholder,omitempty"`
}

type messageResponse struct {
	ID        string             `json:"id"`
	Role      string             `json:"role"`
	Text      string             `json:"text"`
	CreatedAt time.Time          `json:"created_at"`
	Image     *attachmentPayload `json:"image,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type getSessionResponse struct {
	Session  sessionResponse   `json:"session"`
	Messages []messageResponse `json:"messages"`
}

type sendMessageRequest struct {
	Text  string             `json:"text"`
	Image *attachmentPayload `json:"image,omitempty"`
}

type submitRequest struct {
	Image *attachmentPayload `json:"image,omitempty"`
}

type sendMessageResponse struct {
	UserMessage  messageResponse `json:"user_message"`
	ModelMessage messageResponse `json:"model_message"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type inputRequest struct {
	Text string `json:"text"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type speakRequest struct {
	Text   string `json:"text"`
	Stream bool   `json:"stream"`
}

type voiceResponse struct {
	State   string `json:"state"`
	Interim string `json:"interim,omitempty"`
	Notice  string `json:"notice,omitempty"`
}

// ─────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	current, _ := s.Store.Current()
	sessions := s.Store.Sessions()
	out := make([]sessionResponse, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, toSessionResponse(cs, current))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := s.Store.CreateSession()
	session, ok := s.Store.Session(id)
	if !ok {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session, id))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := domain.SessionID(r.PathValue("id"))
	session, ok := s.Store.Session(id)
	if !ok {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	current, _ := s.Store.Current()
	writeJSON(w, http.StatusOK, getSessionResponse{
		Session:  toSessionResponse(session, current),
		Messages: toMessagesResponse(session.Messages),
	})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.Title == "" {
		badRequest(w, "title is required")
		return
	}
	if !s.Store.RenameSession(domain.SessionID(r.PathValue("id")), req.Title) {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.Store.DeleteSession(domain.SessionID(r.PathValue("id"))) {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	if !s.Store.SelectSession(domain.SessionID(r.PathValue("id"))) {
		writeError(w, domain.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	out, err := s.Conversation.SendMessage(r.Context(), conversation.SendMessageInput{
		SessionID: domain.SessionID(r.PathValue("id")),
		Text:      req.Text,
		Image:     image,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSendMessageResponse(out))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	out, err := s.Conversation.SubmitPending(r.Context(), image)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSendMessageResponse(out))
}

func (s *Server) handleGetInput(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, inputRequest{Text: s.Store.PendingInput()})
}

func (s *Server) handleSetInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	s.Store.SetInput(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	memory, version := s.Store.Memory()
	writeJSON(w, http.StatusOK, map[string]any{"memory": memory, "version": version})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	known := make([]string, 0, len(domain.KnownModelVariants))
	for _, v := range domain.KnownModelVariants {
		known = append(known, string(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": s.Store.Model(), "known": known})
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	v, ok := domain.ParseModelVariant(req.Model)
	if !ok {
		badRequest(w, "unknown model")
		return
	}
	s.Store.SelectModel(v)
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────
// Speech and voice
// ─────────────────────────────────────────────

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.Speech == nil || s.Player == nil {
		unavailable(w, "speech is not configured")
		return
	}
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	// Playback outlives the request.
	ctx := context.WithoutCancel(r.Context())

	if req.Stream {
		if req.Text == "" {
			writeError(w, domain.ErrEmptyInput)
			return
		}
		s.track(s.Player.PlayStream(ctx, s.Speech.Stream(ctx, req.Text)))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	buf, err := s.Speech.Speak(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	pb, err := s.Player.Play(buf)
	if err != nil {
		writeError(w, err)
		return
	}
	s.track(pb)
	writeJSON(w, http.StatusAccepted, map[string]float64{"duration_seconds": buf.Duration()})
}

func (s *Server) handleStopSpeech(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	playing := s.playing
	s.playing = nil
	s.mu.Unlock()

	for _, pb := range playing {
		pb.Stop()
	}
	w.WriteHeader(http.StatusNoContent)
}

// track remembers pb until it finishes so DELETE /speech can stop it.
func (s *Server) track(pb domain.Playback) {
	s.mu.Lock()
	live := s.playing[:0]
	for _, p := range s.playing {
		select {
		case <-p.Done():
		default:
			live = append(live, p)
		}
	}
	s.playing = append(live, pb)
	s.mu.Unlock()
}

func (s *Server) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toVoiceResponse(s.Store.Voice()))
}

func (s *Server) handleVoiceToggle(w http.ResponseWriter, r *http.Request) {
	if s.Voice == nil {
		unavailable(w, "voice input is not configured")
		return
	}
	// A failed acquisition leaves the machine idle with a notice, which the
	// status below carries.
	if err := s.Voice.Toggle(); errors.Is(err, voice.ErrClosed) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVoiceResponse(s.Store.Voice()))
}

// ─────────────────────────────────────────────
// Conversion helpers
// ─────────────────────────────────────────────

func toSessionResponse(cs *domain.ChatSession, current domain.SessionID) sessionResponse {
	return sessionResponse{
		ID:           string(cs.ID),
		Title:        cs.Title,
		CreatedAt:    cs.CreatedAt,
		MessageCount: len(cs.Messages),
		Current:      cs.ID == current,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	resp := messageResponse{
		ID:        string(m.ID),
		Role:      string(m.Role),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
	switch c := m.Content.(type) {
	case domain.WithImage:
		resp.Image = &attachmentPayload{
			MIMEType:    c.Image.MIMEType,
			Data:        base64.StdEncoding.EncodeToString(c.Image.Data),
			Placeholder: c.Image.Placeholder,
		}
		if c.Image.Stripped() {
			resp.Image.Data = ""
		}
	case domain.Failed:
		resp.Error = c.Reason
	}
	return resp
}

func toMessagesResponse(msgs []*domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func toSendMessageResponse(out *conversation.SendMessageOutput) sendMessageResponse {
	return sendMessageResponse{
		UserMessage:  toMessageResponse(out.UserMessage),
		ModelMessage: toMessageResponse(out.ModelMessage),
	}
}

func toVoiceResponse(v state.VoiceStatus) voiceResponse {
	return voiceResponse{State: string(v.State), Interim: v.Interim, Notice: v.Notice}
}

var errInvalidImage = errors.New("image must carry a mime_type and base64 data")

func decodeImage(p *attachmentPayload) (*domain.Attachment, error) {
	if p == nil {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil || p.MIMEType == "" || len(data) == 0 {
		return nil, errInvalidImage
	}
	return &domain.Attachment{MIMEType: p.MIMEType, Data: data}, nil
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

func unavailable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": msg,
	})
}

// writeError maps core errors to a status code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrEmptyInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrTurnInFlight):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrNoAudioProduced), errors.Is(err, domain.ErrRateLimited):
		status, msg = http.StatusBadGateway, err.Error()
	case errors.Is(err, voice.ErrClosed):
		status, msg = http.StatusServiceUnavailable, err.Error()
	}
	if status == http.StatusInternalServerError {
		observability.Logger().Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
