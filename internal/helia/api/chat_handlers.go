package api

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/heliachat/helia/internal/helia/chat"
	"github.com/heliachat/helia/internal/helia/relay"
	"github.com/heliachat/helia/internal/helia/store"
)

// sseSink writes orchestrator fragments as server-sent events. Headers go
// out lazily with the first fragment, so pre-stream failures can still be
// reported as a plain JSON error response.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	s.started = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseSink) Fragment(text string) error {
	s.start()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// end emits the explicit end-of-turn marker.
func (s *sseSink) end() {
	s.start()
	fmt.Fprint(s.w, "event: end\ndata: END\n\n")
	s.flusher.Flush()
}

// fail reports an unrecoverable error in-band. Only valid once streaming
// has begun; before that the caller sends a normal JSON error instead.
func (s *sseSink) fail(msg string) {
	fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", msg)
	s.flusher.Flush()
}

type chatSendRequest struct {
	ChatID      string `json:"chat_id"`
	Message     string `json:"message"`
	PersonaID   string `json:"persona_id,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	var req chatSendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "chat_id and message are required")
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	_, err = s.orch.Run(r.Context(), chat.Turn{
		UserID:      u.ID,
		ChatID:      req.ChatID,
		PersonaID:   req.PersonaID,
		SessionName: req.SessionName,
		Input:       req.Message,
		ImageURL:    req.ImageURL,
		Profile:     profileFromUser(u),
	}, sink)
	if err != nil {
		s.chatSendError(w, sink, req.ChatID, err)
		return
	}

	sink.end()
}

// chatSendError maps an orchestrator failure to either a structured JSON
// response (nothing streamed yet) or an in-band error marker (stream open).
func (s *Server) chatSendError(w http.ResponseWriter, sink *sseSink, chatID string, err error) {
	if sink.started {
		s.logger.Error("turn failed mid-stream", "chat_id", chatID, "error", err)
		sink.fail("the assistant could not finish this reply")
		return
	}
	switch {
	case errors.Is(err, chat.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, chat.ErrNoCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
	default:
		s.logger.Error("turn failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusBadGateway, "the assistant is unavailable right now")
	}
}

func profileFromUser(u *store.User) relay.Profile {
	return relay.Profile{
		Name:            u.Name.String,
		Age:             u.Age.String,
		Occupation:      u.Occupation.String,
		TonePreference:  u.TonePreference.String,
		TechFamiliarity: u.TechFamiliarity.String,
		ParentType:      u.ParentType.String,
		TimeWithKids:    u.TimeWithKids.String,
		Children:        u.Children.String,
	}
}

type sessionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func sessionToResponse(cs *store.ChatSession) sessionResponse {
	return sessionResponse{
		ID:        cs.ID,
		Name:      cs.Name,
		CreatedAt: cs.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: cs.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	sessions, err := s.store.ListSessions(r.Context(), u.ID, limit)
	if err != nil {
		s.internalError(w, r, "list sessions", err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, cs := range sessions {
		out = append(out, sessionToResponse(cs))
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	Name string `json:"name"`
}

// handleCreateSession opens an empty session ahead of the first turn. Most
// sessions are created implicitly by /chat/send; this exists so clients can
// show a conversation before any message is committed.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cs, err := s.store.GetOrCreateSession(r.Context(), u.ID, uuid.NewString(), req.Name)
	if err != nil {
		s.internalError(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(cs))
}

// ownedSession loads the session and verifies it belongs to the current
// user. Both missing and foreign sessions surface as a 404.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*store.ChatSession, bool) {
	u := currentUser(r.Context())
	cs, err := s.store.GetChatSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && cs.UserID != u.ID) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, "get session", err)
		return nil, false
	}
	return cs, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(cs))
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	var req renameSessionRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.store.RenameSession(r.Context(), cs.ID, req.Name); err != nil {
		s.internalError(w, r, "rename session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session renamed"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteChatSession(r.Context(), cs.ID); err != nil {
		s.internalError(w, r, "delete session", err)
		return
	}
	// The cached and shared working sets must not outlive the session.
	s.orch.Forget(r.Context(), cs.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "session deleted"})
}

type messageResponse struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ImageURL  string `json:"image_url,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.GetMessages(r.Context(), cs.ID)
	if err != nil {
		s.internalError(w, r, "get history", err)
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			Role:      m.Role,
			Content:   m.Content,
			ImageURL:  m.ImageURL.String,
			Timestamp: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type profileResponse struct {
	Name            string `json:"name,omitempty"`
	Age             string `json:"age,omitempty"`
	Occupation      string `json:"occupation,omitempty"`
	TonePreference  string `json:"tone_preference,omitempty"`
	TechFamiliarity string `json:"tech_familiarity,omitempty"`
	ParentType      string `json:"parent_type,omitempty"`
	TimeWithKids    string `json:"time_with_kids,omitempty"`
	Children        string `json:"children,omitempty"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())
	writeJSON(w, http.StatusOK, profileResponse{
		Name:            u.Name.String,
		Age:             u.Age.String,
		Occupation:      u.Occupation.String,
		TonePreference:  u.TonePreference.String,
		TechFamiliarity: u.TechFamiliarity.String,
		ParentType:      u.ParentType.String,
		TimeWithKids:    u.TimeWithKids.String,
		Children:        u.Children.String,
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r.Context())

	var req profileResponse
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated := *u
	updated.Name = nullable(req.Name)
	updated.Age = nullable(req.Age)
	updated.Occupation = nullable(req.Occupation)
	updated.TonePreference = nullable(req.TonePreference)
	updated.TechFamiliarity = nullable(req.TechFamiliarity)
	updated.ParentType = nullable(req.ParentType)
	updated.TimeWithKids = nullable(req.TimeWithKids)
	updated.Children = nullable(req.Children)

	if err := s.store.UpdateUserProfile(r.Context(), u.ID, &updated); err != nil {
		s.internalError(w, r, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "profile updated"})
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
