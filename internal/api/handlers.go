package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
	"github.com/google/uuid"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// createConversationHandler handles POST /conversations
func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createConversationHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	conversationID := uuid.NewString()
	if err := s.conversations.Open(r.Context(), conversationID, req.UserID); err != nil {
		slog.Error("Server.createConversationHandler: open failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create conversation"))
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversationID", conversationID, "userID", req.UserID)
	writeJSONResponse(w, http.StatusCreated, models.Success(models.CreateConversationResponse{
		ConversationID: conversationID,
		UserID:         req.UserID,
	}))
}

// postMessageHandler handles POST /conversations/{id}/messages
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var req models.PostMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.postMessageHandler: invalid JSON", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.limiter.Allow(conversationID) {
		slog.Warn("Server.postMessageHandler: rate limit exceeded", "conversationID", conversationID)
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Too many messages, slow down"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.messageTimeout)
	defer cancel()
	reply, err := s.conversations.Process(ctx, conversationID, req.Message)
	if err != nil {
		slog.Warn("Server.postMessageHandler: conversation busy", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Conversation is busy, try again"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.PostMessageResponse{
		ConversationID: conversationID,
		Reply:          reply,
	}))
}

// listMessagesHandler handles GET /conversations/{id}/messages[?limit=N]
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	msgs, err := s.records.GetMessages(conversationID, limit)
	if err != nil {
		slog.Error("Server.listMessagesHandler: read failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read messages"))
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// getStateHandler handles GET /conversations/{id}/state
func (s *Server) getStateHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadState(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// abandonHandler handles DELETE /conversations/{id}/state
func (s *Server) abandonHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, ok := s.loadState(w, conversationID); !ok {
		return
	}
	if err := s.conversations.Abandon(r.Context(), conversationID); err != nil {
		slog.Error("Server.abandonHandler: reset failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

// loadState writes a 404 or 500 response and returns false when the state cannot be served.
func (s *Server) loadState(w http.ResponseWriter, conversationID string) (*models.DialogueRecord, bool) {
	rec, err := s.records.GetDialogueState(conversationID)
	if err != nil {
		slog.Error("Server.loadState: read failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read conversation state"))
		return nil, false
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return nil, false
	}
	return rec, true
}

// listTasksHandler handles GET /users/{id}/tasks
func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	tasks, err := s.records.ListTasks(userID)
	if err != nil {
		slog.Error("Server.listTasksHandler: read failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list tasks"))
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// listHobbiesHandler handles GET /users/{id}/hobbies
func (s *Server) listHobbiesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	hobbies, err := s.records.ListHobbies(userID)
	if err != nil {
		slog.Error("Server.listHobbiesHandler: read failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list hobbies"))
		return
	}
	if hobbies == nil {
		hobbies = []models.Hobby{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(hobbies))
}

var errBadSignature = errors.New("invalid Twilio signature")

// twilioWebhookHandler handles POST /twilio/webhook
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if s.validator != nil {
		if err := s.verifyTwilio(r); err != nil {
			slog.Warn("Server.twilioWebhookHandler: rejected request", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}
	s.twilio.WebhookHandler(w, r)
}

func (s *Server) verifyTwilio(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return err
	}
	if !s.validator.Validate(s.publicURL(r), r.PostForm, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
		return errBadSignature
	}
	return nil
}

// publicURL is the URL Twilio signed: the configured one, or the request's own behind a proxy.
func (s *Server) publicURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
