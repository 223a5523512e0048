package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/middleware"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// ConversationHandler handles conversation list endpoints.
type ConversationHandler struct {
	session *service.Session
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(s *service.Session, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		session: s,
		logger:  log,
	}
}

// ConversationListResponse is the body of GET /api/v1/conversations.
type ConversationListResponse struct {
	Conversations []model.Conversation `json:"conversations"`
	OpenID        string               `json:"open_id,omitempty"`
}

// OpenResponse is the body of POST /api/v1/conversations/:id/open.
type OpenResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type directRequest struct {
	UserID string `json:"user_id"`
}

type groupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// List handles GET /api/v1/conversations
// Supports ?archived=true and ?q=<name filter> on the active list.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	archived, _ := strconv.ParseBool(q.Get("archived"))

	var list []model.Conversation
	switch {
	case archived:
		list = h.session.Archived()
	case q.Get("q") != "":
		list = h.session.Search(q.Get("q"))
	default:
		list = h.session.Conversations()
	}
	if list == nil {
		list = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, ConversationListResponse{
		Conversations: list,
		OpenID:        h.session.Store().OpenID(),
	})
}

// OpenDirect handles POST /api/v1/conversations/direct
func (h *ConversationHandler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conv, err := h.session.OpenDirect(r.Context(), req.UserID)
	if err != nil {
		h.log(r).Warn("failed to open direct conversation", zap.String("other_id", req.UserID), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// CreateGroup handles POST /api/v1/conversations/groups
func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conv, err := h.session.CreateGroup(r.Context(), req.Name, req.MemberIDs)
	if err != nil {
		h.log(r).Warn("failed to create group", zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// Open handles POST /api/v1/conversations/:id/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.session.Open(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, OpenResponse{ConversationID: id, Messages: msgs})
}

// Archive handles POST /api/v1/conversations/:id/archive
func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unarchive handles POST /api/v1/conversations/:id/unarchive
func (h *ConversationHandler) Unarchive(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Unarchive(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.session.Delete(r.Context(), id); err != nil {
		h.log(r).Warn("failed to delete conversation", logger.ConversationID(id), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) log(r *http.Request) *logger.Logger {
	return h.logger.WithContext(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context()))
}
