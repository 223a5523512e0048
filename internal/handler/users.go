package handler

import (
	"net/http"

	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// UserHandler handles directory and presence endpoints.
type UserHandler struct {
	session *service.Session
	logger  *logger.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(s *service.Session, log *logger.Logger) *UserHandler {
	return &UserHandler{
		session: s,
		logger:  log,
	}
}

// MeResponse is the body of GET /api/v1/me.
type MeResponse struct {
	model.Identity
	Backend string `json:"assistant_backend"`
}

// Users handles GET /api/v1/users
func (h *UserHandler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.session.Users(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if users == nil {
		users = []model.UserRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// Me handles GET /api/v1/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	self := h.session.Self()
	if self.ID == "" {
		writeServiceError(w, service.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{Identity: self, Backend: h.session.Bridge().Backend()})
}

// Presence handles GET /api/v1/presence
func (h *UserHandler) Presence(w http.ResponseWriter, r *http.Request) {
	online := h.session.Presence().Online()
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"online": online})
}
