package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/assistant"
	"github.com/zrchat/zrchat-client/internal/middleware"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/internal/validation"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// multipartOverhead is allowed on top of the upload limit for form framing.
const multipartOverhead = 1 << 20

// MessageHandler handles message endpoints.
type MessageHandler struct {
	session   *service.Session
	maxUpload int64
	logger    *logger.Logger
}

// NewMessageHandler creates a new message handler. maxUpload bounds the
// multipart body of media sends.
func NewMessageHandler(s *service.Session, maxUpload int64, log *logger.Logger) *MessageHandler {
	if maxUpload <= 0 {
		maxUpload = validation.DefaultMaxUploadBytes
	}
	return &MessageHandler{
		session:   s,
		maxUpload: maxUpload,
		logger:    log,
	}
}

// MessageListResponse is the body of GET /api/v1/conversations/:id/messages.
type MessageListResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type sendRequest struct {
	Text string `json:"text"`
}

// List handles GET /api/v1/conversations/:id/messages
// The conversation is opened first when it is not the open one.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var msgs []model.Message
	if h.session.Store().OpenID() == id {
		msgs = h.session.History()
	} else {
		var err error
		if msgs, err = h.session.Open(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, MessageListResponse{ConversationID: id, Messages: msgs})
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.session.SendText(r.Context(), id, req.Text)
	if err != nil {
		if errors.Is(err, assistant.ErrExhausted) {
			// The failure reply is part of the transcript; the client shows it.
			writeJSON(w, http.StatusBadGateway, msg)
			return
		}
		h.log(r).Warn("failed to send message", logger.ConversationID(id), zap.Error(err))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// SendMedia handles POST /api/v1/conversations/:id/media
// Expects a multipart form with a "file" part and an optional "kind"
// (image, audio or video) that otherwise follows the part's content type.
func (h *MessageHandler) SendMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := h.maxUpload + multipartOverhead
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	kind := kindOf(contentType)
	if v := r.FormValue("kind"); v != "" {
		if kind, err = model.ParseMediaKind(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	msg, err := h.session.SendMedia(r.Context(), id, kind, header.Filename, contentType, data)
	if err != nil {
		h.log(r).Warn("failed to send media",
			logger.ConversationID(id),
			zap.String("kind", string(kind)),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles POST /api/v1/messages/:id/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.session.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) log(r *http.Request) *logger.Logger {
	return h.logger.WithContext(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context()))
}

func kindOf(contentType string) model.MediaKind {
	major, _, _ := strings.Cut(validation.NormalizeContentType(contentType), "/")
	switch major {
	case "image":
		return model.MediaImage
	case "audio":
		return model.MediaAudio
	case "video":
		return model.MediaVideo
	}
	return ""
}
