package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/middleware"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/metrics"
)

// DefaultHeartbeat is the interval between keepalive events.
const DefaultHeartbeat = 30 * time.Second

// StreamHandler relays session events to the UI over server-sent events.
type StreamHandler struct {
	session   *service.Session
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(s *service.Session, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &StreamHandler{
		session:   s,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// ConnectedEvent is the first event on every stream.
type ConnectedEvent struct {
	UserID string   `json:"user_id"`
	OpenID string   `json:"open_id,omitempty"`
	Online []string `json:"online"`
}

// HeartbeatEvent keeps idle connections open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream handles GET /api/v1/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so nothing between the two is lost.
	events := gateway.NewPump[model.Event]()
	defer events.Close()
	off := h.session.Events().On(events.Push)
	defer off()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithContext(middleware.GetCorrelationID(ctx), middleware.GetUserID(ctx))

	online := h.session.Presence().Online()
	if online == nil {
		online = []string{}
	}
	if err := sendSSEEvent(w, flusher, "connected", ConnectedEvent{
		UserID: h.session.Self().ID,
		OpenID: h.session.Store().OpenID(),
		Online: online,
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case ev, ok := <-events.C():
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", HeartbeatEvent{Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// sendSSEEvent writes one event frame and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
