package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sutfleet/internal/eventbus"
	"sutfleet/internal/session"
)

const heartbeatInterval = 30 * time.Second

type EventsHandler struct {
	manager *session.Manager
	bus     eventbus.EventBus
	logger  *slog.Logger
}

func NewEventsHandler(m *session.Manager, bus eventbus.EventBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{manager: m, bus: bus, logger: logger}
}

// StreamEvents GET /api/v1/sessions/:name/events
// Pushes the session's status, run and progress events over SSE.
func (h *EventsHandler) StreamEvents(c *gin.Context) {
	name := c.Param("name")
	if _, err := h.manager.Get(name); err != nil {
		respondError(c, mapSessionError(err), err)
		return
	}
	if h.bus == nil {
		respondError(c, http.StatusServiceUnavailable, ErrEventsDisabled)
		return
	}

	eventCh, err := h.bus.Subscribe(c.Request.Context(), name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// The stream outlives the server's write timeout.
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Failed to disable write deadline for SSE", "error", err)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				Session:   event.Session,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-heartbeat.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
