package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lavasoft/dispatcher-master/internal/events"
)

// EventsHandler handles the WebSocket upgrade endpoint GET /api/v1/events.
type EventsHandler struct {
	hub    *events.Hub
	token  string
	logger *zap.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(hub *events.Hub, token string, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, token: token, logger: logger.Named("events_handler")}
}

// ServeWS handles GET /api/v1/events?topics=workers,job:<uuid>&token=<token>.
// The token is passed as a query parameter rather than an Authorization
// header because browsers cannot set custom headers on the WebSocket
// handshake; it is checked only when the server was started with one.
func (h *EventsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			ErrUnauthorized(w)
			return
		}
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	if len(topics) == 0 {
		topics = []string{"workers"}
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("events: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("events: client connected", zap.String("remote_addr", r.RemoteAddr), zap.Strings("topics", topics))
	client.Run()
	h.logger.Info("events: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}
