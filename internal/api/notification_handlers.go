package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/onnwee/neuralrank/internal/middleware"
	"github.com/onnwee/neuralrank/internal/notify"
	"github.com/onnwee/neuralrank/internal/ranker"
)

// NotificationHandlers streams ranker notices over WebSocket.
type NotificationHandlers struct {
	registry    *ranker.Registry
	broadcaster *notify.Broadcaster
	upgrader    websocket.Upgrader
}

// NewNotificationHandlers creates notification handlers. checkOrigin may be
// nil to accept every origin.
func NewNotificationHandlers(registry *ranker.Registry, broadcaster *notify.Broadcaster, checkOrigin func(*http.Request) bool) *NotificationHandlers {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &NotificationHandlers{
		registry:    registry,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Subscribe handles GET /v1/notifications. An optional ?ranker= limits the
// stream to one ranker. Notices are sent as JSON text messages until the
// client disconnects.
func (h *NotificationHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	name := r.URL.Query().Get("ranker")
	if name != "" {
		if _, ok := h.registry.Get(name); !ok {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeRankerNotFound, fmt.Sprintf("ranker %q not found", name))
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"ranker", name,
		)
		return
	}

	h.broadcaster.Subscribe(conn, name)

	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "websocket client subscribed to notices",
		"ranker", name,
		"request_id", requestID,
	)

	defer func() {
		h.broadcaster.Unsubscribe(conn)
		conn.Close()
		slog.InfoContext(ctx, "websocket client unsubscribed",
			"ranker", name,
			"request_id", requestID,
		)
	}()

	// Clients do not send messages; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket connection closed unexpectedly",
					"error", err,
					"ranker", name,
				)
			}
			return
		}
	}
}
