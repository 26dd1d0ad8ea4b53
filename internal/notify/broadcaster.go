package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 5 * time.Second

type subscriber struct {
	ranker string // empty receives every notice
	mu     sync.Mutex
}

// Broadcaster pushes notices to subscribed WebSocket connections as JSON text
// messages.
type Broadcaster struct {
	mu           sync.RWMutex
	connections  map[*websocket.Conn]*subscriber
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewBroadcaster creates an empty broadcaster. A nil logger uses slog.Default().
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		connections:  make(map[*websocket.Conn]*subscriber),
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
	}
}

// Subscribe registers conn. A non-empty ranker limits delivery to notices for
// that ranker.
func (b *Broadcaster) Subscribe(conn *websocket.Conn, ranker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[conn] = &subscriber{ranker: ranker}
}

// Unsubscribe removes conn.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connections, conn)
}

// Notify implements Notifier. Connections that fail a write are dropped.
func (b *Broadcaster) Notify(_ context.Context, n Notice) {
	b.mu.RLock()
	targets := make(map[*websocket.Conn]*subscriber, len(b.connections))
	for conn, sub := range b.connections {
		if sub.ranker == "" || sub.ranker == n.Ranker {
			targets[conn] = sub
		}
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	// Serialize once for every connection.
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("failed to marshal notice", "error", err)
		return
	}

	for conn, sub := range targets {
		sub.mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		sub.mu.Unlock()
		if err != nil {
			b.logger.Warn("failed to send notice to websocket client",
				"error", err,
				"ranker", n.Ranker,
			)
			b.Unsubscribe(conn)
			conn.Close()
		}
	}
}

// ConnectionCount returns the number of subscribed connections.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}
