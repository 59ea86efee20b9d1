package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/harun/reactor/pkg/agent"
)

// Frame is one state transition pushed to connected clients. Seq is
// monotonically increasing so clients can detect missed frames after a
// reconnect.
type Frame struct {
	Seq    uint64       `json:"seq"`
	Status agent.Status `json:"status"`
}

// Broadcaster fans run-state transitions out to websocket clients.
// A client that fails a write is dropped.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	seq   uint64
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Add registers a connection
func (b *Broadcaster) Add(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = struct{}{}
}

// Remove unregisters and closes a connection
func (b *Broadcaster) Remove(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[conn]; ok {
		delete(b.conns, conn)
		conn.Close()
	}
}

// ClientCount returns the number of connected clients
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Broadcast pushes one status to every client
func (b *Broadcaster) Broadcast(status agent.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	frame := Frame{Seq: b.seq, Status: status}

	for conn := range b.conns {
		if err := conn.WriteJSON(frame); err != nil {
			log.Debug().Err(err).Msg("Dropping gateway client after failed write")
			delete(b.conns, conn)
			conn.Close()
		}
	}
}

// CloseAll disconnects every client
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
		delete(b.conns, conn)
	}
}
