package relay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connCloser combines io.Closer with comparable for map key usage.
type connCloser interface {
	comparable
	io.Closer
}

// ConnInfo is a point-in-time snapshot of one tracked connection, as
// returned by Snapshot. The gateway and remote-server listeners do not call
// Snapshot; they use the tracker only to add, remove, and close connections.
type ConnInfo struct {
	RemoteAddr string
	Since      time.Time
}

// Tracker manages a set of live connections so a listener can report an
// active-session count, list who's currently connected, and force-close
// everything on shutdown. It is shared by the gateway and remote-server
// listeners.
type Tracker[T connCloser] struct {
	mu          sync.Mutex
	connections map[T]ConnInfo
	count       atomic.Int64
}

// NewTracker creates an empty connection tracker.
func NewTracker[T connCloser]() *Tracker[T] {
	return &Tracker[T]{connections: make(map[T]ConnInfo)}
}

// Add registers a connection for tracking, recording its remote address (if
// the connection type exposes one) and the time it was added.
func (t *Tracker[T]) Add(conn T) {
	info := ConnInfo{Since: time.Now()}
	if ra, ok := any(conn).(interface{ RemoteAddr() net.Addr }); ok {
		if addr := ra.RemoteAddr(); addr != nil {
			info.RemoteAddr = addr.String()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = info
	t.count.Add(1)
}

// Remove unregisters a connection. Safe to call more than once.
func (t *Tracker[T]) Remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connections[conn]; ok {
		delete(t.connections, conn)
		t.count.Add(-1)
	}
}

// Count returns the number of currently tracked connections.
func (t *Tracker[T]) Count() int64 {
	return t.count.Load()
}

// Snapshot returns the recorded info for every currently tracked
// connection. The slice is a copy; callers can range over it without
// holding the tracker's lock.
func (t *Tracker[T]) Snapshot() []ConnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnInfo, 0, len(t.connections))
	for _, info := range t.connections {
		out = append(out, info)
	}
	return out
}

// CloseAll closes every tracked connection and resets the tracker.
func (t *Tracker[T]) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	t.connections = make(map[T]ConnInfo)
	t.count.Store(0)
}
