package network

import (
	"sync"
	"sync/atomic"
)

// Registry tracks the connections the broker currently has accepted,
// keyed by session ID. Unlike the teacher's connection Pool this borrows
// from, there is no idle list or reuse: an MQTT connection is not returned
// to a pool and handed to a different client later, so the cleanup-loop
// eviction of idle/expired entries that pool.go did has no equivalent here
// - a connection that goes idle past its keep-alive grace is torn down by
// frame.Read's deadline, not by a background sweep.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	total atomic.Int32

	closed atomic.Bool
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

// Add registers conn under sessionID. It returns ErrRegistryClosed once the
// registry has been closed (broker shutting down).
func (r *Registry) Add(sessionID string, conn *Connection) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[sessionID] = conn
	r.total.Add(1)

	return nil
}

func (r *Registry) Get(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[sessionID]
	return conn, ok
}

// Remove unregisters sessionID and closes its connection.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[sessionID]
	if !ok {
		return ErrConnectionNotFound
	}

	delete(r.conns, sessionID)
	r.total.Add(-1)

	return conn.Close()
}

// ForEach calls fn for every registered connection, stopping early if fn
// returns false. Used for broker-wide operations like a shutdown broadcast.
func (r *Registry) ForEach(fn func(sessionID string, conn *Connection) bool) {
	r.mu.RLock()
	type entry struct {
		id   string
		conn *Connection
	}
	entries := make([]entry, 0, len(r.conns))
	for id, conn := range r.conns {
		entries = append(entries, entry{id, conn})
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.id, e.conn) {
			break
		}
	}
}

func (r *Registry) Count() int {
	return int(r.total.Load())
}

// Close closes every registered connection and marks the registry closed to
// further Add calls.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, id)
	}
	r.total.Store(0)

	return nil
}

func (r *Registry) IsClosed() bool {
	return r.closed.Load()
}
