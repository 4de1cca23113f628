package historian

import (
	"sync"
	"time"
)

// ClientConnection is the observed state of one issued CCI.
type ClientConnection struct {
	CCI          uint32
	ClientLabel  string
	UserID       string
	RemoteAddr   string
	RegisteredAt time.Time
	LastSeenAt   time.Time
	RequestCount uint64
}

// ConnectionRegistry issues CCIs at handshake and reaps them on release or
// disconnect. CCIs are sequential and never reused within a process.
type ConnectionRegistry struct {
	mu      sync.Mutex
	nextCCI uint32
	active  map[uint32]*ClientConnection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{active: make(map[uint32]*ClientConnection)}
}

// Register issues a fresh CCI bound to the caller's identity.
func (r *ConnectionRegistry) Register(clientLabel, userID, remoteAddr string) ClientConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCCI++
	now := time.Now()
	conn := &ClientConnection{
		CCI:          r.nextCCI,
		ClientLabel:  clientLabel,
		UserID:       userID,
		RemoteAddr:   remoteAddr,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	r.active[conn.CCI] = conn
	return *conn
}

// Touch records activity on a CCI and reports whether it is live.
func (r *ConnectionRegistry) Touch(cci uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.active[cci]
	if !ok {
		return false
	}
	conn.LastSeenAt = time.Now()
	conn.RequestCount++
	return true
}

// Release reaps a CCI and reports whether it was live.
func (r *ConnectionRegistry) Release(cci uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[cci]; !ok {
		return false
	}
	delete(r.active, cci)
	return true
}

// Count returns the number of live CCIs.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Snapshot returns the live connections for the admin surface.
func (r *ConnectionRegistry) Snapshot() []ClientConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientConnection, 0, len(r.active))
	for _, conn := range r.active {
		out = append(out, *conn)
	}
	return out
}
