package fanout

import (
	"sync"

	"securechat/internal/observability/metrics"

	"github.com/google/uuid"
)

// Conn is a live connection able to push an envelope to its device. The
// connection layer implements it. The registry never calls Send itself;
// callers look up the conn and do socket I/O outside the registry lock.
type Conn interface {
	Send(payload []byte) error
}

// Registry is the live-connection-to-device map. It is guarded
// independently of the delivery tracker's state: a miss always means "queue
// for later", never an error.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]Conn)}
}

// Connect registers a device's live connection, replacing any previous one.
func (r *Registry) Connect(deviceID uuid.UUID, c Conn) {
	r.mu.Lock()
	r.conns[deviceID] = c
	size := len(r.conns)
	r.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(size))
}

// Disconnect removes the mapping, but only if it still points at c; a
// reconnect that already replaced the conn is left alone.
func (r *Registry) Disconnect(deviceID uuid.UUID, c Conn) {
	r.mu.Lock()
	if current, ok := r.conns[deviceID]; ok && current == c {
		delete(r.conns, deviceID)
	}
	size := len(r.conns)
	r.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(size))
}

func (r *Registry) Lookup(deviceID uuid.UUID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[deviceID]
	return c, ok
}
