package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/clipsync/pkg/metrics"
	"github.com/astromechza/clipsync/pkg/protocol"
)

// Conn is one connected party. Several Conn values may report the same ID when a client reconnects before its old
// connection has been torn down.
type Conn interface {
	ID() string
	// Send queues the event for delivery and must not block.
	Send(ev protocol.Event) error
}

// DeliveryError describes a failed send to a single connection during a broadcast.
type DeliveryError struct {
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver to connection %s: %v", e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Registry struct {
	lock  sync.RWMutex
	conns map[Conn]struct{}
}

func New() *Registry {
	return &Registry{conns: make(map[Conn]struct{})}
}

func (r *Registry) Register(c Conn) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.conns[c]; !ok {
		r.conns[c] = struct{}{}
		metrics.Connections.Inc()
	}
}

func (r *Registry) Unregister(c Conn) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.conns[c]; ok {
		delete(r.conns, c)
		metrics.Connections.Dec()
	}
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.conns)
}

// Broadcast delivers to every registered connection and returns how many accepted the event.
func (r *Registry) Broadcast(event string, data any) int {
	return r.deliver("", event, data)
}

// BroadcastExcept delivers to every registered connection whose ID differs from originID.
func (r *Registry) BroadcastExcept(originID, event string, data any) int {
	return r.deliver(originID, event, data)
}

func (r *Registry) deliver(excludeID, event string, data any) int {
	ev := protocol.Event{Name: event, Data: data}
	delivered := 0
	for _, c := range r.snapshot() {
		if excludeID != "" && c.ID() == excludeID {
			continue
		}
		if err := c.Send(ev); err != nil {
			metrics.DeliveryFailures.Inc()
			slog.Warn("broadcast skipped a connection", "event", event, "err", &DeliveryError{ConnID: c.ID(), Err: err})
			continue
		}
		delivered++
	}
	metrics.Broadcasts.WithLabelValues(event).Inc()
	return delivered
}

func (r *Registry) snapshot() []Conn {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}
