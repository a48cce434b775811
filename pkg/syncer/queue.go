package syncer

import (
	"errors"

	"github.com/astromechza/clipsync/pkg/protocol"
)

var ErrQueueFull = errors.New("incremental queue is full")

// OverflowPolicy decides what a full Queue does with a new packet.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop-oldest"
	RejectNew  OverflowPolicy = "reject-new"
)

type queued struct {
	packet protocol.IncrementalPacket
	after  uint64
}

// Queue buffers incremental packets in arrival order, each tagged with the sequence of the latest commit received
// before it. It is not safe for concurrent use; the Coordinator guards it.
type Queue struct {
	items    []queued
	capacity int
	policy   OverflowPolicy
}

// NewQueue returns a queue holding at most capacity packets. A capacity of zero or less means unbounded.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if policy == "" {
		policy = DropOldest
	}
	return &Queue{capacity: capacity, policy: policy}
}

// Push appends p, which arrived after the commit numbered after. When the queue is full, DropOldest discards the head and reports dropped, while RejectNew
// leaves the queue unchanged and returns ErrQueueFull.
func (q *Queue) Push(p protocol.IncrementalPacket, after uint64) (dropped bool, err error) {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		if q.policy == RejectNew {
			return false, ErrQueueFull
		}
		q.items[0] = queued{}
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, queued{packet: p, after: after})
	return dropped, nil
}

// Drain returns every buffered packet in arrival order and leaves the queue empty.
func (q *Queue) Drain() []protocol.IncrementalPacket {
	return q.DrainBefore(^uint64(0))
}

// DrainBefore removes and returns, in arrival order, the packets that arrived before commit number limit was
// received. Tags never decrease along the queue, so this is always a prefix.
func (q *Queue) DrainBefore(limit uint64) []protocol.IncrementalPacket {
	n := 0
	for n < len(q.items) && q.items[n].after < limit {
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]protocol.IncrementalPacket, n)
	for i := range n {
		out[i] = q.items[i].packet
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out
}

func (q *Queue) Len() int {
	return len(q.items)
}
