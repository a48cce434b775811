package syncer

import (
	"context"
	"slices"
	"sync"
)

// Gate admits one writer at a time, in the order turns were reserved. A reserved turn counts as pending from the
// moment Reserve returns, before its holder ever waits.
type Gate struct {
	lock sync.Mutex
	line []*Turn
	last uint64
}

// Turn is a place in a Gate's line. Seq grows by one per Reserve.
type Turn struct {
	Seq   uint64
	gate  *Gate
	ready chan struct{}
	done  bool
}

func NewGate() *Gate {
	return &Gate{}
}

// Reserve joins the back of the line. The turn is ready immediately when the line was empty.
func (g *Gate) Reserve() *Turn {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.last++
	t := &Turn{Seq: g.last, gate: g, ready: make(chan struct{})}
	g.line = append(g.line, t)
	if len(g.line) == 1 {
		close(t.ready)
	}
	return t
}

// Wait blocks until every earlier turn is done or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done leaves the line and, when t was at the front, hands the gate to the next turn. Calling it twice is a no-op.
func (t *Turn) Done() {
	g := t.gate
	g.lock.Lock()
	defer g.lock.Unlock()
	if t.done {
		return
	}
	t.done = true
	i := slices.Index(g.line, t)
	if i < 0 {
		return
	}
	g.line = slices.Delete(g.line, i, i+1)
	if i == 0 && len(g.line) > 0 {
		close(g.line[0].ready)
	}
}

// Held reports whether any turn is reserved and not yet done.
func (g *Gate) Held() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return len(g.line) > 0
}

// Oldest returns the sequence of the front turn, or false when the line is empty.
func (g *Gate) Oldest() (uint64, bool) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if len(g.line) == 0 {
		return 0, false
	}
	return g.line[0].Seq, true
}

// Last returns the sequence of the most recently reserved turn, done or not.
func (g *Gate) Last() uint64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.last
}
