// Package syncer reconciles live incremental edits with persisted commits.
//
// A commit is pending from the moment it is received until its store call returns. Incremental packets for that
// record which arrive meanwhile are buffered and only fanned out after the commit's own broadcast, so no peer sees
// typing that followed a commit before the committed value itself. Every broadcast excludes the connection the event came from.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/clipsync/pkg/metrics"
	"github.com/astromechza/clipsync/pkg/protocol"
	"github.com/astromechza/clipsync/pkg/record"
)

// FailurePolicy decides what happens to buffered incrementals when the commit they waited on fails.
type FailurePolicy string

const (
	// FailureDrain fans the buffer out when the failed commit releases its gate.
	FailureDrain FailurePolicy = "drain"
	// FailureRetain keeps the buffer, and any later incrementals for the record, until a commit succeeds.
	FailureRetain FailurePolicy = "retain"
)

// Broadcaster fans an event out to every connection except the origin.
type Broadcaster interface {
	BroadcastExcept(originID, event string, data any) int
}

type Options struct {
	// PersistTimeout bounds each store call made while a gate is held. Zero disables the timeout.
	PersistTimeout time.Duration
	// MaxQueue caps the incrementals buffered per record. Zero or less is unbounded.
	MaxQueue      int
	Overflow      OverflowPolicy
	FailurePolicy FailurePolicy
}

func DefaultOptions() Options {
	return Options{
		PersistTimeout: 5 * time.Second,
		MaxQueue:       1024,
		Overflow:       DropOldest,
		FailurePolicy:  FailureDrain,
	}
}

type docState struct {
	gate  *Gate
	queue *Queue

	// straggler is closed once a store write abandoned by its persist timeout has returned.
	straggler chan struct{}
}

type Coordinator struct {
	store record.Store
	peers Broadcaster
	opts  Options

	lock sync.Mutex
	docs map[int64]*docState
}

func New(store record.Store, peers Broadcaster, opts Options) *Coordinator {
	if opts.Overflow == "" {
		opts.Overflow = DropOldest
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = FailureDrain
	}
	return &Coordinator{
		store: store,
		peers: peers,
		opts:  opts,
		docs:  make(map[int64]*docState),
	}
}

// PendingCommit is a commit that has been received but not yet applied. From Begin until Apply returns, the
// record's incrementals are buffered behind it.
type PendingCommit struct {
	c        *Coordinator
	recordID int64
	doc      *docState
	turn     *Turn
}

// Begin marks a commit for the record as pending and takes its place in the record's write order. Callers must
// follow every Begin with exactly one Apply.
func (c *Coordinator) Begin(recordID int64) *PendingCommit {
	c.lock.Lock()
	defer c.lock.Unlock()
	doc, ok := c.docs[recordID]
	if !ok {
		doc = &docState{gate: NewGate(), queue: NewQueue(c.opts.MaxQueue, c.opts.Overflow)}
		c.docs[recordID] = doc
	}
	return &PendingCommit{c: c, recordID: recordID, doc: doc, turn: doc.gate.Reserve()}
}

// Apply waits for every commit on the record begun before this one, persists one field and, when that succeeds,
// broadcasts the stored value followed by the incrementals that arrived before the next pending commit. The
// returned error is a *record.StorageError when the store failed or found no row.
func (pc *PendingCommit) Apply(ctx context.Context, p protocol.EditCommitPacket) error {
	c := pc.c
	if p.RecordID != pc.recordID {
		c.finish(pc, false)
		return fmt.Errorf("commit for record %d applied to pending commit for record %d", p.RecordID, pc.recordID)
	}
	field, err := record.ParseField(p.Field)
	if err != nil {
		c.finish(pc, false)
		return err
	}

	if err := pc.turn.Wait(ctx); err != nil {
		metrics.Commits.WithLabelValues("abandoned").Inc()
		c.finish(pc, false)
		return fmt.Errorf("waiting for pending write on record %d: %w", p.RecordID, err)
	}

	updated, err := c.persist(ctx, pc.doc, p.RecordID, record.Fields{field: p.Value})

	c.lock.Lock()
	defer c.lock.Unlock()

	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			metrics.Commits.WithLabelValues("not_found").Inc()
		} else {
			metrics.Commits.WithLabelValues("failed").Inc()
		}
		c.finishLocked(pc, false)
		return record.NewStorageError("update", p.RecordID, err)
	}

	metrics.Commits.WithLabelValues("applied").Inc()
	c.peers.BroadcastExcept(p.OriginID, protocol.EventCommitApplied, protocol.CommitApplied{
		RecordID: updated.ID,
		Field:    string(field),
		Value:    updated.Value(field),
	})
	c.finishLocked(pc, true)
	return nil
}

func (c *Coordinator) finish(pc *PendingCommit, applied bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.finishLocked(pc, applied)
}

// finishLocked hands the gate on, releases buffered incrementals unless a failure has to retain them, and forgets
// the record once nothing refers to it.
func (c *Coordinator) finishLocked(pc *PendingCommit, applied bool) {
	pc.turn.Done()
	if applied || c.opts.FailurePolicy == FailureDrain {
		c.drainLocked(pc.doc)
	}
	c.forgetLocked(pc.recordID, pc.doc)
}

func (c *Coordinator) forgetLocked(id int64, doc *docState) {
	if c.docs[id] == doc && !doc.gate.Held() && doc.queue.Len() == 0 && doc.straggler == nil {
		delete(c.docs, id)
	}
}

type persistResult struct {
	record record.Record
	err    error
}

// persist runs the store update detached from the caller's cancellation, so a client that disconnects mid-commit
// still gets its value written, but bounded by PersistTimeout. A store that ignores its context is abandoned when
// the timeout fires, and the next write on the record waits for it to return first.
func (c *Coordinator) persist(ctx context.Context, doc *docState, id int64, fields record.Fields) (record.Record, error) {
	ctx = context.WithoutCancel(ctx)
	if c.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.PersistTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}()

	c.lock.Lock()
	previous := doc.straggler
	c.lock.Unlock()
	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			slog.Error("earlier write still running, giving up", "record", id, "timeout", c.opts.PersistTimeout)
			return record.Record{}, ctx.Err()
		}
	}

	done := make(chan persistResult, 1)
	go func() {
		r, err := c.store.Update(ctx, id, fields)
		done <- persistResult{record: r, err: err}
	}()
	select {
	case res := <-done:
		return res.record, res.err
	case <-ctx.Done():
		slog.Error("persist timed out, releasing gate", "record", id, "timeout", c.opts.PersistTimeout)
		finished := make(chan struct{})
		c.lock.Lock()
		doc.straggler = finished
		c.lock.Unlock()
		go func() {
			res := <-done
			slog.Warn("abandoned write returned", "record", id, "err", res.err)
			c.lock.Lock()
			if doc.straggler == finished {
				doc.straggler = nil
			}
			c.forgetLocked(id, doc)
			c.lock.Unlock()
			close(finished)
		}()
		return record.Record{}, ctx.Err()
	}
}

// Incremental fans p out immediately unless its record has a pending commit or a retained backlog, in which case it
// is buffered behind them. It reports whether p was buffered.
func (c *Coordinator) Incremental(p protocol.IncrementalPacket) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	doc, ok := c.docs[p.RecordID]
	if ok && (doc.gate.Held() || doc.queue.Len() > 0) {
		dropped, err := doc.queue.Push(p, doc.gate.Last())
		switch {
		case err != nil:
			metrics.DroppedIncrementals.WithLabelValues("rejected").Inc()
			slog.Warn("dropping incremental", "record", p.RecordID, "origin", p.OriginID, "err", err)
			return false
		case dropped:
			metrics.DroppedIncrementals.WithLabelValues("overflow").Inc()
			slog.Warn("incremental queue overflow, dropped oldest", "record", p.RecordID)
		default:
			metrics.QueuedIncrementals.Inc()
		}
		return true
	}

	c.peers.BroadcastExcept(p.OriginID, protocol.EventIncrementalApplied, protocol.IncrementalApplied{
		RecordID: p.RecordID,
		Payload:  p.Payload,
	})
	return false
}

// drainLocked fans out the buffered incrementals that arrived before the oldest commit still pending, or all of
// them when none is.
func (c *Coordinator) drainLocked(doc *docState) {
	var pending []protocol.IncrementalPacket
	if oldest, ok := doc.gate.Oldest(); ok {
		pending = doc.queue.DrainBefore(oldest)
	} else {
		pending = doc.queue.Drain()
	}
	if len(pending) == 0 {
		return
	}
	metrics.QueuedIncrementals.Sub(float64(len(pending)))
	slog.Debug("draining incrementals", "count", len(pending))
	for _, p := range pending {
		c.peers.BroadcastExcept(p.OriginID, protocol.EventIncrementalApplied, protocol.IncrementalApplied{
			RecordID: p.RecordID,
			Payload:  p.Payload,
		})
	}
}

// Pending reports whether a commit has been received and not yet applied for the record, and how many incrementals
// are buffered behind it.
func (c *Coordinator) Pending(id int64) (pending bool, queued int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if doc, ok := c.docs[id]; ok {
		return doc.gate.Held(), doc.queue.Len()
	}
	return false, 0
}

// Create inserts a record and announces it to every connection but the origin. Nothing is broadcast on failure.
func (c *Coordinator) Create(ctx context.Context, originID string, draft record.Draft) (record.Record, error) {
	r, err := c.store.Insert(ctx, draft)
	if err != nil {
		return record.Record{}, err
	}
	c.peers.BroadcastExcept(originID, protocol.EventRecordCreated, r)
	return r, nil
}

// Remove marks a record as removed and announces its id to every connection but the origin. Nothing is broadcast
// on failure.
func (c *Coordinator) Remove(ctx context.Context, originID string, id int64) (record.Record, error) {
	r, err := c.store.MarkRemoved(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	c.peers.BroadcastExcept(originID, protocol.EventRecordRemoved, protocol.RecordRemoved{ID: r.ID})
	return r, nil
}

func (c *Coordinator) List(ctx context.Context) ([]record.Record, error) {
	return c.store.ListActive(ctx)
}
