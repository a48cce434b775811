// Package transport serves the websocket endpoint that clients use to exchange live edits.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/clipsync/pkg/metrics"
	"github.com/astromechza/clipsync/pkg/protocol"
	"github.com/astromechza/clipsync/pkg/registry"
	"github.com/astromechza/clipsync/pkg/syncer"
)

var ErrShuttingDown = errors.New("websocket handler is shutting down")

type Coordinator interface {
	Begin(recordID int64) *syncer.PendingCommit
	Incremental(p protocol.IncrementalPacket) bool
}

type Registry interface {
	Register(c registry.Conn)
	Unregister(c registry.Conn)
}

type Options struct {
	SendBuffer      int
	CommitBuffer    int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// MaxEventsPerSecond limits inbound frames per connection. Zero disables the limit.
	MaxEventsPerSecond float64
	Burst              int
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:         256,
		CommitBuffer:       64,
		PingInterval:       30 * time.Second,
		PongTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxMessageBytes:    1 << 20,
		MaxEventsPerSecond: 100,
		Burst:              200,
	}
}

type Handler struct {
	coord    Coordinator
	peers    Registry
	opts     Options
	upgrader websocket.Upgrader
	validate *validator.Validate

	lock     sync.Mutex
	conns    map[*Conn]struct{}
	closing  bool
	sessions sync.WaitGroup
}

// commit is an edit_commit frame whose record has already been marked pending.
type commit struct {
	pending *syncer.PendingCommit
	packet  protocol.EditCommitPacket
}

func NewHandler(coord Coordinator, peers Registry, opts Options) *Handler {
	return &Handler{
		coord: coord,
		peers: peers,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		conns:    make(map[*Conn]struct{}),
	}
}

// Shutdown closes every live connection and waits for their sessions, including commits still queued on them, to
// finish. New upgrades are refused from the moment it is called.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.lock.Lock()
	h.closing = true
	for c := range h.conns {
		c.Close()
	}
	h.lock.Unlock()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions still running: %w", ctx.Err())
	}
}

func (h *Handler) startSession() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closing {
		return false
	}
	h.sessions.Add(1)
	return true
}

func (h *Handler) track(c *Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.conns[c] = struct{}{}
	if h.closing {
		c.Close()
	}
}

func (h *Handler) untrack(c *Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.conns, c)
}

// ServeHTTP upgrades the request and runs the connection until either side closes it. The connection id is the
// client_id query parameter when given, so a reconnecting client keeps its identity, otherwise a fresh uuid.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if !h.startSession() {
		http.Error(writer, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	id := request.URL.Query().Get("client_id")
	if id == "" {
		id = uuid.New().String()
	}

	ws, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}

	c := newConn(id, ws, h.opts.SendBuffer)
	h.track(c)
	defer h.untrack(c)
	_ = c.Send(protocol.Event{Name: protocol.EventSessionCreated, Data: protocol.SessionCreated{ClientID: id}})
	h.peers.Register(c)
	slog.Info("session started", "conn", id, "remote", request.RemoteAddr)

	ctx, cancel := context.WithCancel(context.WithoutCancel(request.Context()))
	defer cancel()

	commits := make(chan commit, h.opts.CommitBuffer)
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(h.opts)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.commitLoop(ctx, c, commits)
	}()

	h.readLoop(c, commits)

	h.peers.Unregister(c)
	close(commits)
	c.Close()
	wg.Wait()
	slog.Info("session disconnected", "conn", id)
}

// commitLoop applies a connection's commits one at a time so they persist in the order the client sent them,
// while its incrementals keep flowing through readLoop.
func (h *Handler) commitLoop(ctx context.Context, c *Conn, commits <-chan commit) {
	for cm := range commits {
		p := cm.packet
		if err := cm.pending.Apply(ctx, p); err != nil {
			slog.Error("commit not applied", "conn", c.id, "record", p.RecordID, "field", p.Field, "err", err)
		}
	}
}

func (h *Handler) readLoop(c *Conn, commits chan<- commit) {
	c.ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	var limiter *rate.Limiter
	if h.opts.MaxEventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.MaxEventsPerSecond), max(h.opts.Burst, 1))
	}

	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("connection closed unexpectedly", "conn", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}
		if limiter != nil && !limiter.Allow() {
			metrics.RateLimitedFrames.Inc()
			slog.Warn("rate limited, dropping frame", "conn", c.id)
			continue
		}
		if err := h.dispatch(c, p, commits); err != nil {
			slog.Warn("ignoring frame", "conn", c.id, "err", err)
		}
	}
}

func (h *Handler) dispatch(c *Conn, raw []byte, commits chan<- commit) error {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	switch env.Name {
	case protocol.EventEditCommit:
		var p protocol.EditCommitPacket
		if err := h.decode(env, &p); err != nil {
			return err
		}
		p.OriginID = c.id
		// pending from here, so incrementals read after this frame queue behind it
		commits <- commit{pending: h.coord.Begin(p.RecordID), packet: p}
	case protocol.EventEditIncremental:
		var p protocol.IncrementalPacket
		if err := h.decode(env, &p); err != nil {
			return err
		}
		p.OriginID = c.id
		h.coord.Incremental(p)
	default:
		return fmt.Errorf("unknown event %q", env.Name)
	}
	return nil
}

func (h *Handler) decode(env protocol.Envelope, into any) error {
	if err := json.Unmarshal(env.Data, into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", env.Name, err)
	}
	if err := h.validate.Struct(into); err != nil {
		return fmt.Errorf("invalid %s: %w", env.Name, err)
	}
	return nil
}
