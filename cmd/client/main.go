package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/astromechza/clipsync/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	c := &client{}
	cmd := &cobra.Command{
		Use:          "clipsync-client",
		Short:        "Connect to a clipsync server, print live events and optionally type into a record",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run()
		},
	}
	cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:5000", "the address to connect to")
	cmd.Flags().StringVar(&c.clientID, "client-id", "", "identity to connect with (server assigns one if empty)")
	cmd.Flags().Int64Var(&c.recordID, "record", 0, "record to type into; 0 only listens")
	cmd.Flags().DurationVar(&c.typeInterval, "type-interval", 200*time.Millisecond, "delay between simulated keystrokes")
	cmd.Flags().IntVar(&c.commitEvery, "commit-every", 10, "keystrokes between commits")
	return cmd.Execute()
}

type client struct {
	addr         string
	clientID     string
	recordID     int64
	typeInterval time.Duration
	commitEvery  int

	writeLock sync.Mutex
}

func (c *client) run() error {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	if c.clientID != "" {
		u.RawQuery = url.Values{"client_id": {c.clientID}}.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.printEvents(conn)
	}()

	if c.recordID > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.typeRandomlyContinuously(ctx, conn)
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	c.writeLock.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeLock.Unlock()
	_ = conn.Close()
	wg.Wait()
	return nil
}

func (c *client) printEvents(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			slog.Info("stopped reading", "err", err)
			return
		}
		slog.Info("received", "event", env.Name, "data", string(env.Data))
	}
}

func (c *client) send(conn *websocket.Conn, event string, data any) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return conn.WriteJSON(protocol.Event{Name: event, Data: data})
}

// typeRandomlyContinuously appends a random letter per tick as an incremental and commits the whole buffer every
// commitEvery keystrokes, the way an editor would on blur.
func (c *client) typeRandomlyContinuously(ctx context.Context, conn *websocket.Conn) {
	const letters = "abcdefghijklmnopqrstuvwxyz "
	var content []byte
	t := time.NewTicker(c.typeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			content = append(content, letters[rand.Intn(len(letters))])
			payload, _ := json.Marshal(string(content))
			if err := c.send(conn, protocol.EventEditIncremental, protocol.IncrementalPacket{
				RecordID: c.recordID,
				Payload:  payload,
			}); err != nil {
				slog.Error("failed to send incremental", "err", err)
				return
			}
			if c.commitEvery > 0 && len(content)%c.commitEvery == 0 {
				if err := c.send(conn, protocol.EventEditCommit, protocol.EditCommitPacket{
					RecordID: c.recordID,
					Field:    "content",
					Value:    string(content),
				}); err != nil {
					slog.Error("failed to send commit", "err", err)
					return
				}
				slog.Info("committed", "record", c.recordID, "length", len(content))
			}
		case <-ctx.Done():
			slog.Info("stopping scheduled typing")
			return
		}
	}
}
