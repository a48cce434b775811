package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/clipsync/pkg/config"
	"github.com/astromechza/clipsync/pkg/httpapi"
	"github.com/astromechza/clipsync/pkg/record"
	"github.com/astromechza/clipsync/pkg/registry"
	"github.com/astromechza/clipsync/pkg/store/postgres"
	"github.com/astromechza/clipsync/pkg/store/sqlite"
	"github.com/astromechza/clipsync/pkg/syncer"
	"github.com/astromechza/clipsync/pkg/transport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	var configPath, addr, dsn string
	cmd := &cobra.Command{
		Use:           "clipsync",
		Short:         "Shared clipboard server with live edit sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.Storage.DSN = dsn
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			slog.SetDefault(cfg.Log.NewLogger(os.Stderr))
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "the address to listen on")
	cmd.Flags().StringVar(&dsn, "db", "", "the sqlite path or postgres url to store records in")
	return cmd
}

func openStore(ctx context.Context, cfg config.StorageConfig) (record.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "sqlite":
		return sqlite.Open(cfg.DSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func serve(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	peers := registry.New()
	coord := syncer.New(store, peers, syncer.Options{
		PersistTimeout: cfg.Sync.PersistTimeout,
		MaxQueue:       cfg.Sync.MaxQueue,
		Overflow:       syncer.OverflowPolicy(cfg.Sync.Overflow),
		FailurePolicy:  syncer.FailurePolicy(cfg.Sync.FailurePolicy),
	})
	ws := transport.NewHandler(coord, peers, transport.Options{
		SendBuffer:         cfg.Transport.SendBuffer,
		CommitBuffer:       cfg.Transport.CommitBuffer,
		PingInterval:       cfg.Transport.PingInterval,
		PongTimeout:        cfg.Transport.PongTimeout,
		WriteTimeout:       cfg.Transport.WriteTimeout,
		MaxMessageBytes:    cfg.Transport.MaxMessageBytes,
		MaxEventsPerSecond: cfg.Transport.MaxEventsPerSecond,
		Burst:              cfg.Transport.Burst,
	})
	api := httpapi.NewServer(coord, ws, httpapi.Options{
		UploadsDir:     cfg.Uploads.Dir,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server is listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
		case <-gctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown incomplete", "err", err)
			_ = httpServer.Close()
		}
		// websocket sessions are hijacked, so the http server no longer tracks them
		if err := ws.Shutdown(shutdownCtx); err != nil {
			slog.Warn("websocket sessions did not finish", "err", err)
		}
		return nil
	})
	return g.Wait()
}
