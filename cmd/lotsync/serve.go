package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"github.com/robinfolio/lotsync/internal/api"
	"github.com/robinfolio/lotsync/internal/feed"
	"github.com/robinfolio/lotsync/internal/syncer"
)

type serveCmd struct {
	addr string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "serve positions, reports and sync runs over HTTP" }
func (*serveCmd) Usage() string {
	return `lotsync serve [-addr :8080]

  Starts the HTTP server: /health, /metrics, /api/v1/positions/{symbol},
  /api/v1/positions/{symbol}/report, POST /api/v1/sync and the /api/v1/ws
  progress feed. Stops gracefully on SIGINT or SIGTERM.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "listen address (default :$PORT)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	hub := feed.NewHub(nil)
	a, err := openApp(ctx, true, syncer.WithNotifier(hub))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	go hub.Run()
	defer hub.Close()

	srvAPI := api.NewServer(a.syncer,
		api.WithHub(hub),
		api.WithDefaultSymbols(a.cfg.Symbols),
		api.WithLogger(a.logger),
	)

	addr := c.addr
	if addr == "" {
		addr = ":" + a.cfg.Port
	}
	srv := &http.Server{
		Addr:        addr,
		Handler:     srvAPI.Routes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("lotsync listening", "addr", addr, "store", a.cfg.Store)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		slog.Error("server error", "err", err)
		return subcommands.ExitFailure
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down lotsync...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := srvAPI.Shutdown(shutdownCtx); err != nil {
		slog.Error("background syncs did not finish", "err", err)
	}
	slog.Info("lotsync stopped")
	return subcommands.ExitSuccess
}
