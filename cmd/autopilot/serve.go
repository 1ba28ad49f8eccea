package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/server"
	"github.com/ShayCichocki/autopilot/internal/signals"
)

var (
	serveAddr     string
	serveProvider string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the orchestration API over HTTP",
	Long: `Serve starts a long-lived engine behind an HTTP API.

Plans are submitted with POST /api/v1/runs and controlled through
/api/v1/runs/:id/{pause,resume,cancel}. Events stream over a websocket
at /api/v1/runs/:id/events, and Prometheus metrics are exposed at
/metrics.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "Override the configured backend provider")
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, serveProvider)
	if err != nil {
		return err
	}
	defer a.Close()

	if watcher, err := signals.NewWatcher(cfg.StateDir, a.engine); err != nil {
		log.Printf("[serve] signal files disabled: %v", err)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srv := server.New(a.engine, server.Config{
		Addr:     addr,
		Store:    a.store,
		History:  a.journal,
		Gatherer: prometheus.DefaultGatherer,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	printStatus("✓", fmt.Sprintf("Listening on http://%s", addr), color.FgGreen)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	printStatus("■", "Shutting down", color.FgYellow)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
