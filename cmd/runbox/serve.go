package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/storage"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox HTTP server",
	Long: `Start the runbox HTTP server.

POST /run executes a submission and returns its result. The API under /api
adds a WebSocket endpoint, runtime listing and execution history.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{withStore: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Sandbox.WatchRuntimes {
		go func() {
			if err := a.runtimes.Watch(ctx, a.cfg.Sandbox.RuntimesDir, a.log.WithField("component", "runtimes")); err != nil {
				a.log.WithError(err).Warn("runtime profile watcher stopped")
			}
		}()
	}
	if a.store != nil && a.cfg.Storage.Retention > 0 {
		go pruneLoop(ctx, a.store, a.cfg.Storage.Retention, a)
	}

	port := a.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(a.cfg.Server, a.engine, a.store, a.log.WithField("component", "http"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(port)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		a.log.WithError(err).Warn("shutdown")
	}
	return nil
}

// pruneLoop drops audit records older than retention, once at startup and
// then hourly.
func pruneLoop(ctx context.Context, store storage.Store, retention time.Duration, a *app) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			a.log.WithError(err).Warn("pruning execution history")
		case n > 0:
			a.log.Infof("pruned %d executions older than %s", n, retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
