package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/makshsn/mpk-b24-api-sub000/internal/api"
	"github.com/makshsn/mpk-b24-api-sub000/internal/config"
	"github.com/makshsn/mpk-b24-api-sub000/internal/ingest"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

const (
	shutdownTimeout = 30 * time.Second
	eventRetention  = 7 * 24 * time.Hour
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the b24sync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running b24sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show b24sync server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "b24sync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	eng, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	if n, err := eng.store.RequeueRunning(); err != nil {
		return fmt.Errorf("recovering inbox: %w", err)
	} else if n > 0 {
		slog.Warn("requeued events interrupted by previous shutdown", "count", n)
	}
	if cfg.API.Token == "" {
		slog.Warn("api.token is not set; HTTP endpoints are unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, err := api.NewAppHandler(api.AppDeps{
		Store:     eng.store,
		Snapshots: eng.snapshots,
		Entities:  eng.registry,
		Queue:     eng.router,
		Token:     cfg.API.Token,
	})
	if err != nil {
		return fmt.Errorf("building HTTP handler: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := ingest.NewWorker(eng.store, eng.router, 500*time.Millisecond)
	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()
	go pruneLoop(ctx, eng.store)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("b24sync listening", "addr", addr, "entity_types", eng.registry.EntityTypes())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	<-workerDone
	if err := worker.Wait(shutdownCtx); err != nil {
		slog.Warn("reconciliations still running at shutdown", "items", eng.router.Pending(), "error", err)
	}
	if err := eng.queue.Wait(shutdownCtx); err != nil {
		slog.Warn("queue not drained", "error", err)
	}
	return serveErr
}

// pruneLoop deletes completed inbox events older than the retention window.
func pruneLoop(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.PruneEvents(time.Now().Add(-eventRetention))
		if err != nil {
			slog.Warn("pruning events", "error", err)
		} else if n > 0 {
			slog.Debug("pruned events", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("b24sync is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop b24sync (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to b24sync (PID %d)", pid)
	return nil
}

func showStatus() error {
	client, err := newAPIClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := client.health(ctx)
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		printStatus("Server", "error (%v)", err)
		return nil
	case err != nil:
		printStatus("Server", "stopped")
		return nil
	}

	printStatus("Server", "running at %s", client.baseURL)
	printStatus("Entity types", "%v", h.EntityTypes)
	printStatus("Pending events", "%d", h.PendingEvents)
	printStatus("Active items", "%d", h.ActiveItems)
	return nil
}
