package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/makshsn/mpk-b24-api-sub000/internal/bitrix"
	"github.com/makshsn/mpk-b24-api-sub000/internal/config"
	"github.com/makshsn/mpk-b24-api-sub000/internal/pipeline"
	"github.com/makshsn/mpk-b24-api-sub000/internal/queue"
	"github.com/makshsn/mpk-b24-api-sub000/internal/router"
	"github.com/makshsn/mpk-b24-api-sub000/internal/snapshot"
	"github.com/makshsn/mpk-b24-api-sub000/internal/storage"
)

// engine bundles the stores and router the commands reconcile through.
type engine struct {
	store     *storage.Store
	snapshots *snapshot.Store
	registry  *router.Registry
	queue     *queue.Manager[pipeline.Result]
	router    *router.Router
}

func snapshotDir(cfg config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "snapshots")
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func openEngine(cfg config.Config) (*engine, error) {
	entities, err := config.LoadEntities(cfg.Engine.EntitiesFile)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	snaps, err := snapshot.Open(snapshotDir(cfg))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening snapshots: %w", err)
	}

	client := bitrix.NewClient(cfg.Bitrix.WebhookURL, cfg.Bitrix.RequestTimeout())
	client.SetMaxDownloadBytes(int64(cfg.Engine.MaxDownloadBytes))
	deps := pipeline.Deps{
		CRM:        bitrix.NewCRM(client),
		Tasks:      bitrix.NewTasks(client),
		Downloader: client,
		Snapshots:  snaps,
	}

	registry := router.NewRegistry()
	for _, ent := range entities {
		registry.Register(ent.EntityTypeID, pipeline.New(deps, ent, cfg.Engine))
		slog.Debug("entity registered", "entity_type_id", ent.EntityTypeID, "name", ent.Name)
	}

	q := router.NewQueue()
	return &engine{
		store:     store,
		snapshots: snaps,
		registry:  registry,
		queue:     q,
		router:    router.New(registry, q),
	}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}
