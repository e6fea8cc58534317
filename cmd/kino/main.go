package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/kinohq/kino/internal/api"
	"github.com/kinohq/kino/internal/config"
	"github.com/kinohq/kino/internal/engine"
	"github.com/kinohq/kino/internal/event"
	"github.com/kinohq/kino/internal/generator"
	"github.com/kinohq/kino/internal/plugin"
	"github.com/kinohq/kino/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("kino: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"frames_dir", cfg.FramesDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	broker := event.NewBroker()
	defer broker.Close()

	registry := plugin.NewRegistry()
	registry.Register(generator.TypeName, generator.NewFactory(generator.Config{
		FramesDir: cfg.FramesDir,
		Executor:  &generator.SimExecutor{StepDelay: time.Duration(cfg.StepDelayMS) * time.Millisecond},
		Frames:    db,
		Broker:    broker,
		Gate:      plugin.NewGate(1),
		Logger:    logger,
	}))

	eng := engine.New(db, registry, broker, logger)

	// Tasks persisted as running belong to a previous process and have no
	// executor; stop them before accepting new work.
	recovered, err := eng.RecoverOrphans(context.Background())
	if err != nil {
		log.Fatalf("failed to recover orphaned tasks: %v", err)
	}
	if recovered > 0 {
		logger.Warn("recovered orphaned tasks", "count", recovered)
	}

	srv := api.NewServer(cfg.ListenAddr, db, registry, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
