package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/ShayCichocki/autopilot/internal/config"
	"github.com/ShayCichocki/autopilot/internal/journal"
	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/orchestrator"
)

// closeSlack is added to the cancel grace when waiting for runs to stop.
const closeSlack = 5 * time.Second

// app is one wired engine and the resources it owns.
type app struct {
	engine  *orchestrator.Engine
	store   knowledge.Store
	journal *journal.SQLiteJournal
	backend llm.Backend
	grace   time.Duration

	closers []io.Closer
}

// newApp opens the stores, builds the backend and starts an engine.
// A knowledge store that cannot be opened is logged and skipped; recovery
// then runs without lessons.
func newApp(ctx context.Context, cfg *config.Config, provider string) (*app, error) {
	a := &app{grace: cfg.Policy().Loop.CancelGrace}

	fc := cfg.FactoryConfig()
	if provider != "" {
		fc.Provider = provider
	}
	backend, err := llm.New(ctx, fc)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	a.backend = backend
	if c, ok := backend.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	opts := []orchestrator.Option{orchestrator.WithPolicy(cfg.Policy())}

	table, err := cfg.Table()
	if err != nil {
		a.Close()
		return nil, err
	}
	opts = append(opts, orchestrator.WithSpecializations(table))

	if cfg.Knowledge.Path != "" {
		sqlStore, err := knowledge.Open(cfg.Knowledge.Path)
		if err != nil {
			log.Printf("[autopilot] knowledge store unavailable, continuing without lessons: %v", err)
		} else {
			a.closers = append(a.closers, sqlStore)
			a.store = knowledge.NewCachedStore(sqlStore, cfg.Knowledge.CacheSize, cfg.Knowledge.CacheTTL)
			opts = append(opts, orchestrator.WithKnowledgeStore(a.store))
		}
	}

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	a.journal = j
	a.closers = append(a.closers, j)
	opts = append(opts, orchestrator.WithJournal(j))

	if debug {
		logger := orchestrator.NewDebugLoggerForStateDir(cfg.StateDir)
		a.closers = append(a.closers, logger)
		opts = append(opts, orchestrator.WithLogger(logger))
	}

	engine, err := orchestrator.New(backend, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

// Close shuts the engine down and releases stores in reverse order.
func (a *app) Close() {
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.grace+closeSlack)
		if err := a.engine.Close(ctx); err != nil {
			log.Printf("[autopilot] engine close: %v", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}
