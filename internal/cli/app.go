package cli

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/opstrack/internal/backend"
	"github.com/seantiz/opstrack/internal/config"
	"github.com/seantiz/opstrack/internal/engine"
	"github.com/seantiz/opstrack/internal/events"
	"github.com/seantiz/opstrack/internal/model"
	"github.com/seantiz/opstrack/internal/operations"
	"github.com/seantiz/opstrack/internal/reconcile"
	"github.com/seantiz/opstrack/internal/store"
	"github.com/seantiz/opstrack/internal/tracker"
	"github.com/seantiz/opstrack/internal/workflow"
)

// app holds the wired components shared by serve and reconcile.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	engine     *engine.Engine
	broker     *events.Broker
	backends   *backend.Registry
	reconciler *reconcile.Reconciler
	ops        *operations.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL,
		PingTimeout:     cfg.Database.PingTimeout,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open record store")
	}

	eng, err := engine.New(engine.Config{
		DBPath:        cfg.Engine.DBPath,
		Workers:       cfg.Engine.Workers,
		MaxAttempts:   cfg.Engine.MaxAttempts,
		RunTimeout:    cfg.Engine.RunTimeout,
		ShutdownGrace: cfg.Engine.ShutdownGrace,
	}, logger)
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "open execution engine")
	}

	terminatedAs, _ := model.ParseStatus(strings.ToUpper(cfg.Reconcile.TerminatedAs))
	broker := events.NewBroker()
	rec, err := reconcile.New(st, eng, broker, reconcile.Config{
		QueryTimeout:     cfg.Reconcile.QueryTimeout,
		QueriesPerSecond: cfg.Reconcile.QueriesPerSecond,
		Concurrency:      cfg.Reconcile.Concurrency,
		TerminatedAs:     terminatedAs,
	}, logger)
	if err != nil {
		eng.Shutdown(ctx)
		st.Close()
		return nil, err
	}

	backends := backend.NewRegistry()
	backends.RegisterAll(&backend.Simulated{Unit: cfg.Backend.SimulatedUnit})

	workflow.Register(eng, workflow.Deps{
		Tracker:            tracker.New(st, broker, logger),
		Backends:           backends,
		StatusWriteTimeout: cfg.Tracker.StatusWriteTimeout,
		WorkAttempts:       cfg.Tracker.WorkAttempts,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		engine:     eng,
		broker:     broker,
		backends:   backends,
		reconciler: rec,
		ops:        operations.NewService(st, eng, broker, logger),
	}, nil
}

// close stops the engine and then the store it writes to.
func (a *app) close(ctx context.Context) error {
	engErr := a.engine.Shutdown(ctx)
	storeErr := a.store.Close()
	return errors.CombineErrors(engErr, storeErr)
}
