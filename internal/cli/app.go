package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"

	pilot "github.com/Pythagora-io/gpt-pilot-sub000"
	"github.com/Pythagora-io/gpt-pilot-sub000/internal/config"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/file"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/process"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/redis"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/sqlite"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/lock"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/metrics"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/orchestrator"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/workers"
)

// App holds the long-lived components of one pilot invocation.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Repo     ports.Repository
	Tree     *file.Tree
	Store    *statestore.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	closers []func() error
}

// OpenApp opens the database and the workspace described by cfg. A Redis address
// enables distributed locking.
func OpenApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(app.Registry)
	if err != nil {
		return nil, err
	}
	app.Metrics = m

	repo, err := sqlite.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	app.Repo = repo
	app.closers = append(app.closers, repo.Close)

	tree, err := file.New(cfg.Workspace, file.WithLogger(logger))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Tree = tree

	lockOpts := []lock.Option{lock.WithLogger(logger)}
	if cfg.Redis.Addr != "" {
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.closers = append(app.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("cannot reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		lockOpts = append(lockOpts, lock.WithLocker(redis.NewLocker(client, cfg.Redis.Prefix)))
		logger.Debug("Distributed locking enabled", "addr", cfg.Redis.Addr)
	}

	app.Store = statestore.New(repo, tree,
		statestore.WithLogger(logger),
		statestore.WithLocks(lock.NewKeyed(lockOpts...)),
		statestore.WithMetrics(m),
		statestore.WithCommitRetries(cfg.CommitRetries),
		statestore.WithRetryPolicy(cfg.Retry),
	)
	return app, nil
}

// Close releases everything OpenApp acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Engine builds the build loop over the app's store: built-in workers plus the
// bindings in the workers file.
func (a *App) Engine(ui ports.UI, hooks orchestrator.Hooks, maxTurns int) (*pilot.Engine, error) {
	bindings, err := process.LoadWorkers(a.Config.WorkersFile)
	if err != nil {
		return nil, err
	}
	a.Logger.Debug("Loaded worker bindings", "path", a.Config.WorkersFile, "count", len(bindings))

	runner := process.NewRunner(
		process.WithBaseDir(a.Config.Workspace),
		process.WithTimeout(a.Config.CommandTimeout),
		process.WithLogger(a.Logger),
	)
	loop := retry.NewLoop(
		retry.WithPolicy(a.Config.Retry),
		retry.WithLogger(a.Logger),
		retry.WithOnAttempt(func(info retry.AttemptInfo) {
			if info.Class != retry.Fatal {
				a.Metrics.RequestRetry(info.Class.String())
			}
		}),
		retry.WithConfirm(confirmRenewal(ui)),
	)

	return pilot.New(a.Store, ui,
		pilot.WithLogger(a.Logger),
		pilot.WithHooks(hooks),
		pilot.WithMetrics(a.Metrics),
		pilot.WithWatcher(a.Tree),
		pilot.WithMaxTurns(maxTurns),
		pilot.WithConcurrency(a.Config.Concurrency),
		pilot.WithWorkers(workers.Options{
			Runner:        runner,
			Externals:     bindings,
			Retry:         loop,
			MaxRecoveries: a.Config.MaxRecoveries,
			Logger:        a.Logger,
		}),
	)
}

// confirmRenewal asks the user to renew rejected credentials before a retry.
func confirmRenewal(ui ports.UI) func(ctx context.Context, err error) (bool, error) {
	return func(ctx context.Context, err error) (bool, error) {
		ans, aerr := ui.Ask(ctx, ports.Question{
			Text:    fmt.Sprintf("Credentials were rejected: %v\n\nRenew them, then continue.", err),
			Options: []string{"continue", "quit"},
			Default: "quit",
		})
		if aerr != nil {
			return false, aerr
		}
		return !ans.Cancelled && ans.Text == "continue", nil
	}
}
