// Copyright (c) 2024 Durableflow Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Command server runs a single durableflow host: shard manager, history
// service, matching service, system workers, and the frontend surface, all
// composed through fx with lifecycle-managed startup and shutdown.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/pborman/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/durableflow/durableflow/common/clock"
	"github.com/durableflow/durableflow/common/config"
	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/log/tag"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/persistence"
	persistencesql "github.com/durableflow/durableflow/common/persistence/sql"
	"github.com/durableflow/durableflow/executor"
	"github.com/durableflow/durableflow/frontend"
	"github.com/durableflow/durableflow/service/history"
	"github.com/durableflow/durableflow/service/matching"
	"github.com/durableflow/durableflow/service/shard"
	"github.com/durableflow/durableflow/workers"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	app := fx.New(
		fx.Provide(
			func() (*config.Config, error) { return config.Load(*configPath) },
			newLogger,
			func() clock.Clock { return clock.NewReal() },
			func() metrics.Scope { return metrics.NewRootScope(tally.NoopScope) },
			func() string { return hostIdentity() },
			newShardStore,
			newQueueStore,
			func() persistence.HistoryStore { return persistence.NewMemoryHistoryStore() },
			func() persistence.NamespaceStore { return persistence.NewMemoryNamespaceStore() },
			newShardManager,
			newHistoryService,
			newResetter,
			newTaskQueues,
			newMatchingService,
			executor.NewRegistry,
			newExecutor,
			newSystem,
			newFrontend,
		),
		fx.Invoke(run),
	)
	app.Run()
}

func hostIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "durableflow"
	}
	return host + "-" + uuid.New()
}

func newLogger() (log.Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return log.NewZapLogger(z), nil
}

func newShardStore(cfg *config.Config, logger log.Logger) (persistence.ShardStore, error) {
	if cfg.SQLDSN == "" {
		return persistence.NewMemoryShardStore(), nil
	}
	db, err := persistencesql.NewDB(cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	return persistencesql.NewShardStore(db, logger)
}

func newQueueStore(cfg *config.Config, logger log.Logger) (persistence.QueueStore, error) {
	if cfg.SQLDSN == "" {
		return persistence.NewMemoryQueueStore(), nil
	}
	db, err := persistencesql.NewDB(cfg.SQLDSN)
	if err != nil {
		return nil, err
	}
	return persistencesql.NewQueueStore(db, logger)
}

func newShardManager(store persistence.ShardStore, cfg *config.Config, clk clock.Clock, logger log.Logger, scope metrics.Scope) shard.Manager {
	return shard.NewManager(store, cfg.ShardCount, clk, logger, scope)
}

func newHistoryService(identity string, mgr shard.Manager, store persistence.HistoryStore, clk clock.Clock, logger log.Logger, scope metrics.Scope) history.Service {
	return history.NewService(identity, mgr, store, clk, logger, scope)
}

func newResetter(store persistence.HistoryStore, clk clock.Clock, logger log.Logger) history.Resetter {
	return history.NewResetter(store, clk, logger)
}

func newTaskQueues(cfg *config.Config, clk clock.Clock, logger log.Logger, scope metrics.Scope) *matching.TaskQueues {
	return matching.NewTaskQueues(matching.QueueOptions{
		LeaseDuration:       cfg.LeaseDuration,
		RequeueDelay:        cfg.RequeueDelay,
		SweepInterval:       cfg.LeaseSweepInterval,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		Capacity:            cfg.TaskQueueCapacity,
	}, clk, logger, scope)
}

func newMatchingService(queues *matching.TaskQueues, store persistence.QueueStore, logger log.Logger, scope metrics.Scope) matching.Service {
	return matching.NewService(queues, store, logger, scope)
}

func newExecutor(registry *executor.Registry, logger log.Logger, scope metrics.Scope) *executor.Executor {
	return executor.NewExecutor(registry, logger, scope)
}

func newSystem(cfg *config.Config, identity string, mgr shard.Manager, matchingSvc matching.Service, clk clock.Clock, logger log.Logger) *workers.System {
	return workers.NewSystem(cfg, identity, mgr, matchingSvc, clk, logger)
}

func newFrontend(namespaces persistence.NamespaceStore, historySvc history.Service, resetter history.Resetter, matchingSvc matching.Service, clk clock.Clock, logger log.Logger) *frontend.Service {
	return frontend.NewService(namespaces, historySvc, resetter, matchingSvc, clk, logger)
}

// run initializes the shard table and starts the system workers under the
// fx lifecycle; stopping the app cancels every background loop.
func run(lc fx.Lifecycle, cfg *config.Config, mgr shard.Manager, system *workers.System, logger log.Logger, _ *frontend.Service) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := mgr.InitializeShards(ctx, cfg.ShardCount); err != nil {
				return err
			}
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				if err := system.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("system workers exited", tag.Error(err))
				}
			}()
			logger.Info("durableflow host started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			logger.Info("durableflow host stopped")
			return nil
		},
	})
}
