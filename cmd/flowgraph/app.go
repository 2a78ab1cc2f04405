package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blingmoon/flowgraph/internal/commonregister"
	"github.com/blingmoon/flowgraph/internal/config"
	"github.com/blingmoon/flowgraph/internal/logging"
	"github.com/blingmoon/flowgraph/internal/metrics"
	"github.com/blingmoon/flowgraph/lock"
	"github.com/blingmoon/flowgraph/queue"
	"github.com/blingmoon/flowgraph/workflow"
)

// app 一次命令执行需要的全部组件
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	store    workflow.Store
	queue    *queue.Queue
	engine   *workflow.Engine
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, logger: logging.WithModule("flowgraph")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, a.registry)

	if a.store, err = a.openStore(); err != nil {
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}
	a.queue, err = queue.Open(queue.Options{
		Dir:            cfg.Queue.Dir,
		Name:           cfg.Queue.Name,
		LockStaleAfter: cfg.Queue.LockStaleAfter,
		SyncWrites:     cfg.Queue.SyncWrites,
		Metrics:        a.metrics,
		Logger:         logging.WithModule("queue"),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "open queue failed")
	}

	scheduler := workflow.NewScheduler(a.store,
		workflow.WithLocker(locker),
		workflow.WithDefaultMaxLoops(cfg.Engine.DefaultMaxLoops),
		workflow.WithLogger(logging.WithModule("scheduler")),
		workflow.WithMetrics(a.metrics),
	)
	handlers := workflow.NewHandlerRegistry(scheduler.Evaluator())
	var backend workflow.Backend
	if len(cfg.Backend.Command) > 0 {
		if backend, err = commonregister.NewCommandBackend(cfg.Backend.Command); err != nil {
			return nil, err
		}
	}
	if err = commonregister.Register(handlers, scheduler.Evaluator(), backend, logging.WithModule("handler")); err != nil {
		return nil, err
	}

	opts := cfg.EngineOptions()
	opts.Logger = logging.WithModule("engine")
	opts.Metrics = a.metrics
	if a.engine, err = workflow.NewEngine(scheduler, a.queue, handlers, opts); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() (workflow.Store, error) {
	if a.cfg.Store.Driver == config.StoreDriverMemory {
		return workflow.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(a.cfg.Store.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WithMessagef(err, "create store dir failed, dir: %s", dir)
		}
	}
	level := gormlogger.Silent
	if logging.ParseLevel(a.cfg.Log.Level) == slog.LevelDebug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(sqlite.Open(a.cfg.Store.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, errors.WithMessagef(err, "open sqlite failed, dsn: %s", a.cfg.Store.DSN)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WithMessage(err, "get sql db failed")
	}
	// sqlite 只允许一个写连接
	sqlDB.SetMaxOpenConns(1)
	a.closers = append(a.closers, sqlDB.Close)

	store := workflow.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		return nil, errors.WithMessage(err, "migrate store failed")
	}
	return store, nil
}

func (a *app) openLocker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Lock.Type {
	case config.LockTypeFile:
		return lock.NewFileLock(a.cfg.Lock.Dir)
	case config.LockTypeRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Lock.Addr, DB: a.cfg.Lock.DB})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.WithMessagef(err, "ping redis failed, addr: %s", a.cfg.Lock.Addr)
		}
		return lock.NewRedisLock(client, a.cfg.Lock.Prefix), nil
	default:
		return lock.NewLocalLock(), nil
	}
}

// runEngine 在后台运行引擎,返回的函数停止并等待退出
func (a *app) runEngine(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.engine.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "[app.runEngine] engine exited", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *app) Close() error {
	var result error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && result == nil {
			result = err
		}
	}
	return result
}
