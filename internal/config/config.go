// Package config 命令行使用的 yaml 配置。
// 优先级: 默认值 -> yaml 文件 -> 环境变量 FLOWGRAPH_QUEUE_DIR/FLOWGRAPH_STORE_DSN/FLOWGRAPH_REDIS_ADDR
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/blingmoon/flowgraph/worker"
	"github.com/blingmoon/flowgraph/workflow"
)

const (
	StoreDriverMemory = "memory"
	StoreDriverSqlite = "sqlite"

	LockTypeLocal = "local"
	LockTypeFile  = "file"
	LockTypeRedis = "redis"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Queue   QueueConfig   `yaml:"queue"`
	Store   StoreConfig   `yaml:"store"`
	Lock    LockConfig    `yaml:"lock"`
	Metrics MetricsConfig `yaml:"metrics"`
	Backend BackendConfig `yaml:"backend"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type EngineConfig struct {
	Worker          worker.Config `yaml:"worker"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	StaleAfter      time.Duration `yaml:"stale_after" validate:"gte=0"`
	DefaultMaxLoops int           `yaml:"default_max_loops" validate:"gte=0"`
	// MaintenanceInterval 定时清理队列里已经结束的任务的间隔
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gte=0"`
}

type QueueConfig struct {
	Dir            string        `yaml:"dir" validate:"required"`
	Name           string        `yaml:"name" validate:"omitempty,excludesall=/"`
	LockStaleAfter time.Duration `yaml:"lock_stale_after" validate:"gte=0"`
	SyncWrites     bool          `yaml:"sync_writes"`
	// PurgeAfter 结束超过这个时间的任务在引擎启动时和定时清理, 0 表示不清理
	PurgeAfter time.Duration `yaml:"purge_after" validate:"gte=0"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver sqlite"`
}

// LockConfig 实例锁。多个进程共享一个 sqlite 文件时需要 file 或者 redis
type LockConfig struct {
	Type   string `yaml:"type" validate:"oneof=local file redis"`
	Dir    string `yaml:"dir" validate:"required_if=Type file"`
	Addr   string `yaml:"addr" validate:"required_if=Type redis"`
	DB     int    `yaml:"db" validate:"gte=0"`
	Prefix string `yaml:"prefix"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace" validate:"required"`
}

// BackendConfig task 节点的后端命令,为空时把 prompt 原样返回
type BackendConfig struct {
	Command []string `yaml:"command"`
}

var validate = validator.New()

func Default() *Config {
	engine := workflow.DefaultEngineOptions()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			Worker:              engine.Worker,
			PollInterval:        engine.PollInterval,
			StaleAfter:          engine.StaleAfter,
			DefaultMaxLoops:     workflow.DefaultMaxLoops,
			MaintenanceInterval: engine.MaintenanceInterval,
		},
		Queue:   QueueConfig{Dir: ".flowgraph/queue", PurgeAfter: engine.PurgeAfter},
		Store:   StoreConfig{Driver: StoreDriverSqlite, DSN: ".flowgraph/flowgraph.db?_busy_timeout=5000&_txlock=immediate"},
		Lock:    LockConfig{Type: LockTypeFile, Dir: ".flowgraph/locks", Prefix: "flowgraph"},
		Metrics: MetricsConfig{Namespace: "flowgraph"},
	}
}

// Load path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "read config failed, path: %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WithMessagef(err, "parse config failed, path: %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWGRAPH_QUEUE_DIR"); v != "" {
		c.Queue.Dir = v
	}
	if v := os.Getenv("FLOWGRAPH_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("FLOWGRAPH_REDIS_ADDR"); v != "" {
		c.Lock.Addr = v
	}
}

func (c *Config) Validate() error {
	return errors.WithMessage(validate.Struct(c), "invalid config")
}

// EngineOptions 日志和指标由调用方设置
func (c *Config) EngineOptions() workflow.EngineOptions {
	return workflow.EngineOptions{
		Worker:              c.Engine.Worker,
		PollInterval:        c.Engine.PollInterval,
		StaleAfter:          c.Engine.StaleAfter,
		PurgeAfter:          c.Queue.PurgeAfter,
		MaintenanceInterval: c.Engine.MaintenanceInterval,
	}
}
