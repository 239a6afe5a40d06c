// Package config loads taskgraphd configuration.
//
// Values are resolved in order: defaults, then the YAML file, then
// environment variables. Every field with an env tag can be overridden by
// TASKGRAPH_<SECTION>_<FIELD>, e.g. TASKGRAPH_POOL_STRATEGY=random or
// TASKGRAPH_REDIS_ADDR=redis:6379. Durations use time.ParseDuration syntax
// and string lists are comma separated.
package config

import (
	"time"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/graph"
	"github.com/dshills/taskgraph-go/internal/redisutil"
)

// Config is the complete daemon configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Engine     EngineConfig     `yaml:"engine" env:"ENGINE"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Tasks      TaskConfig       `yaml:"tasks" env:"TASKS"`
	Redis      redisutil.Config `yaml:"redis" env:"REDIS"`
	Bus        BusConfig        `yaml:"bus" env:"BUS"`
	Registry   RegistryConfig   `yaml:"registry" env:"REGISTRY"`
	Pool       PoolConfig       `yaml:"pool" env:"POOL"`
	Autoscale  AutoscaleConfig  `yaml:"autoscale" env:"AUTOSCALE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	MetricsPath     string        `yaml:"metrics_path" env:"METRICS_PATH"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// EngineConfig holds graph engine defaults.
type EngineConfig struct {
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// CheckpointMode is auto, disabled, best_effort or mandatory.
	CheckpointMode  string        `yaml:"checkpoint_mode" env:"CHECKPOINT_MODE"`
	CheckpointEvery int           `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
	RunTimeout      time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	NodeTimeout     time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
}

// Options converts the section to engine options.
func (c EngineConfig) Options() ([]graph.Option, error) {
	mode, err := graph.ParseCheckpointMode(c.CheckpointMode)
	if err != nil {
		return nil, err
	}
	opts := []graph.Option{
		graph.WithMaxIterations(c.MaxIterations),
		graph.WithCheckpointMode(mode),
		graph.WithCheckpointEvery(c.CheckpointEvery),
	}
	if c.RunTimeout > 0 {
		opts = append(opts, graph.WithRunTimeout(c.RunTimeout))
	}
	if c.NodeTimeout > 0 {
		opts = append(opts, graph.WithNodeTimeout(c.NodeTimeout))
	}
	return opts, nil
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	// Driver is memory, sqlite or mysql.
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the SQLite database file.
	Path string `yaml:"path" env:"PATH"`
	// DSN is the MySQL data source name.
	DSN string `yaml:"dsn" env:"DSN"`
	// Retention deletes checkpoints older than this. Zero keeps them.
	Retention         time.Duration `yaml:"retention" env:"RETENTION"`
	RetentionInterval time.Duration `yaml:"retention_interval" env:"RETENTION_INTERVAL"`
}

// TaskConfig selects the task store.
type TaskConfig struct {
	// Driver is memory, sqlite or redis.
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
	// Retention purges finished tasks older than this. Zero keeps them.
	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
	PurgeInterval time.Duration `yaml:"purge_interval" env:"PURGE_INTERVAL"`
}

// BusConfig selects the message bus transport.
type BusConfig struct {
	// Transport is memory or redis.
	Transport string `yaml:"transport" env:"TRANSPORT"`
	// MaxQueue bounds each in-memory mailbox. Zero is unbounded.
	MaxQueue     int           `yaml:"max_queue" env:"MAX_QUEUE"`
	StreamMaxLen int64         `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
	Block        time.Duration `yaml:"block" env:"BLOCK"`
}

// RedisTransport returns the Redis transport settings, keyed under prefix.
func (c BusConfig) RedisTransport(prefix string) bus.RedisTransportConfig {
	return bus.RedisTransportConfig{Prefix: prefix, MaxLen: c.StreamMaxLen, Block: c.Block}
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	LivenessWindow time.Duration `yaml:"liveness_window" env:"LIVENESS_WINDOW"`
}

// Registry converts the section.
func (c RegistryConfig) Registry() registry.Config {
	return registry.Config{LivenessWindow: c.LivenessWindow}
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Strategy          string        `yaml:"strategy" env:"STRATEGY"`
	MaxTasksPerWorker int           `yaml:"max_tasks_per_worker" env:"MAX_TASKS_PER_WORKER"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval" env:"DISPATCH_INTERVAL"`
	AssignRate        float64       `yaml:"assign_rate" env:"ASSIGN_RATE"`
	AssignBurst       int           `yaml:"assign_burst" env:"ASSIGN_BURST"`
	JanitorInterval   time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
	CancelGrace       time.Duration `yaml:"cancel_grace" env:"CANCEL_GRACE"`
	EvictAfter        time.Duration `yaml:"evict_after" env:"EVICT_AFTER"`
	AutoJoin          bool          `yaml:"auto_join" env:"AUTO_JOIN"`
	Seed              int64         `yaml:"seed" env:"SEED"`
}

// Pool converts the section. The strategy must already be validated.
func (c PoolConfig) Pool() pool.Config {
	strategy, _ := pool.ParseStrategy(c.Strategy)
	return pool.Config{
		Mailbox:           pool.DefaultMailbox,
		Strategy:          strategy,
		MaxTasksPerWorker: c.MaxTasksPerWorker,
		DispatchInterval:  c.DispatchInterval,
		AssignRate:        c.AssignRate,
		AssignBurst:       c.AssignBurst,
		JanitorInterval:   c.JanitorInterval,
		CancelGrace:       c.CancelGrace,
		EvictAfter:        c.EvictAfter,
		AutoJoin:          c.AutoJoin,
		Seed:              c.Seed,
	}
}

// AutoscaleConfig configures the advisory autoscaler.
type AutoscaleConfig struct {
	Enabled            bool          `yaml:"enabled" env:"ENABLED"`
	Interval           time.Duration `yaml:"interval" env:"INTERVAL"`
	BacklogThreshold   int           `yaml:"backlog_threshold" env:"BACKLOG_THRESHOLD"`
	SustainWindow      time.Duration `yaml:"sustain_window" env:"SUSTAIN_WINDOW"`
	IdleRatioThreshold float64       `yaml:"idle_ratio_threshold" env:"IDLE_RATIO_THRESHOLD"`
	Cooldown           time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	Step               int           `yaml:"step" env:"STEP"`
	MinWorkers         int           `yaml:"min_workers" env:"MIN_WORKERS"`
	MaxWorkers         int           `yaml:"max_workers" env:"MAX_WORKERS"`
}

// Autoscale converts the section.
func (c AutoscaleConfig) Autoscale() pool.AutoscaleConfig {
	return pool.AutoscaleConfig{
		Interval:           c.Interval,
		BacklogThreshold:   c.BacklogThreshold,
		SustainWindow:      c.SustainWindow,
		IdleRatioThreshold: c.IdleRatioThreshold,
		Cooldown:           c.Cooldown,
		Step:               c.Step,
		MinWorkers:         c.MinWorkers,
		MaxWorkers:         c.MaxWorkers,
	}
}

// Default returns the configuration used when no file or environment
// overrides are given: everything in memory, listening on :8080.
func Default() *Config {
	poolDefaults := pool.DefaultConfig()
	scaleDefaults := pool.DefaultAutoscaleConfig()

	return &Config{
		Log: LogConfig{
			Level:            "info",
			Format:           "json",
			OutputPaths:      []string{"stdout"},
			EnableStacktrace: true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsPath:     "/metrics",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			MaxIterations:   graph.DefaultMaxIterations,
			CheckpointMode:  "auto",
			CheckpointEvery: 1,
		},
		Checkpoint: CheckpointConfig{
			Driver:            "memory",
			Path:              "taskgraph-checkpoints.db",
			Retention:         7 * 24 * time.Hour,
			RetentionInterval: time.Hour,
		},
		Tasks: TaskConfig{
			Driver:        "memory",
			Path:          "taskgraph-tasks.db",
			Retention:     24 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Redis: redisutil.DefaultConfig(),
		Bus: BusConfig{
			Transport:    "memory",
			StreamMaxLen: 10000,
			Block:        time.Second,
		},
		Registry: RegistryConfig{
			LivenessWindow: registry.DefaultConfig().LivenessWindow,
		},
		Pool: PoolConfig{
			Strategy:          string(poolDefaults.Strategy),
			MaxTasksPerWorker: poolDefaults.MaxTasksPerWorker,
			DispatchInterval:  poolDefaults.DispatchInterval,
			JanitorInterval:   poolDefaults.JanitorInterval,
			CancelGrace:       poolDefaults.CancelGrace,
			EvictAfter:        poolDefaults.EvictAfter,
			AutoJoin:          true,
			Seed:              poolDefaults.Seed,
		},
		Autoscale: AutoscaleConfig{
			Enabled:            true,
			Interval:           scaleDefaults.Interval,
			BacklogThreshold:   scaleDefaults.BacklogThreshold,
			SustainWindow:      scaleDefaults.SustainWindow,
			IdleRatioThreshold: scaleDefaults.IdleRatioThreshold,
			Cooldown:           scaleDefaults.Cooldown,
			Step:               scaleDefaults.Step,
		},
	}
}
