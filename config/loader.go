package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/graph"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKGRAPH"

// Load reads configuration from path (optional; a missing file is not an
// error) and the environment, then validates it.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, lookup); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}

		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format: must be json or console, got %q", c.Log.Format)
	}

	if c.Server.Addr == "" {
		add("server.addr: required")
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") {
		add("server.metrics_path: must start with /")
	}

	if c.Engine.MaxIterations < 1 {
		add("engine.max_iterations: must be >= 1")
	}
	if c.Engine.CheckpointEvery < 1 {
		add("engine.checkpoint_every: must be >= 1")
	}
	if _, err := graph.ParseCheckpointMode(c.Engine.CheckpointMode); err != nil {
		add("engine.checkpoint_mode: %w", err)
	}

	switch c.Checkpoint.Driver {
	case "memory":
	case "sqlite":
		if c.Checkpoint.Path == "" {
			add("checkpoint.path: required for sqlite")
		}
	case "mysql":
		if c.Checkpoint.DSN == "" {
			add("checkpoint.dsn: required for mysql")
		}
	default:
		add("checkpoint.driver: must be memory, sqlite or mysql, got %q", c.Checkpoint.Driver)
	}

	switch c.Tasks.Driver {
	case "memory", "redis":
	case "sqlite":
		if c.Tasks.Path == "" {
			add("tasks.path: required for sqlite")
		}
	default:
		add("tasks.driver: must be memory, sqlite or redis, got %q", c.Tasks.Driver)
	}

	switch c.Bus.Transport {
	case "memory", "redis":
	default:
		add("bus.transport: must be memory or redis, got %q", c.Bus.Transport)
	}
	if c.Bus.MaxQueue < 0 {
		add("bus.max_queue: must be >= 0")
	}
	if (c.Tasks.Driver == "redis" || c.Bus.Transport == "redis") && c.Redis.Addr == "" && c.Redis.URL == "" {
		add("redis.addr: required when a redis driver is selected")
	}

	if c.Registry.LivenessWindow <= 0 {
		add("registry.liveness_window: must be positive")
	}

	if _, err := pool.ParseStrategy(c.Pool.Strategy); err != nil {
		add("pool.strategy: %w", err)
	}
	if c.Pool.MaxTasksPerWorker < 1 {
		add("pool.max_tasks_per_worker: must be >= 1")
	}
	if c.Pool.AssignRate < 0 {
		add("pool.assign_rate: must be >= 0")
	}
	if c.Pool.EvictAfter > 0 && c.Pool.EvictAfter < c.Registry.LivenessWindow {
		add("pool.evict_after: must not be shorter than registry.liveness_window")
	}

	if c.Autoscale.IdleRatioThreshold < 0 || c.Autoscale.IdleRatioThreshold > 1 {
		add("autoscale.idle_ratio_threshold: must be within [0, 1]")
	}
	if err := c.Autoscale.Autoscale().Validate(); err != nil {
		add("autoscale: %w", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
