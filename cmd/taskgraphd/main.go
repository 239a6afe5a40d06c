// Command taskgraphd runs the task supervisor, the worker pool and the HTTP
// API in one process.
//
// Usage:
//
//	taskgraphd -config taskgraph.yaml
//	taskgraphd -demo-workers 3 -demo-capabilities echo,ocr
//
// With -demo-workers, in-process agents that echo their input are started
// and the autoscaler's signals add or stop them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/taskgraph-go/agent/bus"
	"github.com/dshills/taskgraph-go/agent/pool"
	"github.com/dshills/taskgraph-go/agent/registry"
	"github.com/dshills/taskgraph-go/agent/supervisor"
	"github.com/dshills/taskgraph-go/agent/task"
	"github.com/dshills/taskgraph-go/agent/worker"
	"github.com/dshills/taskgraph-go/config"
	"github.com/dshills/taskgraph-go/graph/store"
	"github.com/dshills/taskgraph-go/internal/api"
	"github.com/dshills/taskgraph-go/internal/app"
	"github.com/dshills/taskgraph-go/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	demoWorkers := flag.Int("demo-workers", 0, "number of in-process echo agents to start")
	demoCaps := flag.String("demo-capabilities", "echo", "comma-separated capabilities of the demo agents")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, *demoWorkers, splitList(*demoCaps)); err != nil {
		logger.Fatal("taskgraphd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, demoWorkers int, demoCaps []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	checkpoints, err := app.OpenCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	taskStore, err := app.OpenTaskStore(cfg.Tasks, redisClient, cfg.Redis.Prefix)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer taskStore.Close()

	reg := registry.New(cfg.Registry.Registry(), logger)

	transport, err := app.NewTransport(cfg.Bus, redisClient, cfg.Redis.Prefix, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	b := bus.New(transport, reg, logger)
	defer b.Close()

	queue := task.NewQueue(taskStore, reg, logger)
	if _, err := queue.Recover(ctx); err != nil {
		return err
	}

	metrics := pool.NewMetrics(prometheus.DefaultRegisterer)
	opts := []pool.Option{pool.WithMetrics(metrics)}
	var scaler *pool.Autoscaler
	if cfg.Autoscale.Enabled {
		scaler = pool.NewAutoscaler(cfg.Autoscale.Autoscale(), metrics, logger)
		opts = append(opts, pool.WithAutoscaler(scaler))
	}
	p, err := pool.New(cfg.Pool.Pool(), reg, queue, b, logger, opts...)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	sup := supervisor.New(queue, p, supervisor.Config{}, logger)

	handlers := api.NewHandlers(sup, reg, p, logger)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(handlers, cfg.Server.MetricsPath, promhttp.Handler()).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	demo := &demoFleet{bus: b, registry: reg, caps: demoCaps, logger: logger}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		demo.stopAll(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Checkpoint.Retention > 0 {
		g.Go(func() error {
			return every(gctx, cfg.Checkpoint.RetentionInterval, func() {
				pruneCheckpoints(gctx, checkpoints, cfg.Checkpoint.Retention, logger)
			})
		})
	}
	if cfg.Tasks.Retention > 0 {
		g.Go(func() error {
			return every(gctx, cfg.Tasks.PurgeInterval, func() {
				n, err := sup.Purge(gctx, cfg.Tasks.Retention)
				if err != nil {
					logger.Warn("task purge failed", zap.Error(err))
					return
				}
				if n > 0 {
					logger.Info("purged finished tasks", zap.Int("count", n))
				}
			})
		})
	}

	if demoWorkers > 0 {
		g.Go(func() error {
			if err := demo.scale(gctx, demoWorkers); err != nil {
				return fmt.Errorf("start demo workers: %w", err)
			}
			return nil
		})
	}
	if scaler != nil {
		g.Go(func() error {
			consumeSignals(gctx, scaler.Signals(), demo, demoWorkers > 0, logger)
			return nil
		})
	}

	return g.Wait()
}

func consumeSignals(ctx context.Context, signals <-chan pool.ScaleSignal, demo *demoFleet, manage bool, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			logger.Info("scale signal",
				zap.Int("delta", sig.Delta),
				zap.Int("desired", sig.Desired),
				zap.String("reason", sig.Reason),
			)
			if !manage {
				continue
			}
			if err := demo.scale(ctx, sig.Delta); err != nil {
				logger.Warn("demo scaling failed", zap.Error(err))
			}
		}
	}
}

func pruneCheckpoints(ctx context.Context, s store.Store, retention time.Duration, logger *zap.Logger) {
	n, err := s.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("checkpoint retention failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("deleted old checkpoints", zap.Int("count", n))
	}
}

// every calls fn on each tick until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// demoFleet manages in-process echo agents.
type demoFleet struct {
	bus      *bus.Bus
	registry *registry.Registry
	caps     []string
	logger   *zap.Logger

	mu     sync.Mutex
	agents []*worker.Agent
	next   int
}

func (d *demoFleet) scale(ctx context.Context, delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ; delta > 0; delta-- {
		d.next++
		a := worker.New(worker.Config{
			Info: registry.AgentInfo{
				ID:           fmt.Sprintf("demo-%d", d.next),
				Type:         "demo",
				Capabilities: d.caps,
			},
		}, d.bus, d.registry, d.logger)
		a.Handle("", echo)
		if err := a.Start(ctx); err != nil {
			return err
		}
		d.agents = append(d.agents, a)
	}
	for ; delta < 0 && len(d.agents) > 0; delta++ {
		last := d.agents[len(d.agents)-1]
		d.agents = d.agents[:len(d.agents)-1]
		if err := last.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *demoFleet) stopAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.agents {
		if err := a.Stop(ctx); err != nil {
			d.logger.Warn("stop demo worker", zap.String("agent_id", a.ID()), zap.Error(err))
		}
	}
	d.agents = nil
}

// echo returns the task input unchanged. An input of the form
// {"sleep":"2s"} delays the reply.
func echo(ctx context.Context, t task.Task) (json.RawMessage, error) {
	var opts struct {
		Sleep string `json:"sleep"`
	}
	if json.Unmarshal(t.Input, &opts) == nil && opts.Sleep != "" {
		d, err := time.ParseDuration(opts.Sleep)
		if err != nil {
			return nil, fmt.Errorf("invalid sleep: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
	if len(t.Input) == 0 {
		return json.RawMessage(`null`), nil
	}
	return t.Input, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
