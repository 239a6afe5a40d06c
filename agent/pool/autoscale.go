package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AutoscaleConfig tunes the advisory autoscaler.
type AutoscaleConfig struct {
	// Interval between evaluations. Default 10s.
	Interval time.Duration `yaml:"interval"`

	// BacklogThreshold is the pending task count above which the pool is
	// considered backlogged. Default 10.
	BacklogThreshold int `yaml:"backlog_threshold"`

	// SustainWindow is how long the backlog must persist before a scale-up
	// signal. Default 30s.
	SustainWindow time.Duration `yaml:"sustain_window"`

	// IdleRatioThreshold is the idle share of workers above which a
	// scale-down is signalled while not backlogged. Default 0.5.
	IdleRatioThreshold float64 `yaml:"idle_ratio_threshold"`

	// Cooldown is the minimum time between two signals. Default 1m.
	Cooldown time.Duration `yaml:"cooldown"`

	// Step is the size of one scaling signal. Default 1.
	Step int `yaml:"step"`

	// MinWorkers and MaxWorkers bound the desired count. MaxWorkers 0
	// means unbounded.
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
}

// DefaultAutoscaleConfig returns the defaults listed on AutoscaleConfig.
func DefaultAutoscaleConfig() AutoscaleConfig {
	return AutoscaleConfig{
		Interval:           10 * time.Second,
		BacklogThreshold:   10,
		SustainWindow:      30 * time.Second,
		IdleRatioThreshold: 0.5,
		Cooldown:           time.Minute,
		Step:               1,
	}
}

func (c AutoscaleConfig) withDefaults() AutoscaleConfig {
	d := DefaultAutoscaleConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = d.BacklogThreshold
	}
	if c.SustainWindow <= 0 {
		c.SustainWindow = d.SustainWindow
	}
	if c.IdleRatioThreshold <= 0 || c.IdleRatioThreshold > 1 {
		c.IdleRatioThreshold = d.IdleRatioThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	return c
}

// Validate reports impossible bounds.
func (c AutoscaleConfig) Validate() error {
	if c.MaxWorkers > 0 && c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("autoscale: min_workers %d exceeds max_workers %d", c.MinWorkers, c.MaxWorkers)
	}
	return nil
}

// Snapshot is the pool state the autoscaler evaluates.
type Snapshot struct {
	Pending int `json:"pending"`
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
}

// BusyRatio is Busy/Workers, or 0 with no workers.
func (s Snapshot) BusyRatio() float64 {
	if s.Workers == 0 {
		return 0
	}
	return float64(s.Busy) / float64(s.Workers)
}

// ScaleSignal asks an external orchestrator to change the worker count by
// Delta. The pool never starts or stops agents itself.
type ScaleSignal struct {
	Delta     int       `json:"delta"`
	Desired   int       `json:"desired"`
	Reason    string    `json:"reason"`
	Pending   int       `json:"pending"`
	Workers   int       `json:"workers"`
	BusyRatio float64   `json:"busy_ratio"`
	At        time.Time `json:"at"`
}

// Autoscaler turns periodic pool snapshots into advisory scale signals.
type Autoscaler struct {
	cfg     AutoscaleConfig
	logger  *zap.Logger
	metrics *Metrics

	mu           sync.Mutex
	backlogSince time.Time
	lastSignal   time.Time

	signals chan ScaleSignal
}

// NewAutoscaler creates an autoscaler. Zero config fields take defaults.
func NewAutoscaler(cfg AutoscaleConfig, metrics *Metrics, logger *zap.Logger) *Autoscaler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Autoscaler{
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("component", "autoscaler")),
		metrics: metrics,
		signals: make(chan ScaleSignal, 16),
	}
}

// Signals delivers emitted signals. When the consumer falls behind, the
// oldest undelivered signal is dropped.
func (a *Autoscaler) Signals() <-chan ScaleSignal {
	return a.signals
}

// Evaluate applies the scaling policy to one snapshot taken at now. It
// returns false when no signal is due.
func (a *Autoscaler) Evaluate(now time.Time, s Snapshot) (ScaleSignal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.cfg
	backlogged := s.Pending > cfg.BacklogThreshold
	if backlogged {
		if a.backlogSince.IsZero() {
			a.backlogSince = now
		}
	} else {
		a.backlogSince = time.Time{}
	}

	if !a.lastSignal.IsZero() && now.Sub(a.lastSignal) < cfg.Cooldown {
		return ScaleSignal{}, false
	}

	idleRatio := 0.0
	if s.Workers > 0 {
		idleRatio = 1 - s.BusyRatio()
	}

	var (
		delta  int
		reason string
	)
	switch {
	case s.Workers < cfg.MinWorkers:
		delta = cfg.MinWorkers - s.Workers
		reason = "below minimum workers"
	case cfg.MaxWorkers > 0 && s.Workers > cfg.MaxWorkers:
		delta = cfg.MaxWorkers - s.Workers
		reason = "above maximum workers"
	case backlogged && now.Sub(a.backlogSince) >= cfg.SustainWindow:
		delta = cfg.Step
		if cfg.MaxWorkers > 0 && s.Workers+delta > cfg.MaxWorkers {
			delta = cfg.MaxWorkers - s.Workers
		}
		reason = fmt.Sprintf("backlog of %d pending tasks for %s", s.Pending, now.Sub(a.backlogSince).Round(time.Second))
		// The next scale-up needs a fresh window.
		a.backlogSince = now
	case !backlogged && s.Workers > cfg.MinWorkers && idleRatio > cfg.IdleRatioThreshold:
		delta = -cfg.Step
		if s.Workers+delta < cfg.MinWorkers {
			delta = cfg.MinWorkers - s.Workers
		}
		reason = fmt.Sprintf("idle ratio %.2f above %.2f", idleRatio, cfg.IdleRatioThreshold)
	}
	if delta == 0 {
		return ScaleSignal{}, false
	}

	a.lastSignal = now
	return ScaleSignal{
		Delta:     delta,
		Desired:   s.Workers + delta,
		Reason:    reason,
		Pending:   s.Pending,
		Workers:   s.Workers,
		BusyRatio: s.BusyRatio(),
		At:        now,
	}, true
}

// Run evaluates snapshot() every Interval until ctx is done.
func (a *Autoscaler) Run(ctx context.Context, snapshot func() Snapshot) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if sig, ok := a.Evaluate(now, snapshot()); ok {
				a.emit(sig)
			}
		}
	}
}

func (a *Autoscaler) emit(sig ScaleSignal) {
	a.metrics.scaled(sig)
	a.logger.Info("scale signal",
		zap.Int("delta", sig.Delta),
		zap.Int("desired", sig.Desired),
		zap.Int("pending", sig.Pending),
		zap.Float64("busy_ratio", sig.BusyRatio),
		zap.String("reason", sig.Reason),
	)

	for {
		select {
		case a.signals <- sig:
			return
		default:
		}
		select {
		case <-a.signals:
		default:
		}
	}
}
