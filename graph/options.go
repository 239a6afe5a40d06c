package graph

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/graph/emit"
	"github.com/dshills/taskgraph-go/graph/store"
)

// DefaultMaxIterations bounds a run when WithMaxIterations is not used.
const DefaultMaxIterations = 100

// CheckpointMode controls whether and how strictly checkpoints are written.
type CheckpointMode int

const (
	// checkpointAuto resolves to CheckpointBestEffort when a store is
	// configured and CheckpointDisabled otherwise.
	checkpointAuto CheckpointMode = iota

	// CheckpointDisabled writes no checkpoints. Resume still works against
	// checkpoints written earlier.
	CheckpointDisabled

	// CheckpointBestEffort logs write failures and lets the run continue.
	CheckpointBestEffort

	// CheckpointMandatory aborts the run when a checkpoint cannot be written.
	CheckpointMandatory
)

func (m CheckpointMode) String() string {
	switch m {
	case CheckpointDisabled:
		return "disabled"
	case CheckpointBestEffort:
		return "best_effort"
	case CheckpointMandatory:
		return "mandatory"
	default:
		return "auto"
	}
}

// ParseCheckpointMode converts a configuration string to a CheckpointMode.
// The empty string selects the automatic default.
func ParseCheckpointMode(s string) (CheckpointMode, error) {
	switch s {
	case "", "auto":
		return checkpointAuto, nil
	case "disabled", "off":
		return CheckpointDisabled, nil
	case "best_effort", "best-effort":
		return CheckpointBestEffort, nil
	case "mandatory":
		return CheckpointMandatory, nil
	default:
		return checkpointAuto, fmt.Errorf("unknown checkpoint mode %q", s)
	}
}

// Option configures an Engine. The same options can be passed to Execute
// and the Resume methods to override engine settings for one run.
type Option func(*engineConfig) error

type engineConfig struct {
	store           store.Store
	serializer      any // Serializer[S]; checked in New and per run
	emitter         emit.Emitter
	metrics         *PrometheusMetrics
	logger          *zap.Logger
	maxIterations   int
	checkpointMode  CheckpointMode
	checkpointEvery int
	runTimeout      time.Duration
	nodeTimeout     time.Duration
	now             func() time.Time
}

func defaultConfig() engineConfig {
	return engineConfig{
		emitter:         emit.NewNullEmitter(),
		logger:          zap.NewNop(),
		maxIterations:   DefaultMaxIterations,
		checkpointEvery: 1,
		now:             time.Now,
	}
}

func (c engineConfig) effectiveMode() CheckpointMode {
	if c.checkpointMode == checkpointAuto {
		if c.store != nil {
			return CheckpointBestEffort
		}
		return CheckpointDisabled
	}
	return c.checkpointMode
}

// WithStore sets the checkpoint store. Checkpointing defaults to best effort
// once a store is configured.
func WithStore(st store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.store = st
		return nil
	}
}

// WithSerializer sets the state serializer used for checkpoints.
// Default: JSONSerializer.
func WithSerializer[S any](s Serializer[S]) Option {
	return func(cfg *engineConfig) error {
		if s == nil {
			return &EngineError{Code: "INVALID_OPTION", Message: "serializer cannot be nil"}
		}
		cfg.serializer = s
		return nil
	}
}

// WithEmitter sets the event emitter. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			e = emit.NewNullEmitter()
		}
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the logger used for checkpoint failures and run lifecycle.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if l == nil {
			l = zap.NewNop()
		}
		cfg.logger = l.With(zap.String("component", "graph"))
		return nil
	}
}

// WithMaxIterations bounds the number of node executions in a run,
// counted from run start across resumes. Default: 100.
//
// Cycles are legal; this bound catches the unintended ones.
func WithMaxIterations(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Code: "INVALID_OPTION", Message: fmt.Sprintf("max iterations must be >= 1, got %d", n)}
		}
		cfg.maxIterations = n
		return nil
	}
}

// WithCheckpointMode selects disabled, best-effort, or mandatory
// checkpointing.
func WithCheckpointMode(mode CheckpointMode) Option {
	return func(cfg *engineConfig) error {
		cfg.checkpointMode = mode
		return nil
	}
}

// WithCheckpointEvery writes a checkpoint after every nth iteration, counted
// from run start. Exit nodes are always checkpointed. Default: 1.
func WithCheckpointEvery(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Code: "INVALID_OPTION", Message: fmt.Sprintf("checkpoint interval must be >= 1, got %d", n)}
		}
		cfg.checkpointEvery = n
		return nil
	}
}

// WithRunTimeout bounds the wall time of one Execute or Resume call. The
// deadline is checked at node boundaries and passed to nodes through ctx.
func WithRunTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.runTimeout = d
		return nil
	}
}

// WithNodeTimeout sets the default per-node timeout. NodePolicy.Timeout
// overrides it for individual nodes. Zero disables it.
func WithNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.nodeTimeout = d
		return nil
	}
}

// WithClock overrides the time source for checkpoint timestamps and events.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if now == nil {
			now = time.Now
		}
		cfg.now = now
		return nil
	}
}
