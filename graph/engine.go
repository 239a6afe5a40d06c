package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/graph/emit"
	"github.com/dshills/taskgraph-go/graph/store"
)

// Engine executes a Graph.
//
// One engine can drive many runs concurrently; each run is executed on the
// calling goroutine one node at a time, and is the only writer of its own
// checkpoints. The engine itself holds no per-run state.
//
// Execution loop:
//  1. Stop if ctx is done or the run deadline has passed
//  2. Fail with MaxIterationsExceededError if the bound is reached
//  3. Run the current node; on error wrap it in NodeExecutionError
//  4. Checkpoint the new state tagged with the node that just completed
//  5. Stop if the node is an exit point
//  6. Move to the target of the first edge whose predicate matches
type Engine[S any] struct {
	graph *Graph[S]
	cfg   engineConfig
}

// Result describes the outcome of Execute or a Resume call. On error it
// holds the last successfully committed state.
type Result[S any] struct {
	RunID string
	State S

	// Path lists the nodes executed by this call in order. A resumed run
	// does not include nodes executed before the checkpoint.
	Path []string

	// LastNode is the most recently completed node, including the
	// checkpointed node of a resume that executed nothing.
	LastNode string

	// Iterations counts node executions since run start, across resumes.
	Iterations int

	// LastCheckpointID is the newest checkpoint written or resumed from.
	LastCheckpointID string
}

// New creates an engine for g.
func New[S any](g *Graph[S], opts ...Option) (*Engine[S], error) {
	if g == nil {
		return nil, &EngineError{Code: "INVALID_OPTION", Message: "graph cannot be nil"}
	}

	e := &Engine[S]{graph: g, cfg: defaultConfig()}
	for _, opt := range opts {
		if err := opt(&e.cfg); err != nil {
			return nil, err
		}
	}
	if _, _, err := e.configure(nil); err != nil {
		return nil, err
	}
	return e, nil
}

// Graph returns the graph the engine executes.
func (e *Engine[S]) Graph() *Graph[S] {
	return e.graph
}

// configure applies per-run options on top of the engine configuration.
func (e *Engine[S]) configure(opts []Option) (engineConfig, Serializer[S], error) {
	cfg := e.cfg
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, nil, err
		}
	}

	var ser Serializer[S] = JSONSerializer[S]{}
	if cfg.serializer != nil {
		s, ok := cfg.serializer.(Serializer[S])
		if !ok {
			return cfg, nil, &EngineError{
				Code:    "INVALID_OPTION",
				Message: fmt.Sprintf("serializer %T does not match the graph state type", cfg.serializer),
			}
		}
		ser = s
	}

	if cfg.effectiveMode() != CheckpointDisabled && cfg.store == nil {
		return cfg, nil, &EngineError{Code: "NO_STORE", Message: "checkpointing requires a store"}
	}
	return cfg, ser, nil
}

// Execute starts a new run at the entry node. An empty runID is replaced
// with a generated one. opts override engine options for this run only.
func (e *Engine[S]) Execute(ctx context.Context, runID string, initial S, opts ...Option) (Result[S], error) {
	cfg, ser, err := e.configure(opts)
	if err != nil {
		return Result[S]{RunID: runID, State: initial}, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	r := &run[S]{
		graph: e.graph,
		cfg:   cfg,
		ser:   ser,
		id:    runID,
		state: initial,
		node:  e.graph.entry,
	}
	r.emit(emit.MsgRunStarted, "", nil)
	return r.loop(ctx, false)
}

// ResumeFrom continues the run that wrote checkpointID. The checkpointed
// node is not executed again; execution continues with the edges leaving
// it. The run keeps its original run ID and iteration count.
func (e *Engine[S]) ResumeFrom(ctx context.Context, checkpointID string, opts ...Option) (Result[S], error) {
	cfg, ser, err := e.configure(opts)
	if err != nil {
		return Result[S]{}, err
	}
	if cfg.store == nil {
		return Result[S]{}, &EngineError{Code: "NO_STORE", Message: "resume requires a store"}
	}

	cp, err := cfg.store.Get(ctx, checkpointID)
	if errors.Is(err, store.ErrNotFound) {
		return Result[S]{}, &CheckpointNotFoundError{CheckpointID: checkpointID}
	}
	if err != nil {
		return Result[S]{}, &EngineError{Code: "STORE_ERROR", Message: "failed to load checkpoint " + checkpointID, Cause: err}
	}
	return e.resume(ctx, cfg, ser, cp)
}

// ResumeLatest continues runID from its most recent checkpoint.
func (e *Engine[S]) ResumeLatest(ctx context.Context, runID string, opts ...Option) (Result[S], error) {
	cfg, ser, err := e.configure(opts)
	if err != nil {
		return Result[S]{RunID: runID}, err
	}
	if cfg.store == nil {
		return Result[S]{RunID: runID}, &EngineError{Code: "NO_STORE", Message: "resume requires a store"}
	}

	cp, err := cfg.store.GetLatest(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return Result[S]{RunID: runID}, &CheckpointNotFoundError{RunID: runID}
	}
	if err != nil {
		return Result[S]{RunID: runID}, &EngineError{Code: "STORE_ERROR", Message: "failed to load latest checkpoint for run " + runID, Cause: err}
	}
	return e.resume(ctx, cfg, ser, cp)
}

func (e *Engine[S]) resume(ctx context.Context, cfg engineConfig, ser Serializer[S], cp store.Checkpoint) (Result[S], error) {
	if !e.graph.HasNode(cp.NodeName) {
		return Result[S]{RunID: cp.RunID}, &EngineError{
			Code:    "UNKNOWN_NODE",
			Message: fmt.Sprintf("checkpoint %s references node %q which is not in the graph", cp.ID, cp.NodeName),
		}
	}

	state, err := ser.Unmarshal(cp.State)
	if err != nil {
		return Result[S]{RunID: cp.RunID}, &EngineError{Code: "SERIALIZE_ERROR", Message: "failed to decode checkpoint " + cp.ID, Cause: err}
	}

	r := &run[S]{
		graph:     e.graph,
		cfg:       cfg,
		ser:       ser,
		id:        cp.RunID,
		state:     state,
		node:      cp.NodeName,
		iteration: cp.Iteration,
		lastCP:    cp.ID,
	}
	r.emit(emit.MsgRunResumed, cp.NodeName, map[string]interface{}{"checkpoint_id": cp.ID})
	return r.loop(ctx, true)
}

// run is the state of a single Execute or Resume call.
type run[S any] struct {
	graph *Graph[S]
	cfg   engineConfig
	ser   Serializer[S]

	id        string
	state     S
	node      string
	lastNode  string
	iteration int
	path      []string
	lastCP    string
}

func (r *run[S]) loop(parent context.Context, routeFirst bool) (Result[S], error) {
	ctx := parent
	if r.cfg.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.cfg.runTimeout)
		defer cancel()
	}
	r.cfg.metrics.runStarted()

	if routeFirst {
		r.lastNode = r.node
		if r.graph.IsExit(r.node) {
			return r.finish(nil)
		}
		if err := r.advance(); err != nil {
			return r.finish(err)
		}
	}

	for {
		if err := parent.Err(); err != nil {
			return r.finish(err)
		}
		if ctx.Err() != nil {
			return r.finish(&TimeoutError{Scope: "run", Name: r.id, After: r.cfg.runTimeout})
		}

		if r.iteration >= r.cfg.maxIterations {
			path := append(append([]string(nil), r.path...), r.node)
			return r.finish(&MaxIterationsExceededError{Limit: r.cfg.maxIterations, Path: path})
		}

		if err := r.step(ctx); err != nil {
			if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = &TimeoutError{Scope: "run", Name: r.id, After: r.cfg.runTimeout}
			}
			return r.finish(err)
		}

		if r.graph.IsExit(r.node) {
			return r.finish(nil)
		}
		if err := r.advance(); err != nil {
			return r.finish(err)
		}
	}
}

// step executes the current node and commits its output.
func (r *run[S]) step(ctx context.Context) error {
	name := r.node
	iteration := r.iteration + 1

	start := time.Now()
	next, err := invokeNode(ctx, name, r.graph.nodes[name], r.state, r.graph.policies[name], r.cfg.nodeTimeout)
	elapsed := time.Since(start)

	if err != nil {
		r.cfg.metrics.observeNode(name, "error", elapsed)
		r.emitAt(iteration, emit.MsgNodeFailed, name, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
		return &NodeExecutionError{Node: name, Iteration: iteration, Cause: err}
	}

	r.state = next
	r.iteration = iteration
	r.lastNode = name
	r.path = append(r.path, name)
	r.cfg.metrics.observeNode(name, "success", elapsed)
	r.emit(emit.MsgNodeCompleted, name, map[string]interface{}{"duration_ms": elapsed.Milliseconds()})

	mode := r.cfg.effectiveMode()
	if mode == CheckpointDisabled {
		return nil
	}
	if r.iteration%r.cfg.checkpointEvery != 0 && !r.graph.IsExit(name) {
		return nil
	}
	return r.checkpoint(ctx, mode)
}

func (r *run[S]) checkpoint(ctx context.Context, mode CheckpointMode) error {
	data, err := r.ser.Marshal(r.state)
	var id string
	if err == nil {
		id, err = r.cfg.store.Save(ctx, store.Checkpoint{
			RunID:     r.id,
			NodeName:  r.node,
			State:     data,
			CreatedAt: r.cfg.now(),
			Iteration: r.iteration,
		})
	}

	if err != nil {
		r.cfg.metrics.incCheckpoint("failed")
		r.cfg.logger.Warn("checkpoint write failed",
			zap.String("run_id", r.id),
			zap.String("node", r.node),
			zap.Int("iteration", r.iteration),
			zap.Stringer("mode", mode),
			zap.Error(err),
		)
		r.emit(emit.MsgCheckpointFailed, r.node, map[string]interface{}{"error": err.Error()})
		if mode == CheckpointMandatory {
			return &EngineError{
				Code:    "CHECKPOINT_FAILED",
				Message: fmt.Sprintf("checkpoint after node %s at iteration %d", r.node, r.iteration),
				Cause:   err,
			}
		}
		return nil
	}

	r.lastCP = id
	r.cfg.metrics.incCheckpoint("saved")
	r.emit(emit.MsgCheckpointSaved, r.node, map[string]interface{}{"checkpoint_id": id})
	return nil
}

// advance follows the first matching edge out of the current node.
func (r *run[S]) advance() error {
	next, ok := r.graph.next(r.node, r.state)
	if !ok {
		return &EngineError{
			Code:    "NO_ROUTE",
			Message: fmt.Sprintf("no edge from node %s matched at iteration %d", r.node, r.iteration),
		}
	}
	r.node = next
	return nil
}

func (r *run[S]) finish(err error) (Result[S], error) {
	res := Result[S]{
		RunID:            r.id,
		State:            r.state,
		Path:             r.path,
		LastNode:         r.lastNode,
		Iterations:       r.iteration,
		LastCheckpointID: r.lastCP,
	}

	switch {
	case err == nil:
		r.cfg.metrics.runFinished("completed")
		r.emit(emit.MsgRunCompleted, r.lastNode, nil)
		r.cfg.logger.Debug("run completed",
			zap.String("run_id", r.id),
			zap.Int("iterations", r.iteration),
		)
	case errors.Is(err, context.Canceled):
		r.cfg.metrics.runFinished("cancelled")
		r.emit(emit.MsgRunFailed, r.node, map[string]interface{}{"error": err.Error()})
	default:
		r.cfg.metrics.runFinished("failed")
		r.emit(emit.MsgRunFailed, r.node, map[string]interface{}{"error": err.Error()})
		r.cfg.logger.Info("run failed",
			zap.String("run_id", r.id),
			zap.String("node", r.node),
			zap.Int("iteration", r.iteration),
			zap.Error(err),
		)
	}
	return res, err
}

func (r *run[S]) emit(msg, node string, meta map[string]interface{}) {
	r.emitAt(r.iteration, msg, node, meta)
}

func (r *run[S]) emitAt(iteration int, msg, node string, meta map[string]interface{}) {
	r.cfg.emitter.Emit(emit.Event{
		RunID:     r.id,
		Iteration: iteration,
		Node:      node,
		Msg:       msg,
		Time:      r.cfg.now(),
		Meta:      meta,
	})
}
