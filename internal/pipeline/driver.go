package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"staged/internal/residency"
	"staged/internal/stage"
)

// Config encapsulates the driver's run-level settings.
type Config struct {
	Params stage.Params
	// Seed drives every random draw of a run. Two runs with the same seed,
	// inputs and stages produce the same outputs.
	Seed uint64
	// Overlap places stage i+1 before stage i is released. The guard must
	// allow two resident stages.
	Overlap   bool
	Logger    zerolog.Logger
	Publisher residency.EventPublisher
}

// Driver runs batches through a Spec, one resident stage at a time.
type Driver struct {
	spec  *Spec
	guard *residency.Guard
	cfg   Config
	log   zerolog.Logger
	pub   residency.EventPublisher

	// rng is only touched by the goroutine running a batch.
	rng *rand.Rand

	mu    sync.RWMutex
	state RunState
}

// New builds a driver over spec. Every placement and release goes through guard.
func New(spec *Spec, guard *residency.Guard, cfg Config) *Driver {
	d := &Driver{
		spec:  spec,
		guard: guard,
		cfg:   cfg,
		log:   cfg.Logger,
		pub:   cfg.Publisher,
		rng:   newRand(cfg.Seed),
		state: RunState{State: StateIdle},
	}
	if d.pub == nil {
		d.pub = residency.Publishers(nil)
	}
	return d
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RunBatch sends one batch through every stage in order and returns the last
// stage's output. No stage is resident when it returns.
func (d *Driver) RunBatch(ctx context.Context, b WorkBatch) (any, error) {
	return d.runBatch(ctx, d.State().Iteration, b)
}

func (d *Driver) runBatch(ctx context.Context, iteration int, b WorkBatch) (any, error) {
	if len(b.Items) == 0 {
		return nil, fmt.Errorf("batch %d is empty", b.Index)
	}
	if d.cfg.Overlap {
		return d.runOverlapped(ctx, iteration, b)
	}
	var value any
	for i, s := range d.spec.stages {
		in := d.input(b, value)
		value = nil
		var out any
		err := d.guard.With(ctx, s, func(c stage.Computer) error {
			var err error
			out, err = d.compute(ctx, c, in, iteration, b)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := d.spec.check(i, out); err != nil {
			return nil, &ComputeError{Stage: s.Name(), Iteration: iteration, Batch: b.Index, Err: err}
		}
		value = out
	}
	return value, nil
}

// runOverlapped places stage i+1 while stage i's output is handed off, then
// verifies stage i's release before stage i+1 computes.
func (d *Driver) runOverlapped(ctx context.Context, iteration int, b WorkBatch) (any, error) {
	stages := d.spec.stages
	lease, err := d.guard.Acquire(ctx, stages[0])
	if err != nil {
		return nil, err
	}
	var value any
	for i := range stages {
		out, err := d.compute(ctx, lease.Stage(), d.input(b, value), iteration, b)
		if err == nil {
			err = d.spec.check(i, out)
			if err != nil {
				err = &ComputeError{Stage: stages[i].Name(), Iteration: iteration, Batch: b.Index, Err: err}
			}
		}
		if err != nil {
			return nil, errors.Join(err, lease.Release(ctx))
		}
		var next *residency.Lease
		if i+1 < len(stages) {
			if next, err = d.guard.Acquire(ctx, stages[i+1]); err != nil {
				return nil, errors.Join(err, lease.Release(ctx))
			}
		}
		if err := lease.Release(ctx); err != nil {
			if next != nil {
				err = errors.Join(err, next.Release(ctx))
			}
			return nil, err
		}
		lease, value = next, out
	}
	return value, nil
}

func (d *Driver) input(b WorkBatch, value any) stage.Input {
	return stage.Input{Items: b.Items, Params: d.cfg.Params, Value: value, Rand: d.rng}
}

func (d *Driver) compute(ctx context.Context, c stage.Computer, in stage.Input, iteration int, b WorkBatch) (any, error) {
	d.update(func(s *RunState) { s.Active = c.Name() })
	defer d.update(func(s *RunState) { s.Active = "" })
	start := time.Now()
	out, err := c.Compute(ctx, in)
	if err != nil {
		return nil, &ComputeError{Stage: c.Name(), Iteration: iteration, Batch: b.Index, Err: err}
	}
	d.log.Debug().Str("event", "compute").Str("stage", c.Name()).
		Int("iteration", iteration).Int("batch", b.Index).Dur("dur", time.Since(start)).Msg("pipeline")
	return out, nil
}

// Run processes every batch of src, iterations times, handing each result to
// sink in order. The first error aborts the run. The caller closes sink.
func (d *Driver) Run(ctx context.Context, src WorkSource, iterations int, sink ResultSink) error {
	if iterations < 0 {
		return fmt.Errorf("iterations must be non-negative, got %d", iterations)
	}
	if src == nil || sink == nil {
		return errors.New("pipeline run needs a work source and a result sink")
	}
	runID := uuid.NewString()
	d.rng = newRand(d.cfg.Seed)
	d.update(func(s *RunState) {
		*s = RunState{RunID: runID, State: StateRunning, Iterations: iterations, StartedAt: time.Now()}
	})
	log := d.log.With().Str("run_id", runID).Logger()
	log.Info().Str("event", "run_start").Int("iterations", iterations).Int("stages", len(d.spec.stages)).Msg("pipeline")

	err := d.run(ctx, src, iterations, sink, runID, log)
	st := d.State()
	if err != nil {
		d.update(func(s *RunState) { s.State, s.Err = StateError, err })
		log.Error().Str("event", "run_failed").Int("batches", st.Batches).Err(err).Msg("pipeline")
		return err
	}
	d.update(func(s *RunState) { s.State = StateDone })
	log.Info().Str("event", "run_done").Int("batches", st.Batches).Int("items", st.Items).
		Dur("dur", time.Since(st.StartedAt)).Msg("pipeline")
	return nil
}

func (d *Driver) run(ctx context.Context, src WorkSource, iterations int, sink ResultSink, runID string, log zerolog.Logger) error {
	for it := range iterations {
		d.update(func(s *RunState) { s.Iteration = it })
		for b, err := range src.Batches(ctx) {
			if err != nil {
				return fmt.Errorf("work source: %w", err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(b.Items) == 0 {
				continue
			}
			start := time.Now()
			d.publish(residency.EventBatchStart, map[string]any{"iteration": it, "batch": b.Index, "items": len(b.Items)})
			out, err := d.runBatch(ctx, it, b)
			if err != nil {
				return err
			}
			var res Result
			d.update(func(s *RunState) {
				res = Result{RunID: runID, Iteration: it, Seq: s.Batches, FirstItem: s.Items, Batch: b, Output: out}
				s.Batches++
				s.Items += len(b.Items)
			})
			if err := sink.Consume(ctx, res); err != nil {
				return fmt.Errorf("result sink: %w", err)
			}
			d.publish(residency.EventBatchDone, map[string]any{"iteration": it, "batch": b.Index, "items": len(b.Items)})
			log.Info().Str("event", "batch_done").Int("iteration", it).Int("batch", b.Index).
				Int("items", len(b.Items)).Dur("dur", time.Since(start)).Msg("pipeline")
		}
	}
	return nil
}

func (d *Driver) publish(name string, fields map[string]any) {
	d.pub.Publish(residency.Event{At: time.Now(), Name: name, Fields: fields})
}
