package pipeline

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staged/internal/device"
	"staged/internal/residency"
	"staged/internal/stage"
	"staged/internal/weights"
)

// traceStage appends its name to the string it receives, so the final output
// records the order stages ran in.
type traceStage struct {
	*stage.Base
	fail      error
	onCompute func(name string)
}

func newTraceStage(name string, size uint64) *traceStage {
	return &traceStage{Base: stage.NewBase(name, stage.Role(name), weights.Blob{Role: name, Bytes: size})}
}

func (s *traceStage) Compute(_ context.Context, in stage.Input) (any, error) {
	s.AssertResident()
	if s.onCompute != nil {
		s.onCompute(s.Name())
	}
	if s.fail != nil {
		return nil, s.fail
	}
	prev, _ := in.Value.(string)
	if in.Value == nil {
		prev = strings.Join(in.Items, ",")
	}
	return prev + "|" + s.Name(), nil
}

type sliceSource [][]string

func (s sliceSource) Batches(ctx context.Context) iter.Seq2[WorkBatch, error] {
	return func(yield func(WorkBatch, error) bool) {
		for i, items := range s {
			if !yield(WorkBatch{Index: i, Items: items}, nil) {
				return
			}
		}
	}
}

type collectSink struct {
	results []Result
	err     error
}

func (c *collectSink) Consume(_ context.Context, r Result) error {
	if c.err != nil {
		return c.err
	}
	c.results = append(c.results, r)
	return nil
}

func (c *collectSink) Close() error { return nil }

type fixture struct {
	sim    *device.Sim
	pub    *residency.MemoryPublisher
	guard  *residency.Guard
	stages []*traceStage
}

func newFixture(t *testing.T, maxResident int, sizes ...uint64) *fixture {
	t.Helper()
	f := &fixture{
		sim: device.NewSim(device.ID{Kind: device.KindSim}, device.WithReclaimDelay(2*time.Millisecond)),
		pub: residency.NewMemoryPublisher(),
	}
	f.guard = residency.New(f.sim, nil, residency.Config{
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
		MaxResident:  maxResident,
		Publisher:    f.pub,
	})
	for i, size := range sizes {
		f.stages = append(f.stages, newTraceStage(string(rune('a'+i)), size))
	}
	return f
}

func (f *fixture) spec(t *testing.T, contracts ...Contract) *Spec {
	t.Helper()
	ss := make([]stage.Stage, len(f.stages))
	for i, s := range f.stages {
		ss[i] = s
	}
	spec, err := NewSpec(ss, contracts...)
	require.NoError(t, err)
	return spec
}

func (f *fixture) driver(t *testing.T, cfg Config) *Driver {
	cfg.Publisher = f.pub
	return New(f.spec(t), f.guard, cfg)
}

func eventTrail(events []residency.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		if e.Stage == "" {
			out = append(out, e.Name)
			continue
		}
		out = append(out, e.Name+":"+e.Stage)
	}
	return out
}

func TestRunTwoBatchesThreeStages(t *testing.T) {
	f := newFixture(t, 1, 100, 200, 300)
	d := f.driver(t, Config{})
	sink := &collectSink{}

	require.NoError(t, d.Run(context.Background(), sliceSource{{"p0"}, {"p1"}}, 1, sink))

	require.Len(t, sink.results, 2)
	assert.Equal(t, "p0|a|b|c", sink.results[0].Output)
	assert.Equal(t, "p1|a|b|c", sink.results[1].Output)
	assert.Equal(t, 0, sink.results[0].Seq)
	assert.Equal(t, 1, sink.results[1].Seq)
	assert.Equal(t, 1, sink.results[1].FirstItem)
	assert.NotEmpty(t, sink.results[0].RunID)
	assert.Equal(t, sink.results[0].RunID, sink.results[1].RunID)

	perBatch := []string{
		"place:a", "release_verified:a",
		"place:b", "release_verified:b",
		"place:c", "release_verified:c",
	}
	trail := eventTrail(f.pub.Named(residency.EventPlace, residency.EventReleaseVerified))
	assert.Equal(t, append(append([]string{}, perBatch...), perBatch...), trail)
	assert.Len(t, f.pub.Named(residency.EventRelease), 6)
	assert.Len(t, f.pub.Named(residency.EventBatchDone), 2)

	assert.Empty(t, f.guard.Resident())
	assert.Equal(t, device.Snapshot(300), f.sim.Peak(), "never two stages at once")
	for _, s := range f.stages {
		assert.Equal(t, stage.OffDevice, s.Residency())
		assert.Equal(t, 2, s.Placements())
	}
}

func TestReleaseVerifiedBeforeNextPlacement(t *testing.T) {
	f := newFixture(t, 1, 100, 100)
	d := f.driver(t, Config{})
	require.NoError(t, d.Run(context.Background(), sliceSource{{"x"}}, 2, &collectSink{}))

	var lastVerified, lastPlace time.Time
	for _, e := range f.pub.Events() {
		switch e.Name {
		case residency.EventPlace:
			if !lastVerified.IsZero() {
				assert.False(t, e.At.Before(lastVerified))
			}
			lastPlace = e.At
		case residency.EventReleaseVerified:
			assert.False(t, e.At.Before(lastPlace))
			lastVerified = e.At
		}
	}
	assert.Equal(t, StateDone, d.State().State)
	assert.Equal(t, 2, d.State().Batches)
}

func TestComputeErrorAbortsRun(t *testing.T) {
	f := newFixture(t, 1, 100, 200, 300)
	boom := errors.New("boom")
	f.stages[1].fail = boom
	d := f.driver(t, Config{})
	sink := &collectSink{}

	err := d.Run(context.Background(), sliceSource{{"p0"}, {"p1"}}, 1, sink)
	require.ErrorIs(t, err, boom)
	require.True(t, IsComputeError(err))
	var ce *ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "b", ce.Stage)
	assert.Equal(t, 0, ce.Batch)

	assert.Empty(t, sink.results)
	assert.Empty(t, f.guard.Resident(), "failing stage is still released")
	assert.Equal(t, stage.OffDevice, f.stages[1].Residency())
	assert.Equal(t, 0, f.stages[2].Placements(), "no later stage is placed")
	assert.Equal(t, StateError, d.State().State)
	assert.False(t, d.Ready())
	assert.Contains(t, d.Status().Error, "boom")
}

func TestContractViolationIsComputeError(t *testing.T) {
	f := newFixture(t, 1, 10, 10)
	spec := f.spec(t, Expect("number", func(int) error { return nil }))
	d := New(spec, f.guard, Config{Publisher: f.pub})

	_, err := d.RunBatch(context.Background(), WorkBatch{Items: []string{"x"}})
	require.True(t, IsComputeError(err))
	assert.Contains(t, err.Error(), "contract number")
	assert.Equal(t, 0, f.stages[1].Placements())
}

func TestEmptySourceProducesNothing(t *testing.T) {
	f := newFixture(t, 1, 10, 10)
	d := f.driver(t, Config{})
	sink := &collectSink{}
	require.NoError(t, d.Run(context.Background(), sliceSource{}, 3, sink))
	assert.Empty(t, sink.results)
	assert.Empty(t, f.pub.Named(residency.EventPlace))
	assert.Equal(t, StateDone, d.State().State)
}

func TestTrailingShortBatch(t *testing.T) {
	f := newFixture(t, 1, 10)
	d := f.driver(t, Config{})
	sink := &collectSink{}
	require.NoError(t, d.Run(context.Background(), sliceSource{{"a", "b"}, {"c"}}, 2, sink))

	require.Len(t, sink.results, 4)
	var firsts, iters []int
	for _, r := range sink.results {
		firsts = append(firsts, r.FirstItem)
		iters = append(iters, r.Iteration)
	}
	assert.Equal(t, []int{0, 2, 3, 5}, firsts)
	assert.Equal(t, []int{0, 0, 1, 1}, iters)
	assert.Equal(t, "c|a", sink.results[3].Output)
	assert.Equal(t, 6, d.State().Items)
}

func TestSinkErrorAbortsRun(t *testing.T) {
	f := newFixture(t, 1, 10)
	d := f.driver(t, Config{})
	err := d.Run(context.Background(), sliceSource{{"a"}, {"b"}}, 1, &collectSink{err: errors.New("disk full")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result sink")
	assert.Equal(t, 1, f.stages[0].Placements())
}

func TestCancelledRun(t *testing.T) {
	f := newFixture(t, 1, 10)
	d := f.driver(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx, sliceSource{{"a"}}, 1, &collectSink{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.stages[0].Placements())
}

func TestOverlapKeepsAtMostTwoResident(t *testing.T) {
	f := newFixture(t, 2, 100, 200, 300)
	var during [][]string
	for _, s := range f.stages {
		s.onCompute = func(string) { during = append(during, f.guard.Resident()) }
	}
	d := f.driver(t, Config{Overlap: true})
	sink := &collectSink{}
	require.NoError(t, d.Run(context.Background(), sliceSource{{"p"}}, 1, sink))

	assert.Equal(t, "p|a|b|c", sink.results[0].Output)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, during, "previous stage released before compute")
	assert.Equal(t, device.Snapshot(500), f.sim.Peak(), "b and c co-resident during handoff")
	assert.Empty(t, f.guard.Resident())

	trail := eventTrail(f.pub.Named(residency.EventPlaced, residency.EventReleaseVerified))
	assert.Equal(t, []string{
		"placed:a", "placed:b", "release_verified:a",
		"placed:c", "release_verified:b", "release_verified:c",
	}, trail)
}

func TestOverlapRespectsPeakBudget(t *testing.T) {
	f := newFixture(t, 2, 100, 200, 300)
	f.guard = residency.New(f.sim, nil, residency.Config{
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
		MaxResident:  2,
		PeakBudget:   400,
		Publisher:    f.pub,
	})
	d := f.driver(t, Config{Overlap: true})
	err := d.Run(context.Background(), sliceSource{{"p"}}, 1, &collectSink{})
	require.True(t, residency.IsBudgetExceeded(err))
	assert.Empty(t, f.guard.Resident())
	assert.Equal(t, StateError, d.State().State)
}

func TestStatusAfterRun(t *testing.T) {
	f := newFixture(t, 1, 100, 200)
	d := f.driver(t, Config{})
	assert.Equal(t, StateIdle, d.Status().State)
	assert.True(t, d.Ready())
	require.NoError(t, d.Run(context.Background(), sliceSource{{"a"}, {"b"}}, 1, &collectSink{}))

	st := d.Status()
	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, 2, st.Batches)
	assert.Equal(t, 2, st.Items)
	assert.Equal(t, "sim:0", st.Device)
	assert.Empty(t, st.Resident)
	require.Len(t, st.Stages, 2)
	assert.Equal(t, "a", st.Stages[0].Name)
	assert.Equal(t, "off_device", st.Stages[0].Residency)
	assert.Equal(t, uint64(200), st.Stages[1].SizeBytes)
	assert.Equal(t, 2, st.Stages[1].Placements)
}

func TestNewSpecValidation(t *testing.T) {
	a, b := newTraceStage("a", 1), newTraceStage("b", 1)
	_, err := NewSpec(nil)
	assert.Error(t, err)
	_, err = NewSpec([]stage.Stage{a, b}, Contract{Name: "x"}, Contract{Name: "y"})
	assert.Error(t, err)
	_, err = NewSpec([]stage.Stage{a, a})
	assert.Error(t, err)
	spec, err := NewSpec([]stage.Stage{a, b}, Contract{Name: "x"})
	require.NoError(t, err)
	assert.Len(t, spec.Stages(), 2)
}

func standardDriver(t *testing.T, seed uint64) (*Driver, stage.Params) {
	t.Helper()
	blobs := map[string]weights.Blob{
		weights.RoleConditioning: {Role: weights.RoleConditioning, Bytes: 64, Fingerprint: 1},
		weights.RoleSampling:     {Role: weights.RoleSampling, Bytes: 256, Fingerprint: 2},
		weights.RoleDecoding:     {Role: weights.RoleDecoding, Bytes: 32, Fingerprint: 3},
	}
	stages, err := stage.Standard(blobs)
	require.NoError(t, err)
	p := stage.Params{GuidanceScale: 7.5, Steps: 3, Channels: 4, Height: 16, Width: 16, Factor: 8}
	spec, err := NewSpec(stages, StandardContracts(p)...)
	require.NoError(t, err)
	sim := device.NewSim(device.ID{Kind: device.KindSim})
	g := residency.New(sim, nil, residency.Config{PollInterval: time.Millisecond, MaxWait: time.Second})
	return New(spec, g, Config{Params: p, Seed: seed}), p
}

func TestStandardStagesDeterministic(t *testing.T) {
	src := sliceSource{{"a painting of a virus monster playing guitar", "a red fox"}}
	run := func(seed uint64) *stage.Tensor {
		d, _ := standardDriver(t, seed)
		sink := &collectSink{}
		require.NoError(t, d.Run(context.Background(), src, 1, sink))
		require.Len(t, sink.results, 1)
		img, ok := sink.results[0].Output.(*stage.Tensor)
		require.True(t, ok)
		return img
	}
	first, second := run(42), run(42)
	assert.Equal(t, []int{2, 3, 16, 16}, first.Shape)
	assert.Equal(t, first.Data, second.Data)
	for _, v := range first.Data {
		require.True(t, v >= 0 && v <= 1)
	}
	assert.NotEqual(t, first.Data, run(7).Data)
}
