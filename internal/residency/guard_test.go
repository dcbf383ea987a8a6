package residency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staged/internal/device"
	"staged/internal/stage"
	"staged/internal/weights"
)

type testStage struct{ *stage.Base }

func newTestStage(name string, size uint64) *testStage {
	return &testStage{Base: stage.NewBase(name, stage.Role(name), weights.Blob{Role: name, Bytes: size})}
}

func (s *testStage) Compute(_ context.Context, in stage.Input) (any, error) {
	s.AssertResident()
	return in.Value, nil
}

func newSim(opts ...device.SimOption) *device.Sim {
	return device.NewSim(device.ID{Kind: device.KindSim}, opts...)
}

func TestAcquireReleaseSequential(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	pub := NewMemoryPublisher()
	g := New(sim, nil, Config{PollInterval: time.Millisecond, MaxWait: time.Second, Publisher: pub})
	a, b := newTestStage("a", 100), newTestStage("b", 200)

	la, err := g.Acquire(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, stage.OnDevice, a.Residency())
	assert.Equal(t, []string{"a"}, g.Resident())

	_, err = g.Acquire(ctx, b)
	require.ErrorIs(t, err, ErrResidencyConflict)
	assert.Equal(t, stage.OffDevice, b.Residency())

	require.NoError(t, la.Release(ctx))
	require.NoError(t, la.Release(ctx), "second release is a no-op")
	assert.Equal(t, stage.OffDevice, a.Residency())
	assert.Empty(t, g.Resident())

	lb, err := g.Acquire(ctx, b)
	require.NoError(t, err)
	require.NoError(t, lb.Release(ctx))

	var names []string
	for _, e := range pub.Events() {
		names = append(names, e.Name+":"+e.Stage)
	}
	assert.Equal(t, []string{
		"place:a", "placed:a", "release:a", "release_verified:a",
		"place:b", "placed:b", "release:b", "release_verified:b",
	}, names)
}

func TestReleaseWaitsForAsynchronousReclaim(t *testing.T) {
	ctx := context.Background()
	sim := newSim(device.WithReclaimDelay(40 * time.Millisecond))
	g := New(sim, nil, Config{PollInterval: 5 * time.Millisecond, MaxWait: 2 * time.Second})
	s := newTestStage("unet", 1000)

	l, err := g.Acquire(ctx, s)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, l.Release(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, device.Snapshot(0), sim.Current(), "release must not return before memory is reclaimed")
	assert.GreaterOrEqual(t, g.LastWait("unet"), 35*time.Millisecond)
}

// stuckMonitor reads zero once (the pre-placement reading) and then never
// drops below full.
func stuckMonitor() device.Monitor {
	var calls atomic.Int64
	return device.MonitorFunc(func() device.Snapshot {
		if calls.Add(1) == 1 {
			return 0
		}
		return 500
	})
}

func TestReleaseTimeoutFires(t *testing.T) {
	ctx := context.Background()
	const maxWait, poll = 60 * time.Millisecond, 10 * time.Millisecond
	pub := NewMemoryPublisher()
	g := New(newSim(), stuckMonitor(), Config{PollInterval: poll, MaxWait: maxWait, Publisher: pub})
	s := newTestStage("decoder", 500)

	l, err := g.Acquire(ctx, s)
	require.NoError(t, err)
	start := time.Now()
	err = l.Release(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsReleaseTimeout(err))
	var rte *ReleaseTimeoutError
	require.ErrorAs(t, err, &rte)
	assert.Equal(t, "decoder", rte.Stage)
	assert.GreaterOrEqual(t, rte.Elapsed, maxWait)
	assert.Equal(t, device.Snapshot(500), rte.Current)
	assert.Less(t, elapsed, maxWait+poll+100*time.Millisecond)
	assert.Len(t, pub.Named(EventReleaseTimeout), 1)

	// the lease is closed even though verification failed
	assert.Empty(t, g.Resident())
	assert.Equal(t, err, l.Release(ctx))
}

func TestReleaseWaitIsCancellable(t *testing.T) {
	g := New(newSim(), stuckMonitor(), Config{PollInterval: 5 * time.Millisecond, MaxWait: time.Minute})
	l, err := g.Acquire(context.Background(), newTestStage("s", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = l.Release(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithReleasesOnError(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	g := New(sim, nil, Config{PollInterval: time.Millisecond})
	s := newTestStage("s", 10)
	boom := errors.New("boom")

	err := g.With(ctx, s, func(c stage.Computer) error {
		assert.Equal(t, "s", c.Name())
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, stage.OffDevice, s.Residency())
	assert.Equal(t, device.Snapshot(0), sim.Current())
}

func TestWithReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	g := New(newSim(), nil, Config{PollInterval: time.Millisecond})
	s := newTestStage("s", 10)
	assert.Panics(t, func() {
		_ = g.With(ctx, s, func(stage.Computer) error { panic("bad") })
	})
	assert.Equal(t, stage.OffDevice, s.Residency())
	assert.Empty(t, g.Resident())
}

func TestWithJoinsTimeoutAndComputeError(t *testing.T) {
	g := New(newSim(), stuckMonitor(), Config{PollInterval: time.Millisecond, MaxWait: 10 * time.Millisecond})
	boom := errors.New("boom")
	err := g.With(context.Background(), newTestStage("s", 1), func(stage.Computer) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.True(t, IsReleaseTimeout(err))
}

func TestPeakBudget(t *testing.T) {
	ctx := context.Background()
	g := New(newSim(), nil, Config{PeakBudget: 150, MaxResident: 2, PollInterval: time.Millisecond})
	la, err := g.Acquire(ctx, newTestStage("a", 100))
	require.NoError(t, err)

	big := newTestStage("b", 100)
	_, err = g.Acquire(ctx, big)
	require.Error(t, err)
	assert.True(t, IsBudgetExceeded(err))
	assert.Equal(t, stage.OffDevice, big.Residency())
	require.NoError(t, la.Release(ctx))

	lb, err := g.Acquire(ctx, big)
	require.NoError(t, err)
	require.NoError(t, lb.Release(ctx))
}

func TestOverlapHandoff(t *testing.T) {
	ctx := context.Background()
	sim := newSim(device.WithReclaimDelay(10 * time.Millisecond))
	g := New(sim, nil, Config{MaxResident: 2, PeakBudget: 500, PollInterval: time.Millisecond, MaxWait: time.Second})
	a, b, c := newTestStage("a", 100), newTestStage("b", 300), newTestStage("c", 50)

	la, err := g.Acquire(ctx, a)
	require.NoError(t, err)
	lb, err := g.Acquire(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, device.Snapshot(400), sim.Current())

	_, err = g.Acquire(ctx, c)
	require.ErrorIs(t, err, ErrResidencyConflict)

	// a's target accounts for b, which is still resident
	require.NoError(t, la.Release(ctx))
	assert.Equal(t, device.Snapshot(300), sim.Current())
	require.NoError(t, lb.Release(ctx))
	assert.Equal(t, device.Snapshot(0), sim.Current())
	assert.Equal(t, device.Snapshot(400), sim.Peak())
}

func TestAcquireSameStageTwice(t *testing.T) {
	g := New(newSim(), nil, Config{MaxResident: 2})
	s := newTestStage("s", 1)
	_, err := g.Acquire(context.Background(), s)
	require.NoError(t, err)
	_, err = g.Acquire(context.Background(), s)
	assert.ErrorIs(t, err, ErrResidencyConflict)
}
