// Package residency makes a stage's presence on the device a scoped
// resource. A Guard places a stage, hands the caller a Lease, and on release
// moves the stage off the device and blocks until the device monitor shows
// the memory was actually reclaimed, or a bounded wait runs out.
package residency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"staged/internal/device"
	"staged/internal/stage"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPollInterval = 50 * time.Millisecond
	defaultMaxWait      = 30 * time.Second
	defaultMaxResident  = 1
)

// Config encapsulates the guard's tunables.
type Config struct {
	// PollInterval is the gap between monitor readings while waiting for a release.
	PollInterval time.Duration
	// MaxWait bounds the wait for a release to be reclaimed.
	MaxWait time.Duration
	// MaxResident is how many stages may be resident at once. 2 allows a
	// stage to load while the previous one is still handing off.
	MaxResident int
	// PeakBudget caps device memory at placement time, in bytes. Zero disables.
	PeakBudget uint64
	Logger     zerolog.Logger
	Publisher  EventPublisher
}

// Guard is the only component that moves stages on and off the device.
type Guard struct {
	dev device.Device
	mon device.Monitor
	cfg Config
	log zerolog.Logger
	pub EventPublisher

	mu    sync.Mutex
	open  []*Lease
	waits map[string]time.Duration
}

// New builds a guard placing stages on dev and verifying releases with mon.
// A nil mon uses the device's own monitor.
func New(dev device.Device, mon device.Monitor, cfg Config) *Guard {
	if mon == nil {
		mon = dev
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.MaxResident <= 0 {
		cfg.MaxResident = defaultMaxResident
	}
	g := &Guard{dev: dev, mon: mon, cfg: cfg, log: cfg.Logger, pub: cfg.Publisher, waits: make(map[string]time.Duration)}
	if g.pub == nil {
		g.pub = noopPublisher{}
	}
	return g
}

// Lease is one stage's residency on the device.
type Lease struct {
	g      *Guard
	stage  stage.Stage
	before device.Snapshot
	growth uint64

	// guarded by g.mu
	done bool
	err  error
}

// Stage returns the leased stage's compute surface.
func (l *Lease) Stage() stage.Computer { return l.stage }

// Acquire records the current device reading and places s on the device.
func (g *Guard) Acquire(ctx context.Context, s stage.Stage) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, o := range g.open {
		if o.stage == s {
			return nil, fmt.Errorf("stage %s already resident: %w", s.Name(), ErrResidencyConflict)
		}
	}
	if len(g.open) >= g.cfg.MaxResident {
		return nil, fmt.Errorf("acquire %s with %d of %d resident: %w", s.Name(), len(g.open), g.cfg.MaxResident, ErrResidencyConflict)
	}
	before := g.mon.Current()
	if g.cfg.PeakBudget > 0 && uint64(before)+s.Size() > g.cfg.PeakBudget {
		return nil, &BudgetExceededError{Stage: s.Name(), Need: uint64(before) + s.Size(), Budget: g.cfg.PeakBudget}
	}

	g.publish(EventPlace, s.Name(), map[string]any{"before": uint64(before), "size": s.Size()})
	if err := s.Place(ctx, g.dev); err != nil {
		g.log.Error().Str("event", "place_error").Str("stage", s.Name()).Err(err).Msg("residency")
		return nil, err
	}
	after := g.mon.Current()
	l := &Lease{g: g, stage: s, before: before}
	if after > before {
		l.growth = uint64(after - before)
	}
	g.open = append(g.open, l)
	g.publish(EventPlaced, s.Name(), map[string]any{"before": uint64(before), "after": uint64(after)})
	g.log.Debug().Str("event", "placed").Str("stage", s.Name()).
		Stringer("before", before).Stringer("after", after).Msg("residency")
	return l, nil
}

// Release moves the stage off the device and waits until the monitor reads
// at most what it read before the stage was placed (plus whatever stages
// placed after it still hold). It fails with *ReleaseTimeoutError when the
// wait exceeds MaxWait. Calling Release again returns the first result.
func (l *Lease) Release(ctx context.Context) error {
	g := l.g
	g.mu.Lock()
	if l.done {
		err := l.err
		g.mu.Unlock()
		return err
	}
	target := l.before
	for i, o := range g.open {
		if o != l {
			continue
		}
		for _, later := range g.open[i+1:] {
			target += device.Snapshot(later.growth)
		}
		break
	}
	g.mu.Unlock()

	name := l.stage.Name()
	g.publish(EventRelease, name, map[string]any{"target": uint64(target)})
	err := l.stage.Release()
	if err != nil {
		err = fmt.Errorf("release %s: %w", name, err)
	} else {
		var waited time.Duration
		var cur device.Snapshot
		waited, cur, err = g.waitReclaimed(ctx, name, target)
		if err == nil {
			g.publish(EventReleaseVerified, name, map[string]any{"wait": waited, "current": uint64(cur)})
			g.log.Debug().Str("event", "release_verified").Str("stage", name).
				Dur("wait", waited).Stringer("current", cur).Msg("residency")
		} else if IsReleaseTimeout(err) {
			g.publish(EventReleaseTimeout, name, map[string]any{"wait": waited, "current": uint64(cur)})
			g.log.Error().Str("event", "release_timeout").Str("stage", name).Err(err).Msg("residency")
		}
		g.mu.Lock()
		g.waits[name] = waited
		g.mu.Unlock()
	}

	g.mu.Lock()
	l.done, l.err = true, err
	for i, o := range g.open {
		if o != l {
			continue
		}
		g.open = append(g.open[:i], g.open[i+1:]...)
		// Later leases no longer share the device with this one.
		if err == nil {
			for _, later := range g.open[i:] {
				later.before -= min(later.before, device.Snapshot(l.growth))
			}
		}
		break
	}
	g.mu.Unlock()
	return err
}

func (g *Guard) waitReclaimed(ctx context.Context, name string, target device.Snapshot) (time.Duration, device.Snapshot, error) {
	start := time.Now()
	cur := g.mon.Current()
	if cur <= target {
		return 0, cur, nil
	}
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(g.cfg.MaxWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return time.Since(start), cur, ctx.Err()
		case <-timer.C:
			if cur = g.mon.Current(); cur <= target {
				return time.Since(start), cur, nil
			}
			return time.Since(start), cur, &ReleaseTimeoutError{Stage: name, Elapsed: time.Since(start), Target: target, Current: cur}
		case <-ticker.C:
			if cur = g.mon.Current(); cur <= target {
				return time.Since(start), cur, nil
			}
		}
	}
}

// With runs fn while s is resident, releasing and verifying on the way out
// whether fn succeeds, fails or panics.
func (g *Guard) With(ctx context.Context, s stage.Stage, fn func(stage.Computer) error) (err error) {
	l, err := g.Acquire(ctx, s)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(l.Stage())
}

// Resident lists the names of stages currently leased, in acquisition order.
func (g *Guard) Resident() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.open))
	for _, l := range g.open {
		out = append(out, l.stage.Name())
	}
	return out
}

// LastWait reports how long the most recent release of the named stage
// waited for reclaim.
func (g *Guard) LastWait(name string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waits[name]
}

// Device returns the device the guard places stages on.
func (g *Guard) Device() device.Device { return g.dev }

func (g *Guard) publish(name, stageName string, fields map[string]any) {
	g.pub.Publish(Event{At: time.Now(), Name: name, Stage: stageName, Fields: fields})
}
