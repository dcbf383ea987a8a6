package residency

import (
	"sync"
	"time"
)

// Event names published by the guard and the pipeline driver.
const (
	EventPlace           = "place"
	EventPlaced          = "placed"
	EventRelease         = "release"
	EventReleaseVerified = "release_verified"
	EventReleaseTimeout  = "release_timeout"
	EventBatchStart      = "batch_start"
	EventBatchDone       = "batch_done"
)

// Event is a residency or pipeline lifecycle event.
// Minimal and stable: name, stage and optional fields.
type Event struct {
	At     time.Time
	Name   string
	Stage  string
	Fields map[string]any
}

// EventPublisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Publishers fans events out to every publisher in order.
type Publishers []EventPublisher

func (ps Publishers) Publish(e Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(e)
		}
	}
}

// MemoryPublisher stores events in memory. Tests use it as a residency log.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the recorded events whose name is one of names.
func (p *MemoryPublisher) Named(names ...string) []Event {
	var out []Event
	for _, e := range p.Events() {
		for _, n := range names {
			if e.Name == n {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
