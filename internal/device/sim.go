package device

import (
	"sync"
	"time"
)

// Sim is a simulated accelerator. Freed buffers stay counted for
// ReclaimDelay before the memory is returned, the way a real runtime's
// caching allocator releases asynchronously.
type Sim struct {
	id           ID
	capacity     uint64
	reclaimDelay time.Duration

	mu        sync.Mutex
	allocated uint64
	peak      uint64
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithCapacity caps total allocations. Zero means unlimited.
func WithCapacity(bytes uint64) SimOption {
	return func(s *Sim) { s.capacity = bytes }
}

// WithReclaimDelay sets how long freed memory keeps being reported.
func WithReclaimDelay(d time.Duration) SimOption {
	return func(s *Sim) {
		if d > 0 {
			s.reclaimDelay = d
		}
	}
}

func NewSim(id ID, opts ...SimOption) *Sim {
	s := &Sim{id: id}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sim) ID() ID { return s.id }

func (s *Sim) Alloc(owner string, size uint64) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && s.allocated+size > s.capacity {
		return nil, &OutOfMemoryError{Owner: owner, Requested: size, Allocated: s.allocated, Capacity: s.capacity}
	}
	s.allocated += size
	if s.allocated > s.peak {
		s.peak = s.allocated
	}
	return &simBuffer{dev: s, size: size}, nil
}

func (s *Sim) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot(s.allocated)
}

// Peak is the highest allocation level observed so far.
func (s *Sim) Peak() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot(s.peak)
}

func (s *Sim) Capacity() uint64 { return s.capacity }

func (s *Sim) reclaim(size uint64) {
	s.mu.Lock()
	if size > s.allocated {
		size = s.allocated
	}
	s.allocated -= size
	s.mu.Unlock()
}

type simBuffer struct {
	dev  *Sim
	size uint64
	once sync.Once
}

func (b *simBuffer) Size() uint64 { return b.size }

func (b *simBuffer) Free() {
	b.once.Do(func() {
		if b.dev.reclaimDelay <= 0 {
			b.dev.reclaim(b.size)
			return
		}
		time.AfterFunc(b.dev.reclaimDelay, func() { b.dev.reclaim(b.size) })
	})
}
