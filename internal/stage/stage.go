// Package stage defines the independently placeable units a model is split
// into. A stage owns a parameter blob, can be moved on and off a device, and
// exposes one computation that may only run while it is resident.
package stage

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"staged/internal/device"
	"staged/internal/weights"
)

// Residency is whether a stage's parameters occupy device memory.
type Residency int

const (
	OffDevice Residency = iota
	OnDevice
)

func (r Residency) String() string {
	if r == OnDevice {
		return "on_device"
	}
	return "off_device"
}

// Role is the part of the model a stage implements.
type Role string

const (
	RoleConditioning Role = weights.RoleConditioning
	RoleSampling     Role = weights.RoleSampling
	RoleDecoding     Role = weights.RoleDecoding
)

// Params are run-level values every stage receives unchanged.
type Params struct {
	GuidanceScale float64
	Steps         int
	Eta           float64
	Channels      int
	Height        int
	Width         int
	Factor        int
	// StartCode, when set, replaces the sampler's random starting latent.
	StartCode *Tensor
}

// LatentShape is the sampler output shape for a batch of n items.
func (p Params) LatentShape(n int) []int {
	return []int{n, p.Channels, p.Height / p.Factor, p.Width / p.Factor}
}

// Input is what a stage computes on.
type Input struct {
	// Items are the raw batch items (prompts).
	Items  []string
	Params Params
	// Value is the previous stage's output; nil for the first stage.
	Value any
	// Rand is the run's seeded generator for stages that draw noise.
	Rand *rand.Rand
}

// Computer is the part of a stage available to code holding a residency
// lease. It cannot move the stage.
type Computer interface {
	Name() string
	Role() Role
	Compute(ctx context.Context, in Input) (any, error)
}

// Stage is an opaque unit of the model. Place and Release are reserved for
// the residency guard.
type Stage interface {
	Computer
	// Size is the number of device bytes the stage occupies when resident.
	Size() uint64
	Place(ctx context.Context, dev device.Device) error
	Release() error
	Residency() Residency
}

// Base implements placement bookkeeping for concrete stages to embed.
type Base struct {
	name string
	role Role
	blob weights.Blob

	mu         sync.Mutex
	dev        device.Device
	buf        device.Buffer
	residency  Residency
	placements int
}

func NewBase(name string, role Role, blob weights.Blob) *Base {
	return &Base{name: name, role: role, blob: blob}
}

func (b *Base) Name() string       { return b.name }
func (b *Base) Role() Role         { return b.role }
func (b *Base) Size() uint64       { return b.blob.Bytes }
func (b *Base) Blob() weights.Blob { return b.blob }

// Place allocates the stage's parameters on dev. Placing a stage that is
// already resident on dev is a no-op; resident elsewhere, it is moved.
func (b *Base) Place(ctx context.Context, dev device.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.residency == OnDevice {
		if b.dev.ID() == dev.ID() {
			return nil
		}
		b.releaseLocked()
	}
	buf, err := dev.Alloc(b.name, b.blob.Bytes)
	if err != nil {
		return fmt.Errorf("place %s on %s: %w", b.name, dev.ID(), err)
	}
	b.dev, b.buf, b.residency = dev, buf, OnDevice
	b.placements++
	return nil
}

// Release frees the device buffer. The device may still report the memory
// for a while after Release returns.
func (b *Base) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
	return nil
}

func (b *Base) releaseLocked() {
	if b.residency == OffDevice {
		return
	}
	b.buf.Free()
	b.dev, b.buf, b.residency = nil, nil, OffDevice
}

func (b *Base) Residency() Residency {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.residency
}

// Placements counts how many times the stage has been placed.
func (b *Base) Placements() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placements
}

// AssertResident panics unless the stage is on a device. Computing off
// device is a scheduler bug, never a runtime condition.
func (b *Base) AssertResident() {
	if b.Residency() != OnDevice {
		panic(fmt.Sprintf("stage %s: compute called while %s", b.name, OffDevice))
	}
}

// Standard builds the conditioning, sampling and decoding stages from their
// blobs, in execution order.
func Standard(blobs map[string]weights.Blob) ([]Stage, error) {
	if err := weights.Require(blobs, weights.Roles...); err != nil {
		return nil, err
	}
	return []Stage{
		NewConditioner(blobs[weights.RoleConditioning]),
		NewSampler(blobs[weights.RoleSampling]),
		NewDecoder(blobs[weights.RoleDecoding]),
	}, nil
}
