// Package device models the memory-constrained accelerator that stages are
// placed on, and the monitor used to observe how much of its memory this
// process currently holds.
package device

import "github.com/dustin/go-humanize"

// Snapshot is a reading of device memory allocated by this process, in bytes.
// Readings are only ever compared with each other.
type Snapshot uint64

func (s Snapshot) String() string { return humanize.IBytes(uint64(s)) }

// Monitor reports the memory currently allocated on a device. Current must be
// cheap and synchronous: it is polled while waiting for a release to land.
type Monitor interface {
	Current() Snapshot
}

// MonitorFunc adapts a plain function to Monitor.
type MonitorFunc func() Snapshot

func (f MonitorFunc) Current() Snapshot { return f() }

// Buffer is a block of device memory owned by a stage.
type Buffer interface {
	Size() uint64
	// Free hands the memory back to the device. The device may reclaim it
	// asynchronously, so a Monitor can keep reporting it for a while.
	// Calling Free more than once has no further effect.
	Free()
}

// Device is an accelerator that stages can allocate parameter memory on.
type Device interface {
	ID() ID
	Alloc(owner string, size uint64) (Buffer, error)
	Monitor
}
