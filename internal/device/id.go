package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind names a device backend.
type Kind string

const (
	KindSim  Kind = "sim"
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
)

// ID identifies a device, e.g. "sim", "sim:1" or "cuda:0".
type ID struct {
	Kind  Kind
	Index int
}

func (id ID) String() string {
	if id.Kind == KindCPU {
		return string(id.Kind)
	}
	return fmt.Sprintf("%s:%d", id.Kind, id.Index)
}

// ParseID parses a device identifier. A missing index means 0.
func ParseID(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ID{}, fmt.Errorf("empty device id")
	}
	kind, idx, hasIdx := strings.Cut(s, ":")
	id := ID{Kind: Kind(kind)}
	switch id.Kind {
	case KindSim, KindCPU, KindCUDA:
	default:
		return ID{}, fmt.Errorf("unknown device kind %q (want sim, cpu or cuda)", kind)
	}
	if hasIdx {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return ID{}, fmt.Errorf("invalid device index %q", idx)
		}
		id.Index = n
	}
	return id, nil
}

// Options configures Open. Capacity and ReclaimDelay apply to the sim backend.
type Options struct {
	CapacityBytes uint64
	ReclaimDelay  time.Duration
}

// Open returns the device for id.
func Open(id ID, opts Options) (Device, error) {
	switch id.Kind {
	case KindSim:
		return NewSim(id, WithCapacity(opts.CapacityBytes), WithReclaimDelay(opts.ReclaimDelay)), nil
	case KindCPU:
		return NewHost(), nil
	case KindCUDA:
		return nil, ErrDependencyUnavailable(fmt.Sprintf("device %s: no accelerator runtime linked into this build", id))
	default:
		return nil, fmt.Errorf("unknown device kind %q", id.Kind)
	}
}
