package pipeline

import (
	"time"

	"staged/pkg/types"
)

// Run lifecycle states reported by Status.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateError   = "error"
)

// RunState is the driver's bookkeeping for the current run.
type RunState struct {
	RunID      string
	State      string
	Iteration  int
	Iterations int
	Batches    int
	Items      int
	// Active is the stage currently computing, empty between stages.
	Active    string
	StartedAt time.Time
	Err       error
}

// State returns a copy of the current run state.
func (d *Driver) State() RunState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Ready reports whether the driver can accept or is serving a run.
func (d *Driver) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.State != StateError
}

// Status builds the /status payload from the run state, the guard and the stages.
func (d *Driver) Status() types.StatusResponse {
	st := d.State()
	dev := d.guard.Device()
	resp := types.StatusResponse{
		RunID:                st.RunID,
		State:                st.State,
		Iteration:            st.Iteration,
		Iterations:           st.Iterations,
		Batches:              st.Batches,
		Items:                st.Items,
		ActiveStage:          st.Active,
		Resident:             d.guard.Resident(),
		Device:               dev.ID().String(),
		DeviceAllocatedBytes: uint64(dev.Current()),
	}
	if !st.StartedAt.IsZero() {
		resp.StartedAt = st.StartedAt.Unix()
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	for _, s := range d.spec.stages {
		ss := types.StageStatus{
			Name:              s.Name(),
			Role:              string(s.Role()),
			Residency:         s.Residency().String(),
			SizeBytes:         s.Size(),
			LastReleaseWaitMS: d.guard.LastWait(s.Name()).Milliseconds(),
		}
		if p, ok := s.(interface{ Placements() int }); ok {
			ss.Placements = p.Placements()
		}
		resp.Stages = append(resp.Stages, ss)
	}
	return resp
}

func (d *Driver) update(fn func(*RunState)) {
	d.mu.Lock()
	fn(&d.state)
	d.mu.Unlock()
}
