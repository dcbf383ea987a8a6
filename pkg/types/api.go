package types

// StatusResponse describes a staged run for GET /status.
type StatusResponse struct {
	// Identifier of the current run.
	// example: 5f0c3a56-2a8e-4bb1-9d0e-0d6f6f0c1a3e
	RunID string `json:"run_id" example:"5f0c3a56-2a8e-4bb1-9d0e-0d6f6f0c1a3e"`
	// Run lifecycle state: idle, running, done or error.
	// example: running
	State string `json:"state" example:"running"`
	// Zero-based index of the iteration in progress.
	// example: 0
	Iteration int `json:"iteration" example:"0"`
	// Total iterations requested.
	// example: 2
	Iterations int `json:"iterations" example:"2"`
	// Batches completed so far.
	// example: 3
	Batches int `json:"batches" example:"3"`
	// Items (images) produced so far.
	// example: 6
	Items int `json:"items" example:"6"`
	// Stage currently computing, if any.
	// example: sampler
	ActiveStage string `json:"active_stage,omitempty" example:"sampler"`
	// Stages currently holding device memory, in placement order.
	// example: ["sampler"]
	Resident []string `json:"resident" example:"sampler"`
	// Device stages are placed on.
	// example: sim:0
	Device string `json:"device" example:"sim:0"`
	// Device memory currently allocated by this process, in bytes.
	// example: 3604996096
	DeviceAllocatedBytes uint64 `json:"device_allocated_bytes" example:"3604996096"`
	// Per-stage details in execution order.
	Stages []StageStatus `json:"stages"`
	// Unix time the run started (0 when idle).
	// example: 1760870400
	StartedAt int64 `json:"started_at,omitempty" example:"1760870400"`
	// Error that ended the run, if any.
	// example: stage decoder: device memory not reclaimed after 30s
	Error string `json:"error,omitempty" example:"stage decoder: device memory not reclaimed after 30s"`
}

// StageStatus summarizes one stage for /status.
type StageStatus struct {
	// example: sampler
	Name string `json:"name" example:"sampler"`
	// example: sampling
	Role string `json:"role" example:"sampling"`
	// on_device or off_device.
	// example: on_device
	Residency string `json:"residency" example:"on_device"`
	// Parameter bytes the stage occupies when resident.
	// example: 3604996096
	SizeBytes uint64 `json:"size_bytes" example:"3604996096"`
	// Times the stage has been placed on the device.
	// example: 3
	Placements int `json:"placements" example:"3"`
	// Time the last release waited for the device to reclaim memory.
	// example: 12
	LastReleaseWaitMS int64 `json:"last_release_wait_ms" example:"12"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: not found
	Error string `json:"error" example:"not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
