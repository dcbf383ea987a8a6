// Package pipeline drives a fixed, linear sequence of stages over batches of
// work. For every batch each stage is made resident through the residency
// guard, computes, and is released with verification before the next stage
// is placed, so at most one stage (two in overlap mode) occupies the device.
//
//   - spec.go: Spec (ordered stages plus inter-stage contracts).
//   - work.go: WorkBatch, WorkSource, Result and ResultSink.
//   - state.go: RunState and status reporting.
//   - driver.go: Driver.RunBatch / Driver.Run.
//   - errors.go: ComputeError.
package pipeline
