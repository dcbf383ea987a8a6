package pipeline

import (
	"context"
	"iter"
)

// WorkBatch is a group of items processed together through every stage.
type WorkBatch struct {
	Index int
	Items []string
}

// WorkSource supplies batches. Each call to Batches is one pass over the
// input; the sequence ends when the input is exhausted.
type WorkSource interface {
	Batches(ctx context.Context) iter.Seq2[WorkBatch, error]
}

// Result is the final stage's output for one batch.
type Result struct {
	RunID     string
	Iteration int
	// Seq orders results within a run.
	Seq int
	// FirstItem is the number of items produced before this batch.
	FirstItem int
	Batch     WorkBatch
	Output    any
}

// ResultSink consumes results in the order batches were processed.
type ResultSink interface {
	Consume(ctx context.Context, r Result) error
	Close() error
}
