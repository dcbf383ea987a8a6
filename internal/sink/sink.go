// Package sink implements pipeline result sinks: per-item PNG files, an
// aggregate grid, a sqlite sample catalog, an in-memory collector, and a
// fan-out combining them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"staged/internal/pipeline"
	"staged/internal/stage"
)

// images validates that r carries one [3, H, W] image per batch item.
func images(r pipeline.Result) (*stage.Tensor, error) {
	t, ok := r.Output.(*stage.Tensor)
	if !ok || t == nil {
		return nil, fmt.Errorf("result %d: want image tensor, got %T", r.Seq, r.Output)
	}
	if len(t.Shape) != 4 || t.Shape[1] != 3 {
		return nil, fmt.Errorf("result %d: want images [n,3,H,W], got shape %v", r.Seq, t.Shape)
	}
	if t.Shape[0] != len(r.Batch.Items) {
		return nil, fmt.Errorf("result %d: %d images for %d items", r.Seq, t.Shape[0], len(r.Batch.Items))
	}
	return t, nil
}

// toNRGBA converts image i of t, values in [0, 1], to 8-bit RGB.
func toNRGBA(t *stage.Tensor, i int) *image.NRGBA {
	h, w := t.Shape[2], t.Shape[3]
	plane := h * w
	base := i * 3 * plane
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			p := y*w + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: to8(t.Data[base+p]),
				G: to8(t.Data[base+plane+p]),
				B: to8(t.Data[base+2*plane+p]),
				A: 0xff,
			})
		}
	}
	return img
}

func to8(v float32) uint8 {
	return uint8(255 * min(max(v, 0), 1))
}

// Collector keeps every result in memory.
type Collector struct {
	mu      sync.Mutex
	results []pipeline.Result
	closed  bool
}

func (c *Collector) Consume(_ context.Context, r pipeline.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("collector closed")
	}
	c.results = append(c.results, r)
	return nil
}

func (c *Collector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Results returns the collected results in arrival order.
func (c *Collector) Results() []pipeline.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.Result(nil), c.results...)
}

// Multi hands each result to every sink in order, stopping at the first error.
type Multi []pipeline.ResultSink

func (m Multi) Consume(ctx context.Context, r pipeline.Result) error {
	for _, s := range m {
		if err := s.Consume(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
