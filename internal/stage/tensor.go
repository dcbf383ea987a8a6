package stage

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Randn fills a new tensor with standard normal samples from r.
func Randn(r *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64())
	}
	return t
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Head returns the first n entries along dimension 0, sharing no memory with t.
func (t *Tensor) Head(n int) (*Tensor, error) {
	if len(t.Shape) == 0 || n > t.Shape[0] || n < 0 {
		return nil, fmt.Errorf("head %d of shape %v", n, t.Shape)
	}
	shape := slices.Clone(t.Shape)
	shape[0] = n
	stride := numel(t.Shape[1:])
	return &Tensor{Shape: shape, Data: slices.Clone(t.Data[:n*stride])}, nil
}

// Clamp limits every element to [lo, hi] in place.
func (t *Tensor) Clamp(lo, hi float32) {
	for i, v := range t.Data {
		t.Data[i] = min(max(v, lo), hi)
	}
}
