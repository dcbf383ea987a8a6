package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"staged/internal/weights"
)

// Sampler turns conditioning into a latent [n, C, H/f, W/f] by iterative
// refinement with classifier-free guidance. All steps run inside one
// Compute call.
type Sampler struct {
	*Base
}

func NewSampler(blob weights.Blob) *Sampler {
	return &Sampler{Base: NewBase("sampler", RoleSampling, blob)}
}

func (s *Sampler) Compute(ctx context.Context, in Input) (any, error) {
	s.AssertResident()
	cond, ok := in.Value.(Conditioning)
	if !ok || cond.Cond == nil {
		return nil, fmt.Errorf("sampler: want Conditioning input, got %T", in.Value)
	}
	p := in.Params
	if p.Steps <= 0 {
		return nil, fmt.Errorf("sampler: steps must be positive, got %d", p.Steps)
	}
	if p.Factor <= 0 || p.Channels <= 0 || p.Height%p.Factor != 0 || p.Width%p.Factor != 0 {
		return nil, fmt.Errorf("sampler: invalid latent geometry C=%d H=%d W=%d f=%d", p.Channels, p.Height, p.Width, p.Factor)
	}
	n := cond.Cond.Shape[0]
	shape := p.LatentShape(n)

	var x *Tensor
	switch {
	case p.StartCode != nil:
		if len(p.StartCode.Shape) != len(shape) || !slices.Equal(p.StartCode.Shape[1:], shape[1:]) {
			return nil, fmt.Errorf("sampler: start code shape %v does not match latent %v", p.StartCode.Shape, shape)
		}
		var err error
		if x, err = p.StartCode.Head(n); err != nil {
			return nil, fmt.Errorf("sampler: start code: %w", err)
		}
	case in.Rand != nil:
		x = Randn(in.Rand, shape...)
	default:
		return nil, errors.New("sampler: no start code and no random source")
	}

	cm := channelMeans(cond.Cond, p.Channels)
	var um []float32
	if cond.Uncond != nil {
		um = channelMeans(cond.Uncond, p.Channels)
	}
	fp := s.blob.Fingerprint
	w := 0.5 + 0.25*unit(fp)
	bias := make([]float32, p.Channels)
	for c := range bias {
		bias[c] = 0.1 * unit(fp^uint64(c+1))
	}
	scale := float32(p.GuidanceScale)
	stepSize := 1 / float32(p.Steps)
	plane := shape[2] * shape[3]

	for step := 0; step < p.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sigma := float32(p.Eta) * stepSize * float32(p.Steps-step) / float32(p.Steps)
		for i := 0; i < n; i++ {
			for c := 0; c < p.Channels; c++ {
				off := (i*p.Channels + c) * plane
				ci := cm[i*p.Channels+c] + bias[c]
				for j := off; j < off+plane; j++ {
					v := x.Data[j] * w
					eps := tanh32(v + ci)
					if um != nil {
						epsU := tanh32(v + um[i*p.Channels+c] + bias[c])
						eps = epsU + scale*(eps-epsU)
					}
					x.Data[j] -= stepSize * eps
					if sigma > 0 && in.Rand != nil {
						x.Data[j] += sigma * float32(in.Rand.NormFloat64())
					}
				}
			}
		}
	}
	return x, nil
}

// channelMeans summarizes conditioning [n, L, D] as one value per (item, channel).
func channelMeans(t *Tensor, channels int) []float32 {
	n, l, d := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([]float32, n*channels)
	for i := 0; i < n; i++ {
		for c := 0; c < channels; c++ {
			var sum float32
			for pos := 0; pos < l; pos++ {
				sum += t.Data[(i*l+pos)*d+c%d]
			}
			out[i*channels+c] = sum / float32(l)
		}
	}
	return out
}

func tanh32(v float32) float32 { return float32(math.Tanh(float64(v))) }
