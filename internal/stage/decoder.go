package stage

import (
	"context"
	"fmt"

	"staged/internal/weights"
)

// Decoder maps a latent [n, C, h, w] to RGB images [n, 3, h*f, w*f] with
// values clamped to [0, 1].
type Decoder struct {
	*Base
}

func NewDecoder(blob weights.Blob) *Decoder {
	return &Decoder{Base: NewBase("decoder", RoleDecoding, blob)}
}

func (d *Decoder) Compute(ctx context.Context, in Input) (any, error) {
	d.AssertResident()
	z, ok := in.Value.(*Tensor)
	if !ok || z == nil || len(z.Shape) != 4 {
		return nil, fmt.Errorf("decoder: want latent tensor [n,C,h,w], got %T", in.Value)
	}
	f := in.Params.Factor
	if f <= 0 {
		return nil, fmt.Errorf("decoder: invalid factor %d", f)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, ch, h, w := z.Shape[0], z.Shape[1], z.Shape[2], z.Shape[3]
	H, W := h*f, w*f
	mix := make([]float32, 3*ch)
	for i := range mix {
		mix[i] = unit(d.blob.Fingerprint ^ uint64(i+1))
	}

	out := NewTensor(n, 3, H, W)
	for i := 0; i < n; i++ {
		for y := 0; y < H; y++ {
			for x := 0; x < W; x++ {
				zi := y/f*w + x/f
				for rgb := 0; rgb < 3; rgb++ {
					var acc float32
					for c := 0; c < ch; c++ {
						acc += mix[rgb*ch+c] * z.Data[(i*ch+c)*h*w+zi]
					}
					out.Data[((i*3+rgb)*H+y)*W+x] = (tanh32(acc) + 1) / 2
				}
			}
		}
	}
	out.Clamp(0, 1)
	return out, nil
}
