package stage

import (
	"context"
	"errors"
	"strings"

	"staged/internal/weights"
)

const (
	// ContextLen is the number of token positions per encoded prompt.
	ContextLen = 77
	// EmbedDim is the width of each token embedding.
	EmbedDim = 16
)

// Conditioning is the conditioner's output: the encoded prompts and, when
// guidance is active, the encoding of empty prompts for the same batch size.
type Conditioning struct {
	Cond   *Tensor
	Uncond *Tensor
}

// Conditioner encodes prompts into conditioning tensors [n, ContextLen, EmbedDim].
type Conditioner struct {
	*Base
}

func NewConditioner(blob weights.Blob) *Conditioner {
	return &Conditioner{Base: NewBase("conditioner", RoleConditioning, blob)}
}

func (c *Conditioner) Compute(ctx context.Context, in Input) (any, error) {
	c.AssertResident()
	if len(in.Items) == 0 {
		return nil, errors.New("empty batch")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := Conditioning{Cond: c.encode(in.Items)}
	if in.Params.GuidanceScale != 1 {
		out.Uncond = c.encode(make([]string, len(in.Items)))
	}
	return out, nil
}

func (c *Conditioner) encode(prompts []string) *Tensor {
	t := NewTensor(len(prompts), ContextLen, EmbedDim)
	fp := c.blob.Fingerprint
	for i, p := range prompts {
		tokens := strings.Fields(strings.ToLower(p))
		for pos := 0; pos < ContextLen; pos++ {
			tok := "<eos>"
			if pos < len(tokens) {
				tok = tokens[pos]
			}
			h := hashString(fp^uint64(pos), tok)
			row := (i*ContextLen + pos) * EmbedDim
			for d := 0; d < EmbedDim; d++ {
				t.Data[row+d] = unit(h + uint64(d))
			}
		}
	}
	return t
}
