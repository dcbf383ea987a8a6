package weights

import (
	"fmt"
	"math/rand/v2"
)

// syntheticLayout lists representative checkpoint keys per role with their
// share of the role's bytes.
var syntheticLayout = []struct {
	key   string
	share float64
}{
	{"cond_stage_model.transformer.text_model.embeddings.token_embedding.weight", 0.6},
	{"cond_stage_model.transformer.text_model.final_layer_norm.weight", 0.4},
	{"model.diffusion_model.time_embed.0.weight", 0.1},
	{"model.diffusion_model.input_blocks.1.1.proj_in.weight", 0.3},
	{"model.diffusion_model.middle_block.1.proj_out.weight", 0.1},
	{"model.diffusion_model.output_blocks.1.1.proj_in.weight", 0.4},
	{"model.diffusion_model.out.2.weight", 0.1},
	{"first_stage_model.decoder.conv_in.weight", 0.5},
	{"first_stage_model.decoder.conv_out.weight", 0.5},
	{"model_ema.decay", 0},
}

// SyntheticTensors builds a small checkpoint whose roles carry roughly the
// given byte sizes, filled with seeded random fp32 data.
func SyntheticTensors(sizes SyntheticLoader, seed uint64) []Tensor {
	r := rand.New(rand.NewPCG(seed, seed))
	var out []Tensor
	for _, l := range syntheticLayout {
		role, _ := assign(l.key)
		n := int64(float64(sizes[role]) * l.share / 4)
		if role == "" {
			n = 1
		}
		if n == 0 {
			continue
		}
		data := make([]byte, 4*n)
		for i := range data {
			data[i] = byte(r.Uint32())
		}
		out = append(out, Tensor{Name: l.key, DType: "F32", Shape: []int64{n}, Data: data})
	}
	return out
}

// WriteSynthetic writes a synthetic checkpoint to path.
func WriteSynthetic(path string, sizes SyntheticLoader, seed uint64) error {
	if err := WriteFile(path, SyntheticTensors(sizes, seed), map[string]string{"format": "pt", "synthetic": fmt.Sprint(seed)}); err != nil {
		return fmt.Errorf("write synthetic checkpoint: %w", err)
	}
	return nil
}
