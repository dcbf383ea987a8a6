package stage

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staged/internal/device"
	"staged/internal/weights"
)

func testBlobs(t *testing.T) map[string]weights.Blob {
	t.Helper()
	blobs, err := weights.SyntheticLoader{
		weights.RoleConditioning: 100,
		weights.RoleSampling:     400,
		weights.RoleDecoding:     50,
	}.Load(context.Background())
	require.NoError(t, err)
	return blobs
}

func smallParams() Params {
	return Params{GuidanceScale: 7.5, Steps: 4, Channels: 4, Height: 16, Width: 16, Factor: 8}
}

func TestPlaceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sim := device.NewSim(device.ID{Kind: device.KindSim})
	s := NewSampler(testBlobs(t)[weights.RoleSampling])

	require.NoError(t, s.Place(ctx, sim))
	require.NoError(t, s.Place(ctx, sim))
	assert.Equal(t, OnDevice, s.Residency())
	assert.Equal(t, device.Snapshot(400), sim.Current(), "second place must not allocate again")
	assert.Equal(t, 1, s.Placements())

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.Equal(t, OffDevice, s.Residency())
	assert.Equal(t, device.Snapshot(0), sim.Current())
}

func TestPlaceMovesBetweenDevices(t *testing.T) {
	ctx := context.Background()
	a := device.NewSim(device.ID{Kind: device.KindSim, Index: 0})
	b := device.NewSim(device.ID{Kind: device.KindSim, Index: 1})
	s := NewDecoder(testBlobs(t)[weights.RoleDecoding])

	require.NoError(t, s.Place(ctx, a))
	require.NoError(t, s.Place(ctx, b))
	assert.Equal(t, device.Snapshot(0), a.Current())
	assert.Equal(t, device.Snapshot(50), b.Current())
}

func TestPlaceOutOfMemoryLeavesStageOff(t *testing.T) {
	sim := device.NewSim(device.ID{Kind: device.KindSim}, device.WithCapacity(10))
	s := NewConditioner(testBlobs(t)[weights.RoleConditioning])
	err := s.Place(context.Background(), sim)
	require.Error(t, err)
	assert.True(t, device.IsOutOfMemory(err))
	assert.Equal(t, OffDevice, s.Residency())
}

func TestComputeOffDevicePanics(t *testing.T) {
	s := NewConditioner(testBlobs(t)[weights.RoleConditioning])
	assert.PanicsWithValue(t, "stage conditioner: compute called while off_device", func() {
		_, _ = s.Compute(context.Background(), Input{Items: []string{"x"}})
	})
}

func placed[S Stage](t *testing.T, s S) S {
	t.Helper()
	require.NoError(t, s.Place(context.Background(), device.NewHost()))
	return s
}

func TestConditionerGuidance(t *testing.T) {
	c := placed(t, NewConditioner(testBlobs(t)[weights.RoleConditioning]))
	ctx := context.Background()

	out, err := c.Compute(ctx, Input{Items: []string{"a cat", "a dog"}, Params: smallParams()})
	require.NoError(t, err)
	cond := out.(Conditioning)
	assert.Equal(t, []int{2, ContextLen, EmbedDim}, cond.Cond.Shape)
	require.NotNil(t, cond.Uncond)
	assert.NotEqual(t, cond.Cond.Data, cond.Uncond.Data)

	p := smallParams()
	p.GuidanceScale = 1
	out, err = c.Compute(ctx, Input{Items: []string{"a cat"}, Params: p})
	require.NoError(t, err)
	assert.Nil(t, out.(Conditioning).Uncond)

	_, err = c.Compute(ctx, Input{Params: p})
	assert.Error(t, err)
}

func runStandard(t *testing.T, items []string, p Params, r *rand.Rand) *Tensor {
	t.Helper()
	stages, err := Standard(testBlobs(t))
	require.NoError(t, err)
	var v any
	for _, s := range stages {
		placed(t, s)
		v, err = s.Compute(context.Background(), Input{Items: items, Params: p, Value: v, Rand: r})
		require.NoError(t, err)
	}
	return v.(*Tensor)
}

func TestStandardPipelineShapesAndRange(t *testing.T) {
	p := smallParams()
	p.Eta = 0.5
	img := runStandard(t, []string{"a", "b", "c"}, p, rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, []int{3, 3, 16, 16}, img.Shape)
	for _, v := range img.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestFixedStartCodeIsDeterministic(t *testing.T) {
	p := smallParams()
	p.StartCode = Randn(rand.New(rand.NewPCG(42, 42)), p.LatentShape(2)...)

	a := runStandard(t, []string{"x", "y"}, p, nil)
	b := runStandard(t, []string{"x", "y"}, p, nil)
	assert.Equal(t, a.Shape, b.Shape)
	assert.Equal(t, a.Data, b.Data)

	// a trailing batch uses the head of the start code
	c := runStandard(t, []string{"x"}, p, nil)
	assert.Equal(t, []int{1, 3, 16, 16}, c.Shape)
	assert.Equal(t, a.Data[:c.Len()], c.Data)
}

func TestSamplerRejectsBadInput(t *testing.T) {
	s := placed(t, NewSampler(testBlobs(t)[weights.RoleSampling]))
	ctx := context.Background()

	_, err := s.Compute(ctx, Input{Value: "nope", Params: smallParams()})
	assert.ErrorContains(t, err, "want Conditioning")

	cond := Conditioning{Cond: NewTensor(1, ContextLen, EmbedDim)}
	_, err = s.Compute(ctx, Input{Value: cond, Params: smallParams()})
	assert.ErrorContains(t, err, "no start code")

	p := smallParams()
	p.StartCode = NewTensor(1, 4, 3, 3)
	_, err = s.Compute(ctx, Input{Value: cond, Params: p})
	assert.ErrorContains(t, err, "does not match")

	p.StartCode = &Tensor{}
	_, err = s.Compute(ctx, Input{Value: cond, Params: p})
	assert.ErrorContains(t, err, "does not match")
}

func TestStandardRequiresEveryRole(t *testing.T) {
	blobs := testBlobs(t)
	delete(blobs, weights.RoleDecoding)
	_, err := Standard(blobs)
	require.Error(t, err)
	assert.True(t, weights.IsStageLoadError(err))
}

func TestTensorHead(t *testing.T) {
	x := &Tensor{Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}}
	h, err := x.Head(2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, h.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, h.Data)
	h.Data[0] = 9
	assert.Equal(t, float32(1), x.Data[0])

	_, err = x.Head(4)
	assert.Error(t, err)
}
