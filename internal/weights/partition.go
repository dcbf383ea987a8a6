package weights

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Stage roles a checkpoint is partitioned into.
const (
	RoleConditioning = "conditioning"
	RoleSampling     = "sampling"
	RoleDecoding     = "decoding"
)

// Roles lists the roles of the standard pipeline in execution order.
var Roles = []string{RoleConditioning, RoleSampling, RoleDecoding}

// Blob is the opaque parameter set owned by one stage.
type Blob struct {
	Role    string
	Tensors []TensorInfo
	Bytes   uint64
	// Fingerprint identifies the blob's content layout; stages mix it into
	// their computation so distinct weights give distinct outputs.
	Fingerprint uint64
}

// Partition assigns checkpoint tensors to stage roles by key prefix.
// Denoiser keys ("model.*") are renamed to "model1.*" for the input half
// (input_blocks, middle_block, time_embed) and "model2.*" for the rest.
// It returns the blobs and the number of tensors no role claimed.
func Partition(c *Checkpoint) (map[string]Blob, int) {
	blobs := make(map[string]Blob)
	unassigned := 0
	for _, t := range c.Tensors {
		role, name := assign(t.Name)
		if role == "" {
			unassigned++
			continue
		}
		t.Name = name
		b := blobs[role]
		b.Role = role
		b.Tensors = append(b.Tensors, t)
		b.Bytes += t.Size()
		blobs[role] = b
	}
	for role, b := range blobs {
		sort.Slice(b.Tensors, func(i, j int) bool { return b.Tensors[i].Name < b.Tensors[j].Name })
		b.Fingerprint = fingerprint(b)
		blobs[role] = b
	}
	return blobs, unassigned
}

func assign(key string) (role, name string) {
	switch {
	case strings.HasPrefix(key, "cond_stage_model."):
		return RoleConditioning, key
	case strings.HasPrefix(key, "first_stage_model."):
		return RoleDecoding, key
	case strings.HasPrefix(key, "model."):
		rest := strings.TrimPrefix(key, "model.")
		for _, part := range strings.Split(key, ".") {
			switch part {
			case "input_blocks", "middle_block", "time_embed":
				return RoleSampling, "model1." + rest
			}
		}
		return RoleSampling, "model2." + rest
	}
	return "", ""
}

func fingerprint(b Blob) uint64 {
	h := fnv.New64a()
	h.Write([]byte(b.Role))
	var buf [8]byte
	for _, t := range b.Tensors {
		h.Write([]byte(t.Name))
		h.Write([]byte(t.DType))
		for _, d := range t.Shape {
			binary.LittleEndian.PutUint64(buf[:], uint64(d))
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// Require checks that every role has a non-empty blob.
func Require(blobs map[string]Blob, roles ...string) error {
	for _, r := range roles {
		if b, ok := blobs[r]; !ok || b.Bytes == 0 {
			return &StageLoadError{Role: r}
		}
	}
	return nil
}

// Loader supplies one blob per stage role.
type Loader interface {
	Load(ctx context.Context) (map[string]Blob, error)
}

// FileLoader partitions the checkpoint at Path.
type FileLoader struct {
	Path string
	Log  zerolog.Logger
}

func (l FileLoader) Load(ctx context.Context) (map[string]Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := Open(l.Path)
	if err != nil {
		return nil, err
	}
	blobs, unassigned := Partition(c)
	ev := l.Log.Debug()
	if unassigned > 0 && unassigned*2 >= len(c.Tensors) {
		ev = l.Log.Warn()
	}
	ev.Str("event", "partition").Str("path", l.Path).Int("tensors", len(c.Tensors)).
		Int("unassigned", unassigned).Int("roles", len(blobs)).Msg("weights")
	return blobs, nil
}

// SyntheticLoader fabricates blobs of the given byte sizes per role, for
// running the scheduler without a checkpoint.
type SyntheticLoader map[string]uint64

// DefaultSyntheticSizes approximate a v1 latent diffusion model in fp32.
var DefaultSyntheticSizes = SyntheticLoader{
	RoleConditioning: 492 << 20,
	RoleSampling:     3438 << 20,
	RoleDecoding:     335 << 20,
}

func (l SyntheticLoader) Load(context.Context) (map[string]Blob, error) {
	blobs := make(map[string]Blob, len(l))
	for role, size := range l {
		b := Blob{Role: role, Bytes: size}
		b.Fingerprint = fingerprint(b)
		blobs[role] = b
	}
	return blobs, nil
}
