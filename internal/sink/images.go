package sink

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"staged/internal/common/fsutil"
	"staged/internal/pipeline"
)

// SamplesDir is the directory under the output root holding per-item images.
const SamplesDir = "samples"

// maxNameLen bounds the prompt part of a sample file name, in characters.
const maxNameLen = 150

// Namer derives sample file paths. Numbering continues from the number of
// files already in the samples directory when the namer was created.
type Namer struct {
	Dir  string
	Base int
}

// NewNamer prepares outdir/samples and counts what is already there.
func NewNamer(outdir string) (*Namer, error) {
	dir := filepath.Join(outdir, SamplesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create samples dir: %w", err)
	}
	base, err := fsutil.CountEntries(dir)
	if err != nil {
		return nil, err
	}
	return &Namer{Dir: dir, Base: base}, nil
}

// Path is the file for the item that is n-th overall in the run.
func (n *Namer) Path(prompt string, item int) string {
	return filepath.Join(n.Dir, fmt.Sprintf("%s_%05d.png", promptWords(prompt), n.Base+item))
}

// promptWords joins the prompt's words with underscores for use in a file name.
func promptWords(prompt string) string {
	name := strings.Join(strings.Fields(prompt), "_")
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '-'
		}
		return r
	}, name)
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}

// Images writes every item of every result as a PNG under outdir/samples.
type Images struct {
	namer   *Namer
	log     zerolog.Logger
	written []string
}

func NewImages(namer *Namer, log zerolog.Logger) *Images {
	return &Images{namer: namer, log: log}
}

func (s *Images) Consume(ctx context.Context, r pipeline.Result) error {
	t, err := images(r)
	if err != nil {
		return err
	}
	for i, prompt := range r.Batch.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, toNRGBA(t, i)); err != nil {
			return fmt.Errorf("encode sample: %w", err)
		}
		path := s.namer.Path(prompt, r.FirstItem+i)
		if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write sample %s: %w", path, err)
		}
		s.written = append(s.written, path)
		s.log.Debug().Str("event", "sample_written").Str("path", path).Msg("sink")
	}
	return nil
}

func (s *Images) Close() error { return nil }

// Written lists the sample files written so far.
func (s *Images) Written() []string { return append([]string(nil), s.written...) }
