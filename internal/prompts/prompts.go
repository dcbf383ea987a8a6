// Package prompts provides the work sources that feed prompts to the
// pipeline in batches.
package prompts

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	"staged/internal/pipeline"
)

// Repeat is a single batch of n copies of one prompt.
type Repeat struct {
	Prompt string
	N      int
}

func (r Repeat) Batches(ctx context.Context) iter.Seq2[pipeline.WorkBatch, error] {
	return func(yield func(pipeline.WorkBatch, error) bool) {
		if r.N <= 0 {
			yield(pipeline.WorkBatch{}, fmt.Errorf("batch size must be positive, got %d", r.N))
			return
		}
		items := make([]string, r.N)
		for i := range items {
			items[i] = r.Prompt
		}
		yield(pipeline.WorkBatch{Items: items}, nil)
	}
}

// Slice chunks in-memory prompts into batches of N. The last batch may be short.
type Slice struct {
	Prompts []string
	N       int
}

func (s Slice) Batches(ctx context.Context) iter.Seq2[pipeline.WorkBatch, error] {
	return func(yield func(pipeline.WorkBatch, error) bool) {
		if s.N <= 0 {
			yield(pipeline.WorkBatch{}, fmt.Errorf("batch size must be positive, got %d", s.N))
			return
		}
		index := 0
		for chunk := range chunks(s.Prompts, s.N) {
			if !yield(pipeline.WorkBatch{Index: index, Items: chunk}, nil) {
				return
			}
			index++
		}
	}
}

// File reads one prompt per line from Path and chunks them into batches of
// N. Blank lines are skipped. The file is re-read on every pass.
type File struct {
	Path string
	N    int
}

func (f File) Batches(ctx context.Context) iter.Seq2[pipeline.WorkBatch, error] {
	return func(yield func(pipeline.WorkBatch, error) bool) {
		lines, err := ReadLines(f.Path)
		if err != nil {
			yield(pipeline.WorkBatch{}, err)
			return
		}
		Slice{Prompts: lines, N: f.N}.Batches(ctx)(yield)
	}
}

// ReadLines returns the non-blank, trimmed lines of path.
func ReadLines(path string) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts file: %w", err)
	}
	defer fh.Close()
	var out []string
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts file %s: %w", path, err)
	}
	return out, nil
}

func chunks(items []string, n int) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		for i := 0; i < len(items); i += n {
			if !yield(items[i:min(i+n, len(items))]) {
				return
			}
		}
	}
}
