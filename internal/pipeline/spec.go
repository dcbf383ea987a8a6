package pipeline

import (
	"errors"
	"fmt"

	"staged/internal/stage"
)

// Contract checks the intermediate value passed between two adjacent stages.
type Contract struct {
	Name  string
	Check func(v any) error
}

// Expect builds a contract requiring a value of type T that passes check.
// A nil check accepts any T.
func Expect[T any](name string, check func(T) error) Contract {
	return Contract{Name: name, Check: func(v any) error {
		t, ok := v.(T)
		if !ok {
			var zero T
			return fmt.Errorf("want %T, got %T", zero, v)
		}
		if check == nil {
			return nil
		}
		return check(t)
	}}
}

// Spec is the ordered stage sequence. It is fixed once built.
type Spec struct {
	stages    []stage.Stage
	contracts []Contract
}

// NewSpec validates and freezes a stage sequence. Contracts, when given, are
// one per adjacent pair: contracts[i] checks the output of stages[i].
func NewSpec(stages []stage.Stage, contracts ...Contract) (*Spec, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	if len(contracts) != 0 && len(contracts) != len(stages)-1 {
		return nil, fmt.Errorf("%d contracts for %d stages, want %d", len(contracts), len(stages), len(stages)-1)
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s == nil {
			return nil, errors.New("nil stage")
		}
		if seen[s.Name()] {
			return nil, fmt.Errorf("duplicate stage name %q", s.Name())
		}
		seen[s.Name()] = true
	}
	return &Spec{
		stages:    append([]stage.Stage(nil), stages...),
		contracts: append([]Contract(nil), contracts...),
	}, nil
}

// Stages returns the stages in execution order.
func (s *Spec) Stages() []stage.Stage { return append([]stage.Stage(nil), s.stages...) }

func (s *Spec) check(i int, v any) error {
	if i >= len(s.contracts) || s.contracts[i].Check == nil {
		return nil
	}
	if err := s.contracts[i].Check(v); err != nil {
		return fmt.Errorf("contract %s: %w", s.contracts[i].Name, err)
	}
	return nil
}

// StandardContracts are the contracts between the conditioning, sampling and
// decoding stages for a batch of latent geometry p.
func StandardContracts(p stage.Params) []Contract {
	return []Contract{
		Expect("conditioning", func(c stage.Conditioning) error {
			if c.Cond == nil || len(c.Cond.Shape) != 3 {
				return errors.New("conditioning must be [n, tokens, dim]")
			}
			if c.Uncond != nil && c.Uncond.Shape[0] != c.Cond.Shape[0] {
				return fmt.Errorf("unconditional batch %d != conditional batch %d", c.Uncond.Shape[0], c.Cond.Shape[0])
			}
			return nil
		}),
		Expect("latent", func(t *stage.Tensor) error {
			if t == nil || len(t.Shape) != 4 {
				return errors.New("latent must be [n, C, h, w]")
			}
			want := p.LatentShape(t.Shape[0])
			for i := range want {
				if t.Shape[i] != want[i] {
					return fmt.Errorf("latent shape %v, want %v", t.Shape, want)
				}
			}
			return nil
		}),
	}
}
