// Package errormeasure implements the objective functions minimised by the
// fits. Every measure maps a search-space point to a non-negative score;
// points that cannot be evaluated score +Inf so the optimiser treats them
// as very bad fits instead of failing.
package errormeasure

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/ikrfit/internal/errors"
)

// Kind names an error measure.
type Kind string

const (
	// E1 compares the model's closed-form summary curves with the
	// experimental summary statistics.
	E1 Kind = "E1"
	// E2 compares summary statistics extracted from simulated Pr2 to Pr5
	// traces with the experimental ones.
	E2 Kind = "E2"
	// E3 is the whole-trace error over Pr2 to Pr5.
	E3 Kind = "E3"
	// E4 is the whole-trace error over the sine wave protocol Pr7.
	E4 Kind = "E4"
	// EAP is the whole-trace error over the action potential protocol Pr6.
	EAP Kind = "EAP"
)

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case E1, E2, E3, E4, EAP:
		return k, nil
	}
	return "", fmt.Errorf("unknown error measure %q", s)
}

// Measure is an objective function over search space. Implementations are
// safe for concurrent use.
type Measure interface {
	// Evaluate returns the score of a search-space point: zero or more, or
	// +Inf if the point cannot be evaluated.
	Evaluate(ctx context.Context, transformed []float64) float64
	// NParameters returns the number of coordinates Evaluate expects.
	NParameters() int
	// Kind identifies the measure.
	Kind() Kind
}

// Func adapts a Measure to a plain objective function bound to ctx. A
// panicking evaluation scores +Inf.
func Func(ctx context.Context, m Measure) func([]float64) float64 {
	return func(x []float64) float64 {
		v := math.Inf(1)
		_ = errors.Recover(errors.KindSimulation, "Evaluate", func() error {
			v = m.Evaluate(ctx, x)
			return nil
		})
		return v
	}
}

func rms(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s / float64(len(a)))
}

// weight is the reciprocal of the dynamic range of x, or 1 for a flat
// curve.
func weight(x []float64) float64 {
	if len(x) == 0 {
		return 1
	}
	r := floats.Max(x) - floats.Min(x)
	if r == 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return 1
	}
	return 1 / r
}

// score maps NaN and negative infinity to +Inf.
func score(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return math.Inf(1)
	}
	return x
}

func checkLength(transformed []float64, n int) bool {
	return len(transformed) == n
}
