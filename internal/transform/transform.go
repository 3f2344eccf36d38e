// Package transform maps parameter vectors between model space (physical
// rate parameters and conductance) and search space (the coordinates an
// optimiser explores).
package transform

import (
	"fmt"
	"math"
)

// Code is the one-letter identifier of a transformation. It is stable and
// is used to name stored results.
type Code byte

const (
	// Null leaves every coordinate untouched.
	Null Code = 'n'
	// AOnly log-transforms the four rate prefactors a1..a4 (indices 0, 2, 4, 6).
	AOnly Code = 'a'
	// Kinetic log-transforms all eight rate parameters but not the conductance.
	Kinetic Code = 'k'
	// Full log-transforms every coordinate, conductance included.
	Full Code = 'f'
)

// Codes lists every supported transformation code.
var Codes = []Code{Null, AOnly, Kinetic, Full}

// Transformation is a coordinate-wise bijection between model space and
// search space. The zero value is not valid; use New or Parse.
type Transformation struct {
	code Code
}

// New returns the transformation for the given code.
func New(code Code) (Transformation, error) {
	switch code {
	case Null, AOnly, Kinetic, Full:
		return Transformation{code: code}, nil
	}
	return Transformation{}, fmt.Errorf("unknown transformation code %q", string(code))
}

// Parse returns the transformation for a one-letter code string.
func Parse(s string) (Transformation, error) {
	if len(s) != 1 {
		return Transformation{}, fmt.Errorf("unknown transformation code %q", s)
	}
	return New(Code(s[0]))
}

// MustNew is like New but panics on an unknown code.
func MustNew(code Code) Transformation {
	t, err := New(code)
	if err != nil {
		panic(err)
	}
	return t
}

// Code returns the one-letter code.
func (t Transformation) Code() Code {
	return t.code
}

// Name returns a human-readable name.
func (t Transformation) Name() string {
	switch t.code {
	case Null:
		return "untransformed"
	case AOnly:
		return "a-params only"
	case Kinetic:
		return "kinetic"
	case Full:
		return "full"
	}
	return "invalid"
}

// String implements fmt.Stringer.
func (t Transformation) String() string {
	return string(t.code)
}

// IsLog reports whether coordinate i is log-transformed.
func (t Transformation) IsLog(i int) bool {
	switch t.code {
	case AOnly:
		return i < 8 && i%2 == 0
	case Kinetic:
		return i < 8
	case Full:
		return true
	}
	return false
}

// Transform maps a model-space vector to search space. The input is not
// modified.
func (t Transformation) Transform(parameters []float64) []float64 {
	out := make([]float64, len(parameters))
	for i, p := range parameters {
		if t.IsLog(i) {
			out[i] = math.Log(p)
		} else {
			out[i] = p
		}
	}
	return out
}

// Detransform maps a search-space vector back to model space. The input is
// not modified.
func (t Transformation) Detransform(transformed []float64) []float64 {
	out := make([]float64, len(transformed))
	for i, q := range transformed {
		if t.IsLog(i) {
			out[i] = math.Exp(q)
		} else {
			out[i] = q
		}
	}
	return out
}
