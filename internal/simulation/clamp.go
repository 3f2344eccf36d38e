package simulation

import (
	"context"
	"math"

	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
)

const (
	// DefaultTolerance is the largest voltage change (mV) allowed within
	// one sub-step of the clamp simulator.
	DefaultTolerance = 1.0
	// MaxStep is the longest sub-step (ms).
	MaxStep = 0.1
	// MinStep is the shortest sub-step (ms); the tolerance is not enforced
	// below it.
	MinStep = 1e-4
)

// Clamp integrates the gates with an exponential integrator, treating the
// voltage as constant at its sub-step midpoint. It supports any protocol:
// steps, the sine wave and data clamps.
type Clamp struct {
	run
	tolerance   float64
	breakpoints []float64
}

// NewClamp creates a clamp simulator.
func NewClamp(p *protocols.Protocol, ek float64) *Clamp {
	return &Clamp{
		run:         run{protocol: p, ek: ek},
		tolerance:   DefaultTolerance,
		breakpoints: p.Breakpoints(),
	}
}

// SetTolerances sets the largest voltage change per sub-step. Non-positive
// values are ignored.
func (s *Clamp) SetTolerances(tol float64) {
	if tol > 0 {
		s.tolerance = tol
	}
}

// Simulate implements Simulator.
func (s *Clamp) Simulate(ctx context.Context, parameters, times []float64) ([]float64, error) {
	if err := s.begin(ctx, parameters, times); err != nil {
		return nil, err
	}

	p := s.protocol
	g := model.GatesAt(parameters, model.HoldingPotential)
	a, r := g.AInf, g.RInf

	tc := 0.0
	next := 0 // index of the first breakpoint after tc

	out := make([]float64, len(times))
	for i, t := range times {
		if i%checkEvery == 0 {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}
		}

		for t-tc > 1e-12 {
			for next < len(s.breakpoints) && s.breakpoints[next] <= tc+1e-12 {
				next++
			}
			h := math.Min(MaxStep, t-tc)
			if next < len(s.breakpoints) {
				h = math.Min(h, s.breakpoints[next]-tc)
			}
			// The change over the whole sub-step is estimated from its
			// first half, so a breakpoint at the end does not count.
			v0 := p.VoltageAt(tc)
			for h > MinStep && 2*math.Abs(p.VoltageAt(tc+h/2)-v0) > s.tolerance {
				h /= 2
			}

			gm := model.GatesAt(parameters, p.VoltageAt(tc+h/2))
			a = relax(a, gm.AInf, gm.TauA, h)
			r = relax(r, gm.RInf, gm.TauR, h)
			tc += h
		}

		out[i] = model.Current(parameters, a, r, p.VoltageAt(t), s.ek)
	}

	if err := checkFinite(out); err != nil {
		return nil, err
	}
	return out, nil
}
