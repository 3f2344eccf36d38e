package simulation

import (
	"context"

	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
)

// checkEvery is the number of samples between context checks.
const checkEvery = 4096

// Analytical solves the gate equations exactly on every constant-voltage
// step. It only supports step protocols.
type Analytical struct {
	run
	steps  []protocols.Step
	starts []float64
}

// NewAnalytical creates an analytical simulator for a step protocol.
func NewAnalytical(p *protocols.Protocol, ek float64) (*Analytical, error) {
	if !p.IsStepProtocol() {
		return nil, errors.Wrapf(ErrUnsupportedProtocol, errors.KindSimulation,
			"analytical simulation of %s", p.Name()).WithComponent("simulation")
	}
	return &Analytical{
		run:    run{protocol: p, ek: ek},
		steps:  p.Steps(),
		starts: p.StepStarts(),
	}, nil
}

// SetTolerances is a no-op: the solution is exact.
func (s *Analytical) SetTolerances(float64) {}

// Simulate implements Simulator.
func (s *Analytical) Simulate(ctx context.Context, parameters, times []float64) ([]float64, error) {
	if err := s.begin(ctx, parameters, times); err != nil {
		return nil, err
	}

	g := model.GatesAt(parameters, model.HoldingPotential)
	a, r := g.AInf, g.RInf

	seg := 0
	level := s.steps[0].Level
	g = model.GatesAt(parameters, level)

	out := make([]float64, len(times))
	for i, t := range times {
		for seg+1 < len(s.steps) && s.starts[seg+1] <= t {
			dt := s.starts[seg+1] - s.starts[seg]
			a = relax(a, g.AInf, g.TauA, dt)
			r = relax(r, g.RInf, g.TauR, dt)
			seg++
			level = s.steps[seg].Level
			g = model.GatesAt(parameters, level)
		}
		if i%checkEvery == 0 {
			if err := checkContext(ctx); err != nil {
				return nil, err
			}
		}

		dt := t - s.starts[seg]
		out[i] = model.Current(parameters,
			relax(a, g.AInf, g.TauA, dt),
			relax(r, g.RInf, g.TauR, dt),
			level, s.ek)
	}

	if err := checkFinite(out); err != nil {
		return nil, err
	}
	return out, nil
}
