package sumstat

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
	"github.com/copyleftdev/ikrfit/internal/simulation"
)

// Starting points of the Boltzmann fits.
var (
	activationGuess = Boltzmann{Midpoint: -20, Slope: 0.03}
	recoveryGuess   = Boltzmann{Midpoint: -60, Slope: -0.03}
)

// DirectFit derives the eight kinetic parameters from summary statistics.
// Boltzmann curves fitted to the steady states give the midpoints and
// slopes; straight-line fits of log(steady state / time constant) give
// the rates k1 and k4, from which the remaining parameters follow.
func DirectFit(s *Statistics) ([]float64, error) {
	act, err := FitBoltzmann(s.AI.Voltages, s.AI.Values, activationGuess)
	if err != nil {
		return nil, fmt.Errorf("steady-state activation: %w", err)
	}
	rec, err := FitBoltzmann(s.RI.Voltages, s.RI.Values, recoveryGuess)
	if err != nil {
		return nil, fmt.Errorf("steady-state recovery: %w", err)
	}

	// log k1 = log p1 + p2 V
	a1, b1, err := logRateFit(s.TA, act)
	if err != nil {
		return nil, fmt.Errorf("time constant of activation: %w", err)
	}
	// log k4 = log p7 - p8 V
	a4, slope4, err := logRateFit(s.TR, rec)
	if err != nil {
		return nil, fmt.Errorf("time constant of recovery: %w", err)
	}
	b4 := -slope4

	ha, sa := act.Midpoint, act.Slope
	hr, sr := rec.Midpoint, rec.Slope
	p := []float64{
		math.Exp(a1),
		b1,
		math.Exp(sa*ha + a1),
		sa - b1,
		math.Exp(sr*hr + a4),
		-sr - b4,
		math.Exp(a4),
		b4,
	}
	for i, x := range p {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("direct fit produced non-finite p%d", i+1)
		}
	}
	return p, nil
}

// logRateFit fits a straight line to log(b(V) / tau(V)).
func logRateFit(tau Curve, b Boltzmann) (float64, float64, error) {
	if len(tau.Voltages) < 2 {
		return 0, 0, fmt.Errorf("need at least 2 points, got %d", len(tau.Voltages))
	}
	y := make([]float64, len(tau.Voltages))
	for i, v := range tau.Voltages {
		y[i] = math.Log(b.At(v) / tau.Values[i])
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return 0, 0, fmt.Errorf("non-finite log rate at %g mV", v)
		}
	}
	alpha, beta := stat.LinearRegression(tau.Voltages, y, nil, false)
	return alpha, beta, nil
}

// Simulator produces the Pr2 to Pr5 traces of a parameter set, sampled
// like the recordings and capacitance filtered like them. It is safe for
// concurrent use.
type Simulator struct {
	ek      float64
	timeout time.Duration
	variant bool

	protocols []*protocols.Protocol
	times     [][]float64
	pools     []*simulation.Pool
}

// NewSimulator creates a Simulator for a cell with reversal potential ek,
// sampling every dt ms. variant selects the Pr2 variant. A timeout of zero
// means simulation.DefaultTimeout.
func NewSimulator(ek, dt float64, timeout time.Duration, variant bool) *Simulator {
	s := &Simulator{ek: ek, timeout: timeout, variant: variant}
	for _, p := range protocols.Traditional(variant) {
		s.protocols = append(s.protocols, p)
		s.times = append(s.times, p.Times(dt))
		s.pools = append(s.pools, simulation.NewPool(func() (simulation.Simulator, error) {
			return simulation.NewAnalytical(p, ek)
		}))
	}
	return s
}

// Simulate runs all four protocols.
func (s *Simulator) Simulate(ctx context.Context, parameters []float64) (Traces, error) {
	var recs [4]*data.Recording
	for i := range s.protocols {
		rec, err := s.run(ctx, i, parameters)
		if err != nil {
			return Traces{}, err
		}
		recs[i] = rec.Filter(s.protocols[i])
	}
	return Traces{Pr2: recs[0], Pr3: recs[1], Pr4: recs[2], Pr5: recs[3], Variant: s.variant}, nil
}

// SimulateProtocol runs a single protocol, identified by its number, and
// applies its capacitance filter.
func (s *Simulator) SimulateProtocol(ctx context.Context, id int, parameters []float64) (*data.Recording, error) {
	i, err := s.index(id)
	if err != nil {
		return nil, err
	}
	rec, err := s.run(ctx, i, parameters)
	if err != nil {
		return nil, err
	}
	return rec.Filter(s.protocols[i]), nil
}

// SimulateUnfiltered runs a single protocol and returns every sample, as
// a recording would store it.
func (s *Simulator) SimulateUnfiltered(ctx context.Context, id int, parameters []float64) (*data.Recording, error) {
	i, err := s.index(id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, i, parameters)
}

func (s *Simulator) index(id int) (int, error) {
	for i, p := range s.protocols {
		if p.ID() == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("protocol %d is not a traditional protocol", id)
}

func (s *Simulator) run(ctx context.Context, i int, parameters []float64) (*data.Recording, error) {
	sim, err := s.pools[i].Get()
	if err != nil {
		return nil, err
	}
	defer s.pools[i].Put(sim)

	current, err := simulation.Run(ctx, sim, s.timeout, parameters, s.times[i])
	if err != nil {
		return nil, err
	}
	return &data.Recording{Times: s.times[i], Current: current}, nil
}

// Statistics simulates the traditional protocols and extracts their
// summary statistics.
func (s *Simulator) Statistics(ctx context.Context, parameters []float64) (*Statistics, error) {
	tr, err := s.Simulate(ctx, parameters)
	if err != nil {
		return nil, err
	}
	return Extract(tr, s.ek)
}

// FitConductance returns the conductance that best scales the IV curve
// simulated with the given kinetic parameters (and unit conductance) onto
// the measured IV curve, in the least-squares sense.
func FitConductance(ctx context.Context, s *Simulator, iv Curve, kinetic []float64) (float64, error) {
	if len(kinetic) != model.NKinetic {
		return 0, fmt.Errorf("expected %d kinetic parameters, got %d", model.NKinetic, len(kinetic))
	}
	parameters := append(append([]float64(nil), kinetic...), 1)

	rec, err := s.SimulateProtocol(ctx, protocols.Deactivation, parameters)
	if err != nil {
		return 0, err
	}
	simulated, err := PeakCurrents(rec)
	if err != nil {
		return 0, err
	}
	if len(simulated.Values) != len(iv.Values) {
		return 0, fmt.Errorf("IV curve has %d points, simulation has %d", len(iv.Values), len(simulated.Values))
	}

	var num, den float64
	for i := range iv.Values {
		num += iv.Values[i] * simulated.Values[i]
		den += simulated.Values[i] * simulated.Values[i]
	}
	if den == 0 {
		return 0, fmt.Errorf("simulated IV curve is zero")
	}
	return num / den, nil
}
