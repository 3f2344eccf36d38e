package errormeasure

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/sumstat"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

// curveWeights holds one weight per summary curve, in the order TA, TR,
// AI, RI, IV.
type curveWeights [5]float64

func weightsFor(s *sumstat.Statistics) curveWeights {
	return curveWeights{
		weight(s.TA.Values),
		weight(s.TR.Values),
		weight(s.AI.Values),
		weight(s.RI.Values),
		weight(s.IV.Values),
	}
}

func validateTarget(s *sumstat.Statistics) error {
	if s == nil {
		return fmt.Errorf("no summary statistics")
	}
	for name, c := range map[string]sumstat.Curve{"TA": s.TA, "TR": s.TR, "AI": s.AI, "RI": s.RI} {
		if len(c.Values) == 0 || len(c.Values) != len(c.Voltages) {
			return fmt.Errorf("summary curve %s is empty or ragged", name)
		}
	}
	return nil
}

// Summary is E1: the weighted RMS difference between the closed-form
// steady states and time constants of the model and the experimental
// summary curves. It searches the eight kinetic parameters only.
type Summary struct {
	target      *sumstat.Statistics
	search      transform.Transformation
	conductance float64
	weights     curveWeights
}

// NewSummary creates an E1 measure. A positive conductance is appended to
// every detransformed point before evaluation.
func NewSummary(target *sumstat.Statistics, search transform.Transformation, conductance float64) (*Summary, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if conductance < 0 || math.IsNaN(conductance) {
		return nil, fmt.Errorf("invalid conductance %v", conductance)
	}
	return &Summary{
		target:      target,
		search:      search,
		conductance: conductance,
		weights:     weightsFor(target),
	}, nil
}

// Kind implements Measure.
func (e *Summary) Kind() Kind { return E1 }

// NParameters implements Measure.
func (e *Summary) NParameters() int { return model.NKinetic }

// Parameters detransforms a search-space point and attaches the fixed
// conductance, if any.
func (e *Summary) Parameters(transformed []float64) []float64 {
	p := e.search.Detransform(transformed)
	if e.conductance > 0 {
		p = append(p, e.conductance)
	}
	return p
}

// Evaluate implements Measure.
func (e *Summary) Evaluate(_ context.Context, transformed []float64) float64 {
	if !checkLength(transformed, model.NKinetic) {
		return math.Inf(1)
	}
	p := e.Parameters(transformed)
	t := e.target

	err := e.weights[0]*rms(model.TimeConstantOfActivation(t.TA.Voltages, p), t.TA.Values) +
		e.weights[1]*rms(model.TimeConstantOfRecovery(t.TR.Voltages, p), t.TR.Values) +
		e.weights[2]*rms(model.SteadyStateActivation(t.AI.Voltages, p), t.AI.Values) +
		e.weights[3]*rms(model.SteadyStateRecovery(t.RI.Voltages, p), t.RI.Values)
	return score(err)
}

// SimulatedSummary is E2: the summary statistics are extracted from
// simulated Pr2 to Pr5 traces with the same procedure used on the
// recordings, and compared with the experimental ones, IV curve included.
type SimulatedSummary struct {
	target  *sumstat.Statistics
	search  transform.Transformation
	sim     *sumstat.Simulator
	weights curveWeights
	logger  *zap.Logger
}

// NewSimulatedSummary creates an E2 measure.
func NewSimulatedSummary(target *sumstat.Statistics, search transform.Transformation, sim *sumstat.Simulator, logger *zap.Logger) (*SimulatedSummary, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if len(target.IV.Values) == 0 {
		return nil, fmt.Errorf("summary curve IV is empty")
	}
	if sim == nil {
		return nil, fmt.Errorf("no simulator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedSummary{
		target:  target,
		search:  search,
		sim:     sim,
		weights: weightsFor(target),
		logger:  logger.Named("e2"),
	}, nil
}

// Kind implements Measure.
func (e *SimulatedSummary) Kind() Kind { return E2 }

// NParameters implements Measure.
func (e *SimulatedSummary) NParameters() int { return model.NParameters }

// Evaluate implements Measure.
func (e *SimulatedSummary) Evaluate(ctx context.Context, transformed []float64) float64 {
	if !checkLength(transformed, model.NParameters) {
		return math.Inf(1)
	}
	s, err := e.sim.Statistics(ctx, e.search.Detransform(transformed))
	if err != nil {
		e.logger.Debug("evaluation failed", zap.Error(err))
		return math.Inf(1)
	}

	t := e.target
	total := e.weights[0]*rms(s.TA.Values, t.TA.Values) +
		e.weights[1]*rms(s.TR.Values, t.TR.Values) +
		e.weights[2]*rms(s.AI.Values, t.AI.Values) +
		e.weights[3]*rms(s.RI.Values, t.RI.Values) +
		e.weights[4]*rms(s.IV.Values, t.IV.Values)
	return score(total)
}
