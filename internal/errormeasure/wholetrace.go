package errormeasure

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
	"github.com/copyleftdev/ikrfit/internal/simulation"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

// Protocols returns the protocol numbers a whole-trace measure fits.
func Protocols(kind Kind) ([]int, error) {
	switch kind {
	case E3:
		return []int{
			protocols.ActivationKinetics,
			protocols.SteadyActivation,
			protocols.Inactivation,
			protocols.Deactivation,
		}, nil
	case E4:
		return []int{protocols.SineWave}, nil
	case EAP:
		return []int{protocols.ActionPotential}, nil
	}
	return nil, fmt.Errorf("%s is not a whole-trace measure", kind)
}

// Trace pairs a protocol with the capacitance-filtered recording made
// under it.
type Trace struct {
	Protocol  *protocols.Protocol
	Recording *data.Recording
}

type trace struct {
	id      int
	times   []float64
	current []float64
	weight  float64
	pool    *simulation.Pool
}

// WholeTrace is the weighted sum over protocols of the RMS difference
// between simulated and recorded currents. Each protocol is weighted by
// the reciprocal of the range of its recorded current.
type WholeTrace struct {
	kind    Kind
	search  transform.Transformation
	timeout time.Duration
	traces  []trace
	logger  *zap.Logger
}

// WholeTraceConfig configures a WholeTrace measure.
type WholeTraceConfig struct {
	Kind   Kind
	Search transform.Transformation
	// ReversalPotential of the recorded cell (mV).
	ReversalPotential float64
	// Timeout bounds each simulation; zero means simulation.DefaultTimeout.
	Timeout time.Duration
	// Tolerance is passed to the simulators; zero keeps their default.
	Tolerance float64
	Traces    []Trace
	Logger    *zap.Logger
}

// NewWholeTrace creates an E3, E4 or EAP measure.
func NewWholeTrace(cfg WholeTraceConfig) (*WholeTrace, error) {
	if _, err := Protocols(cfg.Kind); err != nil {
		return nil, err
	}
	if len(cfg.Traces) == 0 {
		return nil, fmt.Errorf("%s: no traces", cfg.Kind)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &WholeTrace{
		kind:    cfg.Kind,
		search:  cfg.Search,
		timeout: cfg.Timeout,
		logger:  logger.Named("whole-trace").With(zap.String("measure", string(cfg.Kind))),
	}
	for _, tr := range cfg.Traces {
		if tr.Protocol == nil || tr.Recording == nil {
			return nil, fmt.Errorf("%s: incomplete trace", cfg.Kind)
		}
		if err := tr.Recording.Validate(); err != nil {
			return nil, fmt.Errorf("protocol %d: %w", tr.Protocol.ID(), err)
		}
		p := tr.Protocol
		// Fail early on protocols the simulators cannot run.
		if _, err := simulation.New(p, cfg.ReversalPotential); err != nil {
			return nil, fmt.Errorf("protocol %d: %w", p.ID(), err)
		}
		e.traces = append(e.traces, trace{
			id:      p.ID(),
			times:   tr.Recording.Times,
			current: tr.Recording.Current,
			weight:  weight(tr.Recording.Current),
			pool: simulation.NewPool(func() (simulation.Simulator, error) {
				s, err := simulation.New(p, cfg.ReversalPotential)
				if err != nil {
					return nil, err
				}
				if cfg.Tolerance > 0 {
					s.SetTolerances(cfg.Tolerance)
				}
				return s, nil
			}),
		})
	}
	return e, nil
}

// Kind implements Measure.
func (e *WholeTrace) Kind() Kind { return e.kind }

// NParameters implements Measure.
func (e *WholeTrace) NParameters() int { return model.NParameters }

// Evaluate implements Measure.
func (e *WholeTrace) Evaluate(ctx context.Context, transformed []float64) float64 {
	if !checkLength(transformed, model.NParameters) {
		return math.Inf(1)
	}
	p := e.search.Detransform(transformed)

	var total float64
	for i := range e.traces {
		tr := &e.traces[i]
		current, err := e.simulate(ctx, tr, p)
		if err != nil {
			e.logger.Debug("evaluation failed", zap.Int("protocol", tr.id), zap.Error(err))
			return math.Inf(1)
		}
		total += tr.weight * rms(current, tr.current)
	}
	return score(total)
}

func (e *WholeTrace) simulate(ctx context.Context, tr *trace, p []float64) ([]float64, error) {
	s, err := tr.pool.Get()
	if err != nil {
		return nil, err
	}
	defer tr.pool.Put(s)
	return simulation.Run(ctx, s, e.timeout, p, tr.times)
}
