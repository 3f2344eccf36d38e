package errormeasure

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
	"github.com/copyleftdev/ikrfit/internal/simulation"
	"github.com/copyleftdev/ikrfit/internal/sumstat"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

var reference = []float64{
	2.26026076650526e-004,
	6.99168845608636e-002,
	3.44809941106440e-005,
	5.46144197845311e-002,
	8.73240559379590e-002,
	8.91302005497140e-003,
	5.15112582976275e-003,
	3.15833911359110e-002,
	1.52395993652348e-001,
}

var ek = model.ReversalPotential(21.4)

func modelStatistics(p []float64) *sumstat.Statistics {
	pr5 := []float64{-120, -110, -100, -80, -70, -60, -50, -40}
	ta := append(append([]float64(nil), pr5...), 40)
	tr := append(append([]float64(nil), pr5...), -30, -20, -10, 0, 10, 20, 30, 40, 50)
	return &sumstat.Statistics{
		TA: sumstat.Curve{Voltages: ta, Values: model.TimeConstantOfActivation(ta, p)},
		TR: sumstat.Curve{Voltages: tr, Values: model.TimeConstantOfRecovery(tr, p)},
		AI: sumstat.Curve{Voltages: protocols.Pr3Voltages, Values: model.SteadyStateActivation(protocols.Pr3Voltages, p)},
		RI: sumstat.Curve{Voltages: pr5, Values: model.SteadyStateRecovery(pr5, p)},
	}
}

func nonNegative(t *testing.T, x float64) {
	t.Helper()
	assert.True(t, x >= 0 || math.IsInf(x, 1), "score %v", x)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{E1, E2, E3, E4, EAP} {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("E5")
	assert.Error(t, err)

	_, err = Protocols(E1)
	assert.Error(t, err)
	ids, err := Protocols(E3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 5}, ids)
}

func TestSummary(t *testing.T) {
	for _, code := range transform.Codes {
		t.Run(string(code), func(t *testing.T) {
			search := transform.MustNew(code)
			e, err := NewSummary(modelStatistics(reference), search, reference[8])
			require.NoError(t, err)
			assert.Equal(t, E1, e.Kind())
			assert.Equal(t, 8, e.NParameters())

			truth := search.Transform(reference[:8])
			assert.InDelta(t, 0, e.Evaluate(context.Background(), truth), 1e-12)
			assert.Equal(t, reference[8], e.Parameters(truth)[8])

			off := search.Transform(reference[:8])
			off[1] *= 1.1
			first := e.Evaluate(context.Background(), off)
			assert.Greater(t, first, 0.0)
			assert.Equal(t, first, e.Evaluate(context.Background(), off))
		})
	}
}

func TestSummaryInvalidPoints(t *testing.T) {
	e, err := NewSummary(modelStatistics(reference), transform.MustNew(transform.AOnly), 0)
	require.NoError(t, err)

	assert.True(t, math.IsInf(e.Evaluate(context.Background(), reference), 1), "9 parameters")

	bad := append([]float64(nil), reference[:8]...)
	bad[0] = math.NaN()
	assert.True(t, math.IsInf(e.Evaluate(context.Background(), bad), 1))

	_, err = NewSummary(&sumstat.Statistics{}, transform.MustNew(transform.AOnly), 0)
	assert.Error(t, err)
}

func TestSummaryNonNegative(t *testing.T) {
	e, err := NewSummary(modelStatistics(reference), transform.MustNew(transform.Kinetic), 0)
	require.NoError(t, err)
	search := transform.MustNew(transform.Kinetic)
	for _, scale := range []float64{1e-3, 0.5, 0.9, 1.1, 2, 1e3} {
		p := append([]float64(nil), reference[:8]...)
		for i := range p {
			p[i] *= scale
		}
		nonNegative(t, e.Evaluate(context.Background(), search.Transform(p)))
	}
}

func TestSimulatedSummary(t *testing.T) {
	if testing.Short() {
		t.Skip("simulates all traditional protocols")
	}
	sim := sumstat.NewSimulator(ek, protocols.SampleInterval, 0, false)
	target, err := sim.Statistics(context.Background(), reference)
	require.NoError(t, err)

	search := transform.MustNew(transform.AOnly)
	e, err := NewSimulatedSummary(target, search, sim, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, e.NParameters())

	truth := search.Transform(reference)
	assert.InDelta(t, 0, e.Evaluate(context.Background(), truth), 1e-12)

	bad := search.Transform(reference)
	bad[0] = math.Log(1e300)
	bad[1] = 10
	assert.True(t, math.IsInf(e.Evaluate(context.Background(), bad), 1))

	short := *target
	short.IV = sumstat.Curve{Voltages: []float64{-120}, Values: []float64{-1}}
	mismatched, err := NewSimulatedSummary(&short, search, sim, nil)
	require.NoError(t, err)
	assert.True(t, math.IsInf(mismatched.Evaluate(context.Background(), truth), 1))
}

func simulatedTrace(t *testing.T, p *protocols.Protocol) Trace {
	t.Helper()
	s, err := simulation.New(p, ek)
	require.NoError(t, err)
	times := p.Times(protocols.SampleInterval)
	current, err := simulation.Run(context.Background(), s, 0, reference, times)
	require.NoError(t, err)
	return Trace{Protocol: p, Recording: &data.Recording{Times: times, Current: current}}
}

func TestWholeTrace(t *testing.T) {
	search := transform.MustNew(transform.Full)
	e, err := NewWholeTrace(WholeTraceConfig{
		Kind:              E3,
		Search:            search,
		ReversalPotential: ek,
		Traces:            []Trace{simulatedTrace(t, protocols.Pr3()), simulatedTrace(t, protocols.Pr5())},
	})
	require.NoError(t, err)
	assert.Equal(t, E3, e.Kind())
	assert.Equal(t, 9, e.NParameters())

	truth := search.Transform(reference)
	assert.InDelta(t, 0, e.Evaluate(context.Background(), truth), 1e-12)

	off := search.Transform(reference)
	off[8] += math.Log(1.5)
	first := e.Evaluate(context.Background(), off)
	assert.Greater(t, first, 0.0)
	assert.Equal(t, first, e.Evaluate(context.Background(), off))

	bad := search.Transform(reference)
	bad[0] = math.Log(1e300)
	bad[1] = math.Log(10)
	assert.True(t, math.IsInf(e.Evaluate(context.Background(), bad), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, math.IsInf(e.Evaluate(ctx, truth), 1))
}

func TestWholeTraceConfigErrors(t *testing.T) {
	search := transform.MustNew(transform.AOnly)
	_, err := NewWholeTrace(WholeTraceConfig{Kind: E1, Search: search})
	assert.Error(t, err)
	_, err = NewWholeTrace(WholeTraceConfig{Kind: E4, Search: search})
	assert.Error(t, err)
	_, err = NewWholeTrace(WholeTraceConfig{
		Kind:   E4,
		Search: search,
		Traces: []Trace{{Protocol: protocols.Pr7(), Recording: &data.Recording{Times: []float64{1, 0}, Current: []float64{0, 0}}}},
	})
	assert.Error(t, err)
}

func TestWholeTraceSineWave(t *testing.T) {
	if testing.Short() {
		t.Skip("clamp simulation of Pr7")
	}
	search := transform.MustNew(transform.AOnly)
	e, err := NewWholeTrace(WholeTraceConfig{
		Kind:              E4,
		Search:            search,
		ReversalPotential: ek,
		Traces:            []Trace{simulatedTrace(t, protocols.Pr7())},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0, e.Evaluate(context.Background(), search.Transform(reference)), 1e-9)
}

func TestFunc(t *testing.T) {
	e, err := NewSummary(modelStatistics(reference), transform.MustNew(transform.Null), 0)
	require.NoError(t, err)
	f := Func(context.Background(), e)
	assert.InDelta(t, 0, f(reference[:8]), 1e-12)
}

type panicMeasure struct{ Measure }

func (panicMeasure) Evaluate(context.Context, []float64) float64 {
	panic("index out of range")
}

func TestFuncRecoversPanic(t *testing.T) {
	f := Func(context.Background(), panicMeasure{})
	var v float64
	assert.NotPanics(t, func() { v = f([]float64{1, 2}) })
	assert.True(t, math.IsInf(v, 1))
}
