package sumstat

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
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

func samples(n int, dt float64, f func(t float64) float64) ([]float64, []float64) {
	t := make([]float64, n)
	y := make([]float64, n)
	for i := range t {
		t[i] = float64(i) * dt
		y[i] = f(t[i])
	}
	return t, y
}

func TestFitExponential(t *testing.T) {
	want := Exponential{A: 2, B: -3, Tau: 25}
	ts, ys := samples(2000, 0.1, want.At)

	got, err := FitExponential(ts, ys, 0.1, 1e4)
	require.NoError(t, err)
	assert.InEpsilon(t, want.Tau, got.Tau, 1e-4)
	assert.InEpsilon(t, want.A, got.A, 1e-4)
	assert.InEpsilon(t, want.B, got.B, 1e-4)

	_, err = FitExponential(ts[:2], ys[:2], 0.1, 1e4)
	assert.Error(t, err)
}

func TestFitDoubleExponential(t *testing.T) {
	want := DoubleExponential{A: 1, B1: -2, Tau1: 5, B2: 3, Tau2: 300}
	ts, ys := samples(30000, 0.1, want.At)

	got, err := FitDoubleExponential(ts, ys)
	require.NoError(t, err)
	assert.InEpsilon(t, want.Tau1, got.Tau1, 1e-3)
	assert.InEpsilon(t, want.Tau2, got.Tau2, 1e-3)
	assert.LessOrEqual(t, got.B1*got.B2, 0.0)
}

func TestFitDoubleExponentialRejectsSameSign(t *testing.T) {
	// Two decays of the same sign violate the constraint; whatever is
	// returned must still satisfy it.
	want := DoubleExponential{A: 0, B1: 1, Tau1: 5, B2: 1, Tau2: 300}
	ts, ys := samples(5000, 0.1, want.At)
	got, err := FitDoubleExponential(ts, ys)
	if err == nil {
		assert.LessOrEqual(t, got.B1*got.B2, 0.0)
		assert.GreaterOrEqual(t, got.Tau1, 1.0)
		assert.Greater(t, got.Tau2, got.Tau1)
	}
}

func TestFitBoltzmann(t *testing.T) {
	want := Boltzmann{Midpoint: -15, Slope: 0.12}
	v := protocols.Pr3Voltages
	y := make([]float64, len(v))
	for i := range v {
		y[i] = want.At(v[i])
	}
	got, err := FitBoltzmann(v, y, activationGuess)
	require.NoError(t, err)
	assert.InDelta(t, want.Midpoint, got.Midpoint, 1e-3)
	assert.InDelta(t, want.Slope, got.Slope, 1e-5)
}

func TestThin(t *testing.T) {
	ts, ys := samples(60000, 0.1, func(t float64) float64 { return t })
	tt, yy := thin(ts, ys)
	assert.LessOrEqual(t, len(tt), maxFitPoints)
	assert.Equal(t, tt, yy)
	assert.Equal(t, ts[:maxFitPoints/4], tt[:maxFitPoints/4])
	assert.IsIncreasing(t, tt)

	short, _ := thin(ts[:100], ys[:100])
	assert.Len(t, short, 100)
}

func modelStatistics(p []float64) *Statistics {
	pr5 := []float64{-120, -110, -100, -80, -70, -60, -50, -40}
	ta := append(append([]float64(nil), pr5...), 40)
	tr := append(append([]float64(nil), pr5...), protocols.Pr4Voltages[pr4FirstUsed:]...)
	return &Statistics{
		TA: Curve{Voltages: ta, Values: model.TimeConstantOfActivation(ta, p)},
		TR: Curve{Voltages: tr, Values: model.TimeConstantOfRecovery(tr, p)},
		AI: Curve{Voltages: protocols.Pr3Voltages, Values: model.SteadyStateActivation(protocols.Pr3Voltages, p)},
		RI: Curve{Voltages: pr5, Values: model.SteadyStateRecovery(pr5, p)},
	}
}

func TestDirectFitRecoversParameters(t *testing.T) {
	got, err := DirectFit(modelStatistics(reference))
	require.NoError(t, err)
	require.Len(t, got, model.NKinetic)
	for i := range got {
		assert.InEpsilon(t, reference[i], got[i], 1e-2, "p%d", i+1)
	}
}

func TestExtractFromSimulation(t *testing.T) {
	if testing.Short() {
		t.Skip("simulates all traditional protocols")
	}
	sim := NewSimulator(ek, protocols.SampleInterval, 0, false)
	s, err := sim.Statistics(context.Background(), reference)
	require.NoError(t, err)

	assert.Len(t, s.TA.Values, 9)
	assert.Len(t, s.TR.Values, 17)
	assert.Len(t, s.AI.Values, 7)
	assert.Len(t, s.RI.Values, 8)
	assert.Len(t, s.IV.Values, 9)
	assert.Equal(t, 40.0, s.TA.Voltages[8])

	// Pr2 envelope follows activation at +40 mV
	tauA := model.TimeConstantOfActivation([]float64{40}, reference)[0]
	assert.InEpsilon(t, tauA, s.TA.Values[8], 0.2)

	// Pr4 and Pr5 time constants follow the recovery gate
	tauR := model.TimeConstantOfRecovery(s.TR.Voltages, reference)
	for i := range tauR {
		assert.InEpsilon(t, tauR[i], s.TR.Values[i], 0.25, "%g mV", s.TR.Voltages[i])
	}

	// Pr5 slow components follow deactivation
	tauAct := model.TimeConstantOfActivation(s.TA.Voltages[:8], reference)
	for i := range tauAct {
		assert.InEpsilon(t, tauAct[i], s.TA.Values[i], 0.25, "%g mV", s.TA.Voltages[i])
	}

	lastThree := s.AI.Values[len(s.AI.Values)-3:]
	assert.InDelta(t, 1, math.Max(lastThree[0], math.Max(lastThree[1], lastThree[2])), 1e-12)
	assert.Less(t, s.AI.Values[0], 0.2)

	assert.Less(t, s.IV.Values[0], 0.0, "inward current at -120 mV")
	assert.Greater(t, s.IV.Values[8], 0.0, "outward current at -40 mV")
	assert.NotContains(t, s.RI.Voltages, -90.0)

	// Idempotent
	again, err := sim.Statistics(context.Background(), reference)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestExtractVariant(t *testing.T) {
	if testing.Short() {
		t.Skip("simulates all traditional protocols")
	}
	sim := NewSimulator(ek, protocols.SampleInterval, 0, true)
	tr, err := sim.Simulate(context.Background(), reference)
	require.NoError(t, err)
	assert.True(t, tr.Variant)

	s, err := Extract(tr, ek)
	require.NoError(t, err)
	tauA := model.TimeConstantOfActivation([]float64{40}, reference)[0]
	assert.InEpsilon(t, tauA, s.TA.Values[8], 0.2)
	assert.Greater(t, tr.Pr2.Times[tr.Pr2.Len()-1], protocols.Pr2().Duration())
}

func TestSimulatorFilters(t *testing.T) {
	sim := NewSimulator(ek, protocols.SampleInterval, 0, false)
	ctx := context.Background()

	raw, err := sim.SimulateUnfiltered(ctx, protocols.Inactivation, reference)
	require.NoError(t, err)
	filtered, err := sim.SimulateProtocol(ctx, protocols.Inactivation, reference)
	require.NoError(t, err)

	pr4 := protocols.Pr4()
	assert.Len(t, raw.Times, len(pr4.Times(protocols.SampleInterval)))
	assert.Less(t, filtered.Len(), raw.Len())
	assert.Equal(t, raw.Filter(pr4), filtered)
	for _, start := range pr4.StepStarts()[1:] {
		for _, ts := range filtered.Times {
			if ts >= start && ts < start+protocols.CapacitanceDuration-1e-6 {
				t.Fatalf("sample at %g ms within the capacitance window of the step at %g ms", ts, start)
			}
		}
	}

	_, err = sim.SimulateUnfiltered(ctx, protocols.SineWave, reference)
	assert.Error(t, err)
}

func TestFitConductance(t *testing.T) {
	sim := NewSimulator(ek, protocols.SampleInterval, 0, false)
	rec, err := sim.SimulateProtocol(context.Background(), protocols.Deactivation, reference)
	require.NoError(t, err)
	iv, err := PeakCurrents(rec)
	require.NoError(t, err)

	g, err := FitConductance(context.Background(), sim, iv, reference[:8])
	require.NoError(t, err)
	assert.InEpsilon(t, reference[8], g, 1e-9)

	_, err = FitConductance(context.Background(), sim, iv, reference)
	assert.Error(t, err)

	_, err = sim.SimulateProtocol(context.Background(), protocols.SineWave, reference)
	assert.Error(t, err)
}

func TestExtractErrors(t *testing.T) {
	_, err := Extract(Traces{}, ek)
	assert.Error(t, err)

	empty := &data.Recording{}
	_, err = Inactivation(empty)
	assert.Error(t, err)
	_, err = SteadyActivation(empty)
	assert.Error(t, err)
	_, err = PeakCurrents(empty)
	assert.Error(t, err)
}

func BenchmarkFitDoubleExponential(b *testing.B) {
	want := DoubleExponential{A: 1, B1: -2, Tau1: 5, B2: 3, Tau2: 300}
	ts, ys := samples(60000, 0.1, want.At)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = FitDoubleExponential(ts, ys)
	}
}
