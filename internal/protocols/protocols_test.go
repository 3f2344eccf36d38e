package protocols

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardProtocols(t *testing.T) {
	tests := []struct {
		id       int
		duration float64
		windows  int
		steps    bool
	}{
		{id: 2, duration: 6*1750 + 3 + 10 + 30 + 100 + 300 + 1000, windows: 6, steps: true},
		{id: 3, duration: 7 * 6750, windows: 7, steps: true},
		{id: 4, duration: 16 * 1510, windows: 16, steps: true},
		{id: 5, duration: 9 * 8250, windows: 9, steps: true},
		{id: 7, duration: 8000, windows: 0, steps: false},
	}

	for _, tt := range tests {
		p, err := Standard(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.id, p.ID())
		assert.InDelta(t, tt.duration, p.Duration(), 1e-9, "Pr%d", tt.id)
		assert.Len(t, p.Windows(), tt.windows, "Pr%d", tt.id)
		assert.Equal(t, tt.steps, p.IsStepProtocol(), "Pr%d", tt.id)
	}

	_, err := Standard(ActionPotential)
	assert.Error(t, err)
	_, err = Standard(1)
	assert.Error(t, err)
}

func TestWindowsMatchSweepVariables(t *testing.T) {
	pr4 := Pr4()
	for i, w := range pr4.Windows() {
		assert.Equal(t, Pr4Voltages[i], w.Value)
		// The window covers the test step
		assert.Equal(t, w.Value, pr4.VoltageAt(w.Start+1))
		assert.InDelta(t, 150, w.End-w.Start, 1e-9)
	}

	pr2 := Pr2()
	for i, w := range pr2.Windows() {
		assert.Equal(t, Pr2Durations[i], w.Value)
		assert.Equal(t, -120.0, pr2.VoltageAt(w.Start+1))
	}
}

func TestPr2Variant(t *testing.T) {
	p := Pr2Variant()
	assert.Equal(t, ActivationKinetics, p.ID())
	assert.Equal(t, []float64{20, 80, 140, 200, 260, 320, 380, 440, 500}, Pr2VariantDurations)
	assert.InDelta(t, 9*2250+9*260, p.Duration(), 1e-9)
	require.Len(t, p.Windows(), 9)
	for i, w := range p.Windows() {
		assert.Equal(t, Pr2VariantDurations[i], w.Value)
		assert.Equal(t, -120.0, p.VoltageAt(w.Start+1))
		assert.InDelta(t, 1000, w.End-w.Start, 1e-9)
	}

	assert.Equal(t, "activation-kinetics-variant", ActivationKineticsFor(true).Name())
	assert.Equal(t, Pr2().Name(), ActivationKineticsFor(false).Name())

	v, err := ForCell(ActivationKinetics, true)
	require.NoError(t, err)
	assert.Equal(t, p.Name(), v.Name())
	v, err = ForCell(Deactivation, true)
	require.NoError(t, err)
	assert.Equal(t, Pr5().Name(), v.Name())
	_, err = ForCell(ActionPotential, false)
	assert.Error(t, err)

	assert.Equal(t, p.Name(), Traditional(true)[0].Name())
	assert.Equal(t, Pr2().Name(), Traditional(false)[0].Name())
}

func TestVoltageAt(t *testing.T) {
	p := Pr5()
	assert.Equal(t, -80.0, p.VoltageAt(0))
	assert.Equal(t, -80.0, p.VoltageAt(249.9))
	assert.Equal(t, 50.0, p.VoltageAt(250))
	assert.Equal(t, -120.0, p.VoltageAt(1250))
	assert.Equal(t, -80.0, p.VoltageAt(1e9))

	sine := Pr7()
	assert.Equal(t, -80.0, sine.VoltageAt(3000))
	assert.InDelta(t, SineWaveVoltage(1000), sine.VoltageAt(3500.1), 1e-12)
	assert.Equal(t, -120.0, sine.VoltageAt(6500.2))
	assert.Equal(t, -80.0, sine.VoltageAt(7500))
}

func TestBreakpoints(t *testing.T) {
	p := Pr7()
	bp := p.Breakpoints()
	assert.Contains(t, bp, 3000.1)
	assert.Contains(t, bp, 6500.1)
	assert.IsNonDecreasing(t, bp)
	assert.NotContains(t, bp, 0.0)
}

func TestCapacitanceFilter(t *testing.T) {
	p, err := NewSteps(1, "test", []Step{{-80, 10}, {20, 10}, {-80, 10}}, nil)
	require.NoError(t, err)

	times := p.Times(1)
	// 30 samples, 5 removed after each of the two step changes
	assert.Len(t, times, 20)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 15, 16, 17, 18, 19, 25, 26, 27, 28, 29}, times)

	raw := make([]float64, 30)
	current := make([]float64, 30)
	for i := range raw {
		raw[i] = float64(i)
		current[i] = float64(i) * 2
	}
	ft, fs := p.Filter(raw, current)
	require.Len(t, fs, 1)
	assert.Equal(t, times, ft)
	for i := range ft {
		assert.Equal(t, ft[i]*2, fs[0][i])
	}
}

func TestTimesAtDefaultInterval(t *testing.T) {
	p := Pr3()
	times := p.Times(SampleInterval)
	n := int(math.Round(p.Duration() / SampleInterval))
	removed := (len(p.StepStarts()) - 1) * int(CapacitanceDuration/SampleInterval)
	assert.Equal(t, n-removed, len(times))
	assert.IsIncreasing(t, times)
}

func TestSelect(t *testing.T) {
	times := []float64{0, 1, 2, 3, 4, 5, 6}
	signal := []float64{10, 11, 12, 13, 14, 15, 16}
	rt, rs := Select(Window{Start: 2, End: 5}, times, signal)
	assert.Equal(t, []float64{0, 1, 2}, rt)
	assert.Equal(t, []float64{12, 13, 14}, rs)
}

func TestDataClamp(t *testing.T) {
	_, err := NewDataClamp(6, "bad", []float64{0}, []float64{1})
	assert.Error(t, err)
	_, err = NewDataClamp(6, "bad", []float64{0, 0}, []float64{1, 2})
	assert.Error(t, err)

	p, err := Pr6([]float64{0, 10, 20}, []float64{-80, 20, -80})
	require.NoError(t, err)
	assert.True(t, p.IsDataClamp())
	assert.False(t, p.IsStepProtocol())
	assert.InDelta(t, 30, p.Duration(), 1e-12)
	assert.InDelta(t, -30, p.VoltageAt(5), 1e-12)
	assert.InDelta(t, 20, p.VoltageAt(10), 1e-12)
	assert.Equal(t, -80.0, p.VoltageAt(25))
	assert.Empty(t, p.Breakpoints())
	// No capacitance filtering on a data clamp
	assert.Len(t, p.Times(1), 30)
}

func TestActionPotentialTrain(t *testing.T) {
	times, voltages := ActionPotentialTrain(2000, SampleInterval)
	require.Len(t, voltages, len(times))
	assert.Len(t, times, 20000)

	minV, maxV := voltages[0], voltages[0]
	for _, v := range voltages {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	assert.InDelta(t, -85, minV, 1e-6)
	assert.InDelta(t, 30, maxV, 0.1)
}
