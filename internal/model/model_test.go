package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestSteadyStatesAreBounded(t *testing.T) {
	voltages := []float64{-120, -80, -40, 0, 40}
	for _, ss := range [][]float64{
		SteadyStateActivation(voltages, reference),
		SteadyStateRecovery(voltages, reference),
	} {
		require.Len(t, ss, len(voltages))
		for _, x := range ss {
			assert.True(t, x > 0 && x < 1, "steady state %v out of (0,1)", x)
		}
	}
}

func TestRecoveryBoltzmannMatchesRates(t *testing.T) {
	voltages := []float64{-120, -90, -60, -30, 0, 30}
	got := SteadyStateRecovery(voltages, reference)
	for i, v := range voltages {
		g := GatesAt(reference, v)
		assert.InDelta(t, g.RInf, got[i], 1e-12, "v=%v", v)
	}
}

func TestTimeConstants(t *testing.T) {
	v := []float64{0}
	ta := TimeConstantOfActivation(v, reference)
	tr := TimeConstantOfRecovery(v, reference)
	assert.InDelta(t, 1/(reference[0]+reference[2]), ta[0], 1e-9)
	assert.InDelta(t, 1/(reference[4]+reference[6]), tr[0], 1e-12)
}

func TestActivationIncreasesWithVoltage(t *testing.T) {
	voltages := []float64{-100, -60, -20, 20, 60}
	ss := SteadyStateActivation(voltages, reference)
	for i := 1; i < len(ss); i++ {
		assert.Greater(t, ss[i], ss[i-1])
	}
}

func TestReversalPotential(t *testing.T) {
	ek := ReversalPotential(21.4)
	// (R T / F) ln(4/130) at 294.55 K
	want := 8314.0 * 294.55 / 96485.0 * math.Log(4.0/130.0)
	assert.InDelta(t, want, ek, 1e-12)
	assert.InDelta(t, -88.4, ek, 0.5)
}

func TestCurrent(t *testing.T) {
	assert.InDelta(t, reference[8]*0.5*0.5*(0+88), Current(reference, 0.5, 0.5, 0, -88), 1e-12)
}
