package simulation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ikrfit/internal/errors"
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

func shortProtocol(t *testing.T) *protocols.Protocol {
	t.Helper()
	p, err := protocols.NewSteps(1, "short", []protocols.Step{
		{Level: -80, Duration: 100},
		{Level: 40, Duration: 500},
		{Level: -120, Duration: 300},
		{Level: -80, Duration: 100},
	}, nil)
	require.NoError(t, err)
	return p
}

func TestHoldingIsSteadyState(t *testing.T) {
	p, err := protocols.NewSteps(1, "hold", []protocols.Step{{Level: -80, Duration: 1000}}, nil)
	require.NoError(t, err)

	g := model.GatesAt(reference, -80)
	want := model.Current(reference, g.AInf, g.RInf, -80, ek)

	for _, s := range []Simulator{mustAnalytical(t, p), NewClamp(p, ek)} {
		current, err := s.Simulate(context.Background(), reference, p.Times(1))
		require.NoError(t, err)
		for _, c := range current {
			assert.InDelta(t, want, c, 1e-12)
		}
	}
}

func TestClampMatchesAnalyticalOnSteps(t *testing.T) {
	p := shortProtocol(t)
	times := p.Times(protocols.SampleInterval)

	exact, err := mustAnalytical(t, p).Simulate(context.Background(), reference, times)
	require.NoError(t, err)
	approx, err := NewClamp(p, ek).Simulate(context.Background(), reference, times)
	require.NoError(t, err)

	require.Len(t, approx, len(exact))
	scale := 0.0
	for _, c := range exact {
		scale = math.Max(scale, math.Abs(c))
	}
	require.Greater(t, scale, 0.0)
	for i := range exact {
		assert.InDelta(t, exact[i], approx[i], 1e-9*scale, "t=%v", times[i])
	}
}

func TestAnalyticalRejectsSineWave(t *testing.T) {
	_, err := NewAnalytical(protocols.Pr7(), ek)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	s, err := New(protocols.Pr7(), ek)
	require.NoError(t, err)
	assert.IsType(t, &Clamp{}, s)

	s, err = New(protocols.Pr5(), ek)
	require.NoError(t, err)
	assert.IsType(t, &Analytical{}, s)
}

func TestSineWaveSimulation(t *testing.T) {
	p := protocols.Pr7()
	s := NewClamp(p, ek)
	s.SetTolerances(0.5)
	current, err := Run(context.Background(), s, time.Minute, reference, p.Times(protocols.SampleInterval))
	require.NoError(t, err)
	assert.NotEmpty(t, current)
	for _, c := range current {
		assert.False(t, math.IsNaN(c))
	}
}

func TestNotReset(t *testing.T) {
	p := shortProtocol(t)
	s := mustAnalytical(t, p)
	times := p.Times(1)

	first, err := s.Simulate(context.Background(), reference, times)
	require.NoError(t, err)

	_, err = s.Simulate(context.Background(), reference, times)
	assert.ErrorIs(t, err, ErrNotReset)

	s.Reset()
	second, err := s.Simulate(context.Background(), reference, times)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTimeout(t *testing.T) {
	p := shortProtocol(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	for _, s := range []Simulator{mustAnalytical(t, p), NewClamp(p, ek)} {
		_, err := s.Simulate(ctx, reference, p.Times(1))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, errors.KindSimulation, errors.KindOf(err))
	}
}

func TestInvalidInput(t *testing.T) {
	p := shortProtocol(t)

	_, err := mustAnalytical(t, p).Simulate(context.Background(), reference[:8], p.Times(1))
	assert.Error(t, err)

	_, err = mustAnalytical(t, p).Simulate(context.Background(), reference, []float64{2, 1})
	assert.Error(t, err)

	_, err = mustAnalytical(t, p).Simulate(context.Background(), reference, []float64{-1, 1})
	assert.Error(t, err)
}

func TestNonFinite(t *testing.T) {
	p := shortProtocol(t)
	bad := append([]float64(nil), reference...)
	bad[0], bad[1] = 1e300, 10

	_, err := mustAnalytical(t, p).Simulate(context.Background(), bad, p.Times(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestDataClampFollowsVoltage(t *testing.T) {
	// A data clamp sampled from a step protocol reproduces it away from
	// the steps.
	steps := shortProtocol(t)
	var times, voltages []float64
	for i := 0; i < 10000; i++ {
		tt := float64(i) * protocols.SampleInterval
		times = append(times, tt)
		voltages = append(voltages, steps.VoltageAt(tt))
	}
	clamp, err := protocols.Pr6(times, voltages)
	require.NoError(t, err)

	sample := []float64{50, 400, 700, 950}
	exact, err := mustAnalytical(t, steps).Simulate(context.Background(), reference, sample)
	require.NoError(t, err)
	approx, err := NewClamp(clamp, ek).Simulate(context.Background(), reference, sample)
	require.NoError(t, err)
	for i := range sample {
		assert.InEpsilon(t, exact[i], approx[i], 0.02, "t=%v", sample[i])
	}
}

func TestPool(t *testing.T) {
	p := shortProtocol(t)
	created := 0
	pool := NewPool(func() (Simulator, error) {
		created++
		return NewAnalytical(p, ek)
	})

	s, err := pool.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	_, err = Run(context.Background(), s, 0, reference, p.Times(1))
	require.NoError(t, err)
	pool.Put(s)

	// A pooled simulator is reset by Run before reuse
	s2, err := pool.Get()
	require.NoError(t, err)
	_, err = Run(context.Background(), s2, 0, reference, p.Times(1))
	assert.NoError(t, err)
}

func mustAnalytical(t *testing.T, p *protocols.Protocol) *Analytical {
	t.Helper()
	s, err := NewAnalytical(p, ek)
	require.NoError(t, err)
	return s
}

func BenchmarkAnalyticalPr5(b *testing.B) {
	p := protocols.Pr5()
	times := p.Times(protocols.SampleInterval)
	s, _ := NewAnalytical(p, ek)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Reset()
		_, _ = s.Simulate(context.Background(), reference, times)
	}
}
