// Package protocols describes the voltage-clamp protocols used to record and
// simulate IKr: four traditional step protocols (Pr2 to Pr5), the sine wave
// protocol (Pr7) and a data clamp for action-potential waveforms (Pr6).
// Time is in ms, voltage in mV.
package protocols

import (
	"fmt"
	"math"
	"sort"
)

const (
	// SampleInterval is the default sampling interval of recordings.
	SampleInterval = 0.1
	// CapacitanceDuration is the time removed after every step change.
	CapacitanceDuration = 5.0
	// HoldingPotential is the level between sweeps.
	HoldingPotential = -80.0

	// timeEpsilon absorbs rounding in sample times built as k*dt.
	timeEpsilon = 1e-6
)

// Step is a constant-voltage segment.
type Step struct {
	Level    float64
	Duration float64
}

// Window is the part of a recording analysed for one sweep. Value is the
// sweep variable: the test potential for most protocols, the duration of
// the activating step for Pr2.
type Window struct {
	Start float64
	End   float64
	Value float64
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t float64) bool {
	return t >= w.Start-timeEpsilon && t < w.End-timeEpsilon
}

// sineWave overlays a voltage function on the steps in [start, end).
type sineWave struct {
	start, end float64
	offset     float64
	fn         func(t float64) float64
}

// Protocol is an immutable voltage-clamp protocol.
type Protocol struct {
	id       int
	name     string
	steps    []Step
	starts   []float64
	duration float64
	windows  []Window
	sine     *sineWave

	// data clamp
	clampTimes    []float64
	clampVoltages []float64
}

// NewSteps builds a step protocol. Windows may be nil.
func NewSteps(id int, name string, steps []Step, windows []Window) (*Protocol, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("protocol %s has no steps", name)
	}
	p := &Protocol{
		id:      id,
		name:    name,
		steps:   append([]Step(nil), steps...),
		starts:  make([]float64, len(steps)),
		windows: append([]Window(nil), windows...),
	}
	t := 0.0
	for i, s := range steps {
		if !(s.Duration > 0) {
			return nil, fmt.Errorf("protocol %s: step %d has non-positive duration", name, i)
		}
		p.starts[i] = t
		t += s.Duration
	}
	p.duration = t
	return p, nil
}

// NewDataClamp builds a protocol that follows the given voltage samples,
// interpolating linearly between them.
func NewDataClamp(id int, name string, times, voltages []float64) (*Protocol, error) {
	if len(times) < 2 || len(times) != len(voltages) {
		return nil, fmt.Errorf("data clamp %s needs at least two (time, voltage) pairs of equal length", name)
	}
	for i := 1; i < len(times); i++ {
		if !(times[i] > times[i-1]) {
			return nil, fmt.Errorf("data clamp %s: times must be strictly increasing", name)
		}
	}
	// The clamp is extended by one interval so sample times in the last
	// interval stay inside the protocol.
	last := len(times) - 1
	return &Protocol{
		id:            id,
		name:          name,
		steps:         []Step{{Level: voltages[0], Duration: times[last] - times[0]}},
		starts:        []float64{times[0]},
		duration:      times[last] + (times[last] - times[last-1]),
		clampTimes:    append([]float64(nil), times...),
		clampVoltages: append([]float64(nil), voltages...),
	}, nil
}

// ID returns the protocol number.
func (p *Protocol) ID() int { return p.id }

// Name returns a short descriptive name.
func (p *Protocol) Name() string { return p.name }

// Duration returns the characteristic time of the protocol.
func (p *Protocol) Duration() float64 { return p.duration }

// Steps returns a copy of the protocol steps.
func (p *Protocol) Steps() []Step { return append([]Step(nil), p.steps...) }

// StepStarts returns a copy of the start time of every step.
func (p *Protocol) StepStarts() []float64 { return append([]float64(nil), p.starts...) }

// Windows returns a copy of the analysis windows.
func (p *Protocol) Windows() []Window { return append([]Window(nil), p.windows...) }

// IsStepProtocol reports whether the voltage is piecewise constant, which
// is what the analytical simulator needs.
func (p *Protocol) IsStepProtocol() bool {
	return p.sine == nil && p.clampTimes == nil
}

// IsDataClamp reports whether the protocol follows recorded voltages.
func (p *Protocol) IsDataClamp() bool { return p.clampTimes != nil }

// VoltageAt returns the clamp voltage at time t.
func (p *Protocol) VoltageAt(t float64) float64 {
	if p.clampTimes != nil {
		return p.interpolate(t)
	}
	if p.sine != nil && t >= p.sine.start && t < p.sine.end {
		return p.sine.fn(t - p.sine.offset)
	}
	return p.steps[p.stepIndex(t)].Level
}

// StepAt returns the index of the step active at time t. Times before zero
// map to the first step, times after the end to the last.
func (p *Protocol) StepAt(t float64) int {
	return p.stepIndex(t)
}

func (p *Protocol) stepIndex(t float64) int {
	// first start > t, minus one
	i := sort.Search(len(p.starts), func(i int) bool { return p.starts[i] > t })
	if i == 0 {
		return 0
	}
	return i - 1
}

func (p *Protocol) interpolate(t float64) float64 {
	ts, vs := p.clampTimes, p.clampVoltages
	if t <= ts[0] {
		return vs[0]
	}
	last := len(ts) - 1
	if t >= ts[last] {
		return vs[last]
	}
	i := sort.SearchFloat64s(ts, t)
	if ts[i] == t {
		return vs[i]
	}
	f := (t - ts[i-1]) / (ts[i] - ts[i-1])
	return vs[i-1] + f*(vs[i]-vs[i-1])
}

// Breakpoints returns the times at which the voltage is discontinuous,
// in ascending order.
func (p *Protocol) Breakpoints() []float64 {
	if p.clampTimes != nil {
		return nil
	}
	out := append([]float64(nil), p.starts[1:]...)
	if p.sine != nil {
		out = append(out, p.sine.start, p.sine.end)
		sort.Float64s(out)
	}
	return out
}

// Times returns the sample times 0, dt, 2dt, ... up to the protocol
// duration, with the capacitance artefacts filtered out.
func (p *Protocol) Times(dt float64) []float64 {
	n := int(math.Ceil(p.duration/dt - timeEpsilon))
	times := make([]float64, n)
	for i := range times {
		times[i] = float64(i) * dt
	}
	out, _ := p.Filter(times)
	return out
}

// Filter removes the samples recorded within CapacitanceDuration of every
// step change except the first. The same selection is applied to every
// signal, which must have the length of times.
func (p *Protocol) Filter(times []float64, signals ...[]float64) ([]float64, [][]float64) {
	keep := p.mask(times)

	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}

	outTimes := make([]float64, 0, n)
	outSignals := make([][]float64, len(signals))
	for j := range signals {
		outSignals[j] = make([]float64, 0, n)
	}
	for i, k := range keep {
		if !k {
			continue
		}
		outTimes = append(outTimes, times[i])
		for j, s := range signals {
			outSignals[j] = append(outSignals[j], s[i])
		}
	}
	return outTimes, outSignals
}

func (p *Protocol) mask(times []float64) []bool {
	keep := make([]bool, len(times))
	for i := range keep {
		keep[i] = true
	}
	if p.clampTimes != nil {
		return keep
	}
	for _, s := range p.starts[1:] {
		lo := sort.SearchFloat64s(times, s-timeEpsilon)
		for i := lo; i < len(times) && times[i] < s+CapacitanceDuration-timeEpsilon; i++ {
			keep[i] = false
		}
	}
	return keep
}

// Select returns the samples of signal whose time lies in w, together with
// their times relative to w.Start.
func Select(w Window, times, signal []float64) ([]float64, []float64) {
	lo := sort.Search(len(times), func(i int) bool { return times[i] >= w.Start-timeEpsilon })
	hi := sort.Search(len(times), func(i int) bool { return times[i] >= w.End-timeEpsilon })
	t := make([]float64, hi-lo)
	for i := range t {
		t[i] = times[lo+i] - w.Start
	}
	return t, signal[lo:hi]
}
