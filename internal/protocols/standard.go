package protocols

import (
	"fmt"
	"math"
)

// Protocol numbers.
const (
	ActivationKinetics = 2
	SteadyActivation   = 3
	Inactivation       = 4
	Deactivation       = 5
	ActionPotential    = 6
	SineWave           = 7
)

// Pr2Durations are the activating step durations of Pr2, in ms.
var Pr2Durations = []float64{3, 10, 30, 100, 300, 1000}

// Pr2VariantDurations are the activating step durations of the Pr2
// variant, in ms.
var Pr2VariantDurations = sweep(20, 500, 60)

// Pr3Voltages are the test potentials of Pr3.
var Pr3Voltages = sweep(-60, 60, 20)

// Pr4Voltages are the test potentials of Pr4.
var Pr4Voltages = sweep(-100, 50, 10)

// Pr5Voltages are the test potentials of Pr5.
var Pr5Voltages = sweep(-120, -40, 10)

func sweep(from, to, step float64) []float64 {
	var out []float64
	for v := from; v <= to+1e-9; v += step {
		out = append(out, v)
	}
	return out
}

// sweeps concatenates the steps of each sweep and records the window of the
// step at index win within it.
func sweeps(values []float64, win int, build func(x float64) []Step) ([]Step, []Window) {
	var (
		steps   []Step
		windows []Window
		t       float64
	)
	for _, x := range values {
		s := build(x)
		for i, step := range s {
			if i == win {
				windows = append(windows, Window{Start: t, End: t + step.Duration, Value: x})
			}
			t += step.Duration
		}
		steps = append(steps, s...)
	}
	return steps, windows
}

func mustSteps(id int, name string, steps []Step, windows []Window) *Protocol {
	p, err := NewSteps(id, name, steps, windows)
	if err != nil {
		panic(err)
	}
	return p
}

// Pr2 is the activation kinetics protocol: a +40 mV step of increasing
// duration followed by a -120 mV tail.
func Pr2() *Protocol {
	steps, windows := sweeps(Pr2Durations, 2, func(d float64) []Step {
		return []Step{
			{HoldingPotential, 250},
			{40, d},
			{-120, 500},
			{HoldingPotential, 1000},
		}
	})
	return mustSteps(ActivationKinetics, "activation-kinetics", steps, windows)
}

// Pr2Variant is the Pr2 used for some cells: nine activating steps of
// 20 to 500 ms and a 1000 ms tail.
func Pr2Variant() *Protocol {
	steps, windows := sweeps(Pr2VariantDurations, 2, func(d float64) []Step {
		return []Step{
			{HoldingPotential, 250},
			{40, d},
			{-120, 1000},
			{HoldingPotential, 1000},
		}
	})
	return mustSteps(ActivationKinetics, "activation-kinetics-variant", steps, windows)
}

// ActivationKineticsFor returns Pr2Variant if variant is set, Pr2
// otherwise.
func ActivationKineticsFor(variant bool) *Protocol {
	if variant {
		return Pr2Variant()
	}
	return Pr2()
}

// Pr3 is the steady-state activation protocol: long steps to the test
// potential followed by a -40 mV tail.
func Pr3() *Protocol {
	steps, windows := sweeps(Pr3Voltages, 2, func(v float64) []Step {
		return []Step{
			{HoldingPotential, 250},
			{v, 5000},
			{-40, 1000},
			{HoldingPotential, 500},
		}
	})
	return mustSteps(SteadyActivation, "steady-activation", steps, windows)
}

// Pr4 is the inactivation protocol: a +50 mV conditioning step, a brief
// -90 mV gap to recover, then the test potential.
func Pr4() *Protocol {
	steps, windows := sweeps(Pr4Voltages, 3, func(v float64) []Step {
		return []Step{
			{HoldingPotential, 250},
			{50, 600},
			{-90, 10},
			{v, 150},
			{HoldingPotential, 500},
		}
	})
	return mustSteps(Inactivation, "inactivation", steps, windows)
}

// Pr5 is the deactivation protocol: a +50 mV activating step followed by
// a long step to the test potential.
func Pr5() *Protocol {
	steps, windows := sweeps(Pr5Voltages, 2, func(v float64) []Step {
		return []Step{
			{HoldingPotential, 250},
			{50, 1000},
			{v, 6000},
			{HoldingPotential, 1000},
		}
	})
	return mustSteps(Deactivation, "deactivation", steps, windows)
}

// SineWaveVoltage is the sum of sines applied during Pr7, as a function of
// time since the sine offset.
func SineWaveVoltage(t float64) float64 {
	return -30 +
		54*math.Sin(0.007*t) +
		26*math.Sin(0.037*t) +
		10*math.Sin(0.190*t)
}

// Pr7 is the sine wave protocol: a short step sequence, the sum of sines
// and a closing step sequence.
func Pr7() *Protocol {
	steps := []Step{
		{HoldingPotential, 250},
		{-120, 50},
		{HoldingPotential, 200},
		{40, 1000},
		{-120, 500},
		{HoldingPotential, 1000},
		{HoldingPotential, 3500},
		{-120, 500},
		{HoldingPotential, 1000},
	}
	p := mustSteps(SineWave, "sine-wave", steps, nil)
	p.sine = &sineWave{
		start:  3000.1,
		end:    6500.1,
		offset: 2500.1,
		fn:     SineWaveVoltage,
	}
	return p
}

// Pr6 builds the action-potential protocol from a recorded voltage trace.
func Pr6(times, voltages []float64) (*Protocol, error) {
	return NewDataClamp(ActionPotential, "action-potential", times, voltages)
}

// Standard returns one of the protocols that need no recorded input.
func Standard(id int) (*Protocol, error) {
	switch id {
	case ActivationKinetics:
		return Pr2(), nil
	case SteadyActivation:
		return Pr3(), nil
	case Inactivation:
		return Pr4(), nil
	case Deactivation:
		return Pr5(), nil
	case SineWave:
		return Pr7(), nil
	case ActionPotential:
		return nil, fmt.Errorf("protocol %d is a data clamp and needs a voltage trace", id)
	default:
		return nil, fmt.Errorf("unknown protocol %d", id)
	}
}

// ForCell is Standard with the Pr2 variant substituted if variant is set.
func ForCell(id int, variant bool) (*Protocol, error) {
	if id == ActivationKinetics {
		return ActivationKineticsFor(variant), nil
	}
	return Standard(id)
}

// Traditional returns Pr2, Pr3, Pr4 and Pr5 in that order. variant selects
// the Pr2 variant.
func Traditional(variant bool) []*Protocol {
	return []*Protocol{ActivationKineticsFor(variant), Pr3(), Pr4(), Pr5()}
}

// ActionPotentialTrain generates a train of stylised ventricular action
// potentials, used as the Pr6 voltage when no recording is available.
// It returns samples every dt ms over duration ms, one beat per second.
func ActionPotentialTrain(duration, dt float64) ([]float64, []float64) {
	const (
		rest      = -85.0
		peak      = 30.0
		upstroke  = 2.0
		period    = 1000.0
		apd       = 280.0
		slope     = 30.0
		firstBeat = 50.0
	)
	n := int(math.Ceil(duration/dt - timeEpsilon))
	times := make([]float64, n)
	voltages := make([]float64, n)
	for i := range times {
		t := float64(i) * dt
		times[i] = t
		if t < firstBeat {
			voltages[i] = rest
			continue
		}
		phase := math.Mod(t-firstBeat, period)
		switch {
		case phase < upstroke:
			voltages[i] = rest + (peak-rest)*phase/upstroke
		default:
			plateau := 1 - 1/(1+math.Exp(-(phase-apd)/slope))
			voltages[i] = rest + (peak-rest)*plateau
		}
	}
	return times, voltages
}
