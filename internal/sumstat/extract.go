// Package sumstat extracts summary statistics from the traditional
// protocols Pr2 to Pr5: time constants of activation and recovery,
// steady-state activation and recovery, and the IV curve. It also fits the
// model directly to those statistics.
package sumstat

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/protocols"
)

// Curve is a summary statistic as a function of voltage.
type Curve struct {
	Voltages []float64
	Values   []float64
}

// Statistics holds the five summary statistics of one cell.
type Statistics struct {
	// TA is the time constant of activation (Pr5 and Pr2).
	TA Curve
	// TR is the time constant of recovery (Pr5 and Pr4).
	TR Curve
	// AI is the steady state of activation (Pr3).
	AI Curve
	// RI is the steady state of recovery (Pr5, -90 mV excluded).
	RI Curve
	// IV is the peak current at each Pr5 test potential.
	IV Curve
}

// Traces are the capacitance-filtered recordings the statistics are
// extracted from. Variant marks a Pr2 recorded with the Pr2 variant.
type Traces struct {
	Pr2, Pr3, Pr4, Pr5 *data.Recording
	Variant            bool
}

// pr4FirstUsed is the index of the first Pr4 step (-30 mV) whose time
// constant is used; at lower potentials the decay is too small.
const pr4FirstUsed = 7

// pr5NearReversal is the index of the -90 mV step of Pr5, too close to the
// reversal potential for a reliable estimate.
const pr5NearReversal = 3

// Extract computes all summary statistics. ek is the reversal potential of
// the recorded cell.
func Extract(tr Traces, ek float64) (*Statistics, error) {
	if tr.Pr2 == nil || tr.Pr3 == nil || tr.Pr4 == nil || tr.Pr5 == nil {
		return nil, fmt.Errorf("extract: missing recording")
	}

	ta2, err := ActivationKinetics(tr.Pr2, tr.Variant)
	if err != nil {
		return nil, fmt.Errorf("Pr2: %w", err)
	}
	ai, err := SteadyActivation(tr.Pr3)
	if err != nil {
		return nil, fmt.Errorf("Pr3: %w", err)
	}
	tr4, err := Inactivation(tr.Pr4)
	if err != nil {
		return nil, fmt.Errorf("Pr4: %w", err)
	}
	d, err := Deactivation(tr.Pr5, ek)
	if err != nil {
		return nil, fmt.Errorf("Pr5: %w", err)
	}

	s := &Statistics{
		TA: Curve{
			Voltages: concat(d.TauActivation.Voltages, ta2.Voltages),
			Values:   concat(d.TauActivation.Values, ta2.Values),
		},
		TR: Curve{
			Voltages: concat(d.TauRecovery.Voltages, tr4.Voltages[pr4FirstUsed:]),
			Values:   concat(d.TauRecovery.Values, tr4.Values[pr4FirstUsed:]),
		},
		AI: ai,
		RI: d.Recovery,
		IV: d.IV,
	}
	return s, nil
}

func concat(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func windowed(rec *data.Recording, w protocols.Window) ([]float64, []float64, error) {
	t, c := protocols.Select(w, rec.Times, rec.Current)
	if len(c) == 0 {
		return nil, nil, fmt.Errorf("no samples in window [%g, %g)", w.Start, w.End)
	}
	return t, c, nil
}

// ActivationKinetics returns the time constant of activation at +40 mV,
// from the envelope of the Pr2 tail peaks against the duration of the
// activating step.
func ActivationKinetics(rec *data.Recording, variant bool) (Curve, error) {
	windows := protocols.ActivationKineticsFor(variant).Windows()
	durations := make([]float64, len(windows))
	envelope := make([]float64, len(windows))
	for k, w := range windows {
		_, c, err := windowed(rec, w)
		if err != nil {
			return Curve{}, err
		}
		imin := floats.MinIdx(c)
		x1 := max(0, imin-10)
		x2 := min(x1+20, len(c))
		envelope[k] = mean(c[x1:x2])
		durations[k] = w.Value
	}

	lowest := floats.Min(envelope)
	if lowest == 0 {
		return Curve{}, fmt.Errorf("flat tail currents")
	}
	floats.Scale(1/lowest, envelope)

	fit, err := FitExponential(durations, envelope, 1, 1e4)
	if err != nil {
		return Curve{}, err
	}
	return Curve{Voltages: []float64{40}, Values: []float64{fit.Tau}}, nil
}

// SteadyActivation returns the Pr3 tail peaks normalised to the largest of
// the last three.
func SteadyActivation(rec *data.Recording) (Curve, error) {
	windows := protocols.Pr3().Windows()
	peaks := make([]float64, len(windows))
	voltages := make([]float64, len(windows))
	for k, w := range windows {
		_, c, err := windowed(rec, w)
		if err != nil {
			return Curve{}, err
		}
		z := floats.MaxIdx(c)
		lo := max(z-5, 0)
		hi := min(lo+10, len(c))
		peaks[k] = mean(c[lo:hi])
		voltages[k] = w.Value
	}

	if len(peaks) < 3 {
		return Curve{}, fmt.Errorf("need at least 3 sweeps, got %d", len(peaks))
	}
	norm := floats.Max(peaks[len(peaks)-3:])
	if norm == 0 {
		return Curve{}, fmt.Errorf("zero tail peaks")
	}
	floats.Scale(1/norm, peaks)
	return Curve{Voltages: voltages, Values: peaks}, nil
}

// Inactivation returns a time constant of recovery for every Pr4 test
// potential, from a single exponential fit to the test step.
func Inactivation(rec *data.Recording) (Curve, error) {
	windows := protocols.Pr4().Windows()
	out := Curve{
		Voltages: make([]float64, len(windows)),
		Values:   make([]float64, len(windows)),
	}
	for k, w := range windows {
		t, c, err := windowed(rec, w)
		if err != nil {
			return Curve{}, err
		}
		fit, err := FitExponential(t, c, 0.1, 1e4)
		if err != nil {
			return Curve{}, fmt.Errorf("%g mV: %w", w.Value, err)
		}
		out.Voltages[k] = w.Value
		out.Values[k] = fit.Tau
	}
	return out, nil
}

// DeactivationStatistics are the statistics derived from Pr5.
type DeactivationStatistics struct {
	TauActivation Curve
	TauRecovery   Curve
	Recovery      Curve
	IV            Curve
}

// Deactivation extracts the Pr5 statistics: peak currents (IV curve), the
// normalised conductance (steady recovery) and, from a double exponential
// fit, the fast (recovery) and slow (deactivation) time constants. The
// -90 mV step is excluded from everything but the IV curve.
func Deactivation(rec *data.Recording, ek float64) (*DeactivationStatistics, error) {
	iv, err := PeakCurrents(rec)
	if err != nil {
		return nil, err
	}
	windows := protocols.Pr5().Windows()

	d := &DeactivationStatistics{IV: iv}
	var conductance []float64
	for k, w := range windows {
		if k == pr5NearReversal {
			continue
		}
		conductance = append(conductance, iv.Values[k]/(w.Value-ek))
		d.Recovery.Voltages = append(d.Recovery.Voltages, w.Value)

		t, c, err := windowed(rec, w)
		if err != nil {
			return nil, err
		}
		fit, err := FitDoubleExponential(t, c)
		if err != nil {
			return nil, fmt.Errorf("%g mV: %w", w.Value, err)
		}
		d.TauRecovery.Voltages = append(d.TauRecovery.Voltages, w.Value)
		d.TauRecovery.Values = append(d.TauRecovery.Values, fit.Tau1)
		d.TauActivation.Voltages = append(d.TauActivation.Voltages, w.Value)
		d.TauActivation.Values = append(d.TauActivation.Values, fit.Tau2)
	}

	norm := floats.Max(conductance[:3])
	if norm == 0 || math.IsNaN(norm) {
		return nil, fmt.Errorf("zero conductance")
	}
	floats.Scale(1/norm, conductance)
	d.Recovery.Values = conductance
	return d, nil
}

// PeakCurrents returns the current of largest magnitude in each Pr5 test
// step.
func PeakCurrents(rec *data.Recording) (Curve, error) {
	windows := protocols.Pr5().Windows()
	out := Curve{
		Voltages: make([]float64, len(windows)),
		Values:   make([]float64, len(windows)),
	}
	for k, w := range windows {
		_, c, err := windowed(rec, w)
		if err != nil {
			return Curve{}, err
		}
		peak := 0
		for i, x := range c {
			if math.Abs(x) > math.Abs(c[peak]) {
				peak = i
			}
		}
		out.Voltages[k] = w.Value
		out.Values[k] = c[peak]
	}
	return out, nil
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return floats.Sum(x) / float64(len(x))
}
