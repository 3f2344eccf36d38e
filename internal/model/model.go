// Package model implements the Hodgkin-Huxley formulation of the hERG (IKr)
// current used throughout the fits:
//
//	IKr = p9 * a * r * (V - EK)
//
// with an activation gate a driven by the rates k1 = p1 exp(p2 V) and
// k2 = p3 exp(-p4 V), and a recovery gate r driven by k3 = p5 exp(p6 V) and
// k4 = p7 exp(-p8 V). Time is in ms, voltage in mV.
package model

import (
	"math"
)

const (
	// NKinetic is the number of rate parameters p1..p8.
	NKinetic = 8
	// NParameters is the number of parameters including the conductance p9.
	NParameters = 9
	// HoldingPotential is the potential at which simulations start in
	// steady state.
	HoldingPotential = -80.0
)

// ParameterNames lists the parameter labels in vector order.
var ParameterNames = []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8", "p9"}

// Rates holds the four transition rates at one voltage.
type Rates struct {
	K1, K2, K3, K4 float64
}

// RatesAt evaluates the transition rates for parameters p at voltage v.
func RatesAt(p []float64, v float64) Rates {
	return Rates{
		K1: p[0] * math.Exp(p[1]*v),
		K2: p[2] * math.Exp(-p[3]*v),
		K3: p[4] * math.Exp(p[5]*v),
		K4: p[6] * math.Exp(-p[7]*v),
	}
}

// Gates holds the steady states and time constants of both gates at one
// voltage.
type Gates struct {
	AInf, TauA float64
	RInf, TauR float64
}

// GatesAt evaluates steady states and time constants at voltage v.
func GatesAt(p []float64, v float64) Gates {
	k := RatesAt(p, v)
	sa := k.K1 + k.K2
	sr := k.K3 + k.K4
	return Gates{
		AInf: k.K1 / sa,
		TauA: 1 / sa,
		RInf: k.K4 / sr,
		TauR: 1 / sr,
	}
}

// SteadyStateActivation returns a_inf at each voltage.
func SteadyStateActivation(voltages, p []float64) []float64 {
	out := make([]float64, len(voltages))
	for i, v := range voltages {
		k := RatesAt(p, v)
		out[i] = k.K1 / (k.K1 + k.K2)
	}
	return out
}

// SteadyStateRecovery returns r_inf at each voltage, written as the
// Boltzmann curve with midpoint ln(p7/p5)/(p6+p8) and slope -(p6+p8).
func SteadyStateRecovery(voltages, p []float64) []float64 {
	sr := -(p[5] + p[7])
	hr := math.Log(p[6]/p[4]) / (p[5] + p[7])
	out := make([]float64, len(voltages))
	for i, v := range voltages {
		out[i] = 1 / (1 + math.Exp(sr*(hr-v)))
	}
	return out
}

// TimeConstantOfActivation returns tau_a at each voltage.
func TimeConstantOfActivation(voltages, p []float64) []float64 {
	out := make([]float64, len(voltages))
	for i, v := range voltages {
		k := RatesAt(p, v)
		out[i] = 1 / (k.K1 + k.K2)
	}
	return out
}

// TimeConstantOfRecovery returns tau_r at each voltage.
func TimeConstantOfRecovery(voltages, p []float64) []float64 {
	out := make([]float64, len(voltages))
	for i, v := range voltages {
		k := RatesAt(p, v)
		out[i] = 1 / (k.K3 + k.K4)
	}
	return out
}

// Current returns IKr for gate values a, r at voltage v.
func Current(p []float64, a, r, v, ek float64) float64 {
	return p[8] * a * r * (v - ek)
}

// Nernst constants for the potassium reversal potential.
const (
	gasConstant      = 8314.0 // mJ/(K mol)
	faraday          = 96485.0
	kelvin           = 273.15
	potassiumInside  = 130.0 // mM
	potassiumOutside = 4.0   // mM
)

// ReversalPotential returns EK in mV at the given temperature in degrees
// Celsius.
func ReversalPotential(temperature float64) float64 {
	t := kelvin + temperature
	return (gasConstant * t / faraday) * math.Log(potassiumOutside/potassiumInside)
}
