package sumstat

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// maxFitPoints caps the number of samples used in a curve fit; longer
// traces are strided.
const maxFitPoints = 2000

// Exponential is the curve a + b exp(-t / tau).
type Exponential struct {
	A, B, Tau float64
}

// At evaluates the curve.
func (e Exponential) At(t float64) float64 {
	return e.A + e.B*math.Exp(-t/e.Tau)
}

// DoubleExponential is the curve a + b1 exp(-t / tau1) + b2 exp(-t / tau2)
// with a fast (Tau1) and a slow (Tau2) component.
type DoubleExponential struct {
	A        float64
	B1, Tau1 float64
	B2, Tau2 float64
}

// At evaluates the curve.
func (d DoubleExponential) At(t float64) float64 {
	return d.A + d.B1*math.Exp(-t/d.Tau1) + d.B2*math.Exp(-t/d.Tau2)
}

// thin reduces t and y to about maxFitPoints samples. The first quarter
// of the budget keeps the start of the trace at full resolution, where the
// fast components live; the rest is strided.
func thin(t, y []float64) ([]float64, []float64) {
	if len(t) <= maxFitPoints {
		return t, y
	}
	head := maxFitPoints / 4
	stride := (len(t) - head + maxFitPoints - head - 1) / (maxFitPoints - head)
	tt := append(make([]float64, 0, maxFitPoints), t[:head]...)
	yy := append(make([]float64, 0, maxFitPoints), y[:head]...)
	for i := head; i < len(t); i += stride {
		tt = append(tt, t[i])
		yy = append(yy, y[i])
	}
	return tt, yy
}

// linearFit solves the least-squares problem y ~ sum_j beta_j columns[j]
// through the normal equations. It returns an infinite sum of squares if
// the columns are (numerically) dependent.
func linearFit(columns [][]float64, y []float64) ([]float64, float64) {
	k := len(columns)
	gram := mat.NewSymDense(k, nil)
	rhs := mat.NewVecDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			var s float64
			for n := range y {
				s += columns[i][n] * columns[j][n]
			}
			gram.SetSym(i, j, s)
		}
		var s float64
		for n, v := range y {
			s += columns[i][n] * v
		}
		rhs.SetVec(i, s)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, math.Inf(1)
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, rhs); err != nil {
		return nil, math.Inf(1)
	}

	out := make([]float64, k)
	for i := range out {
		out[i] = beta.AtVec(i)
	}

	var sse float64
	for n, v := range y {
		r := v
		for i := range out {
			r -= out[i] * columns[i][n]
		}
		sse += r * r
	}
	if math.IsNaN(sse) {
		return nil, math.Inf(1)
	}
	return out, sse
}

func decay(t []float64, tau float64) []float64 {
	out := make([]float64, len(t))
	for i, x := range t {
		out[i] = math.Exp(-x / tau)
	}
	return out
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// logspace returns n points spaced evenly in log between lo and hi.
func logspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	a, b := math.Log(lo), math.Log(hi)
	for i := range out {
		out[i] = math.Exp(a + (b-a)*float64(i)/float64(n-1))
	}
	return out
}

func minimize(f func([]float64) float64, x0 []float64, simplex float64) (*optimize.Result, error) {
	problem := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		MajorIterations: 2000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-12,
			Iterations: 100,
		},
	}
	method := &optimize.NelderMead{SimplexSize: simplex}
	return optimize.Minimize(problem, x0, settings, method)
}

// FitExponential fits a + b exp(-t / tau) with tau in [tauMin, tauMax].
// The linear coefficients are solved exactly for every trial tau; tau is
// located on a log grid and refined with Nelder-Mead.
func FitExponential(t, y []float64, tauMin, tauMax float64) (Exponential, error) {
	if len(t) != len(y) || len(t) < 3 {
		return Exponential{}, fmt.Errorf("exponential fit needs at least 3 points, got %d", len(t))
	}
	t, y = thin(t, y)
	constant := ones(len(t))

	sse := func(tau float64) ([]float64, float64) {
		return linearFit([][]float64{constant, decay(t, tau)}, y)
	}

	best, bestSSE := math.NaN(), math.Inf(1)
	for _, tau := range logspace(tauMin, tauMax, 60) {
		if _, s := sse(tau); s < bestSSE {
			best, bestSSE = tau, s
		}
	}
	if math.IsInf(bestSSE, 1) {
		return Exponential{}, fmt.Errorf("exponential fit: no finite solution")
	}

	lo, hi := math.Log(tauMin), math.Log(tauMax)
	result, err := minimize(func(x []float64) float64 {
		if x[0] < lo || x[0] > hi {
			return math.Inf(1)
		}
		_, s := sse(math.Exp(x[0]))
		return s
	}, []float64{math.Log(best)}, 0.05)
	if err == nil && result.F < bestSSE {
		best = math.Exp(result.X[0])
	}

	beta, s := sse(best)
	if math.IsInf(s, 1) {
		return Exponential{}, fmt.Errorf("exponential fit: singular at tau=%g", best)
	}
	return Exponential{A: beta[0], B: beta[1], Tau: best}, nil
}

// FitDoubleExponential fits a + b1 exp(-t / tau1) + b2 exp(-t / tau2)
// subject to tau1 >= 1, tau2 > tau1 and b1 * b2 <= 0: a fast and a slow
// component of opposite sign.
func FitDoubleExponential(t, y []float64) (DoubleExponential, error) {
	if len(t) != len(y) || len(t) < 5 {
		return DoubleExponential{}, fmt.Errorf("double exponential fit needs at least 5 points, got %d", len(t))
	}
	t, y = thin(t, y)
	constant := ones(len(t))

	const tauMin, tauMax = 1.0, 1e5
	fit := func(tau1, tau2 float64) ([]float64, float64) {
		if tau1 < tauMin || tau2 <= tau1 || tau2 > tauMax {
			return nil, math.Inf(1)
		}
		beta, s := linearFit([][]float64{constant, decay(t, tau1), decay(t, tau2)}, y)
		if beta == nil || beta[1]*beta[2] > 0 {
			return nil, math.Inf(1)
		}
		return beta, s
	}

	best := []float64{math.NaN(), math.NaN()}
	bestSSE := math.Inf(1)
	for _, tau1 := range logspace(tauMin, 1e3, 16) {
		for _, tau2 := range logspace(2, tauMax, 24) {
			if _, s := fit(tau1, tau2); s < bestSSE {
				best[0], best[1], bestSSE = tau1, tau2, s
			}
		}
	}
	if math.IsInf(bestSSE, 1) {
		return DoubleExponential{}, fmt.Errorf("double exponential fit: no feasible solution")
	}

	result, err := minimize(func(x []float64) float64 {
		_, s := fit(math.Exp(x[0]), math.Exp(x[1]))
		return s
	}, []float64{math.Log(best[0]), math.Log(best[1])}, 0.1)
	if err == nil && result.F < bestSSE {
		best[0], best[1] = math.Exp(result.X[0]), math.Exp(result.X[1])
	}

	beta, s := fit(best[0], best[1])
	if math.IsInf(s, 1) {
		return DoubleExponential{}, fmt.Errorf("double exponential fit: infeasible optimum")
	}
	return DoubleExponential{
		A:  beta[0],
		B1: beta[1], Tau1: best[0],
		B2: beta[2], Tau2: best[1],
	}, nil
}

// Boltzmann is the curve 1 / (1 + exp(s (h - v))).
type Boltzmann struct {
	Midpoint, Slope float64
}

// At evaluates the curve.
func (b Boltzmann) At(v float64) float64 {
	return 1 / (1 + math.Exp(b.Slope*(b.Midpoint-v)))
}

// FitBoltzmann fits a Boltzmann curve starting from guess.
func FitBoltzmann(v, y []float64, guess Boltzmann) (Boltzmann, error) {
	if len(v) != len(y) || len(v) < 2 {
		return Boltzmann{}, fmt.Errorf("boltzmann fit needs at least 2 points, got %d", len(v))
	}
	sse := func(x []float64) float64 {
		b := Boltzmann{Midpoint: x[0], Slope: x[1]}
		var s float64
		for i := range v {
			r := y[i] - b.At(v[i])
			s += r * r
		}
		if math.IsNaN(s) {
			return math.Inf(1)
		}
		return s
	}
	x0 := []float64{guess.Midpoint, guess.Slope}
	result, err := minimize(sse, x0, 0.2)
	if err != nil {
		return Boltzmann{}, fmt.Errorf("boltzmann fit: %w", err)
	}
	// A second pass from the first optimum tightens the fit.
	if again, err := minimize(sse, result.X, 0.05); err == nil && again.F <= result.F {
		result = again
	}
	return Boltzmann{Midpoint: result.X[0], Slope: result.X[1]}, nil
}
