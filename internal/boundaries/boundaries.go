// Package boundaries defines the feasible region of the parameter search:
// box limits on every parameter plus limits on the largest transition rate
// each rate pair can reach in the physiological voltage range.
package boundaries

import (
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

// Default limits.
const (
	LowerAlpha = 1e-7
	UpperAlpha = 1e3
	LowerBeta  = 1e-7
	UpperBeta  = 0.4

	// RateMin and RateMax bound the maximum transition rate (1/ms).
	RateMin = 1.67e-5
	RateMax = 1000

	// VoltageMin and VoltageMax are the potentials (mV) at which the
	// maximum rates are evaluated.
	VoltageMin = -120
	VoltageMax = 60

	// ConductanceFactor sets the upper conductance bound relative to the
	// lower one.
	ConductanceFactor = 10
)

// Rejection sampling gives up after this many draws per rate pair. The log
// strategies ('a', 'k', 'f') get LogSamplingAttempts, linear sampling ('n')
// accepts far fewer candidates and gets LinearSamplingAttempts.
const (
	LogSamplingAttempts    = 100
	LinearSamplingAttempts = 1000
)

// ErrTooManyIterations is returned by Sample when a rate pair could not be
// drawn within the attempt limit. It means the box is inconsistent with the
// rate limits.
var ErrTooManyIterations = stderrors.New("too many iterations")

// Config configures a Boundaries value.
type Config struct {
	// Search is the transformation of the points passed to Check and
	// returned by Sample.
	Search transform.Transformation
	// Sample selects the distribution new points are drawn from. It does
	// not have to match Search.
	Sample transform.Transformation
	// LowerConductance is the lower conductance bound. Zero gives an
	// 8-parameter boundary without conductance.
	LowerConductance float64
	// Rand is the random source for Sample. Nil uses a time-seeded source.
	Rand *rand.Rand
}

// Boundaries is the feasible region in search space. Check is safe for
// concurrent use; Sample is not.
type Boundaries struct {
	search transform.Transformation
	sample transform.Transformation
	rng    *rand.Rand

	conductance      bool
	LowerConductance float64
	UpperConductance float64

	LowerAlpha, UpperAlpha float64
	LowerBeta, UpperBeta   float64
	RateMin, RateMax       float64
	VoltageMin, VoltageMax float64

	lower, upper []float64
}

// New creates a Boundaries value with the default limits.
func New(cfg Config) (*Boundaries, error) {
	if _, err := transform.New(cfg.Search.Code()); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid search transformation")
	}
	if _, err := transform.New(cfg.Sample.Code()); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid sample transformation")
	}
	if cfg.LowerConductance < 0 || math.IsNaN(cfg.LowerConductance) {
		return nil, errors.Errorf(errors.KindConfig, "invalid lower conductance %v", cfg.LowerConductance)
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	b := &Boundaries{
		search:      cfg.Search,
		sample:      cfg.Sample,
		rng:         rng,
		conductance: cfg.LowerConductance > 0,
		LowerAlpha:  LowerAlpha,
		UpperAlpha:  UpperAlpha,
		LowerBeta:   LowerBeta,
		UpperBeta:   UpperBeta,
		RateMin:     RateMin,
		RateMax:     RateMax,
		VoltageMin:  VoltageMin,
		VoltageMax:  VoltageMax,
	}

	b.lower = []float64{
		b.LowerAlpha, b.LowerBeta, b.LowerAlpha, b.LowerBeta,
		b.LowerAlpha, b.LowerBeta, b.LowerAlpha, b.LowerBeta,
	}
	b.upper = []float64{
		b.UpperAlpha, b.UpperBeta, b.UpperAlpha, b.UpperBeta,
		b.UpperAlpha, b.UpperBeta, b.UpperAlpha, b.UpperBeta,
	}
	if b.conductance {
		b.LowerConductance = cfg.LowerConductance
		b.UpperConductance = ConductanceFactor * cfg.LowerConductance
		b.lower = append(b.lower, b.LowerConductance)
		b.upper = append(b.upper, b.UpperConductance)
	}

	return b, nil
}

// NParameters returns 9 with a conductance bound and 8 without.
func (b *Boundaries) NParameters() int {
	return len(b.lower)
}

// HasConductance reports whether the conductance is part of the region.
func (b *Boundaries) HasConductance() bool {
	return b.conductance
}

// Search returns the search transformation.
func (b *Boundaries) Search() transform.Transformation {
	return b.search
}

// Lower returns a copy of the model-space lower box bounds.
func (b *Boundaries) Lower() []float64 {
	return append([]float64(nil), b.lower...)
}

// Upper returns a copy of the model-space upper box bounds.
func (b *Boundaries) Upper() []float64 {
	return append([]float64(nil), b.upper...)
}

// Check reports whether the search-space point lies inside the region.
func (b *Boundaries) Check(transformed []float64) bool {
	if len(transformed) != len(b.lower) {
		return false
	}
	p := b.search.Detransform(transformed)

	for i, x := range p {
		if !(x >= b.lower[i] && x <= b.upper[i]) {
			return false
		}
	}

	// Positive rates peak at VoltageMax, negative ones at VoltageMin
	if !b.rateOK(p[0] * math.Exp(p[1]*b.VoltageMax)) {
		return false
	}
	if !b.rateOK(p[4] * math.Exp(p[5]*b.VoltageMax)) {
		return false
	}
	if !b.rateOK(p[2] * math.Exp(-p[3]*b.VoltageMin)) {
		return false
	}
	if !b.rateOK(p[6] * math.Exp(-p[7]*b.VoltageMin)) {
		return false
	}
	return true
}

func (b *Boundaries) rateOK(r float64) bool {
	return r >= b.RateMin && r <= b.RateMax
}

// Sample draws a point from the region and returns it in search space.
// It fails with ErrTooManyIterations (kind sampling) if a rate pair cannot
// be drawn.
func (b *Boundaries) Sample() ([]float64, error) {
	p := make([]float64, len(b.lower))

	var err error
	if p[0], p[1], err = b.samplePair(b.VoltageMax); err != nil {
		return nil, err
	}
	if p[4], p[5], err = b.samplePair(b.VoltageMax); err != nil {
		return nil, err
	}
	if p[2], p[3], err = b.samplePair(-b.VoltageMin); err != nil {
		return nil, err
	}
	if p[6], p[7], err = b.samplePair(-b.VoltageMin); err != nil {
		return nil, err
	}

	if b.conductance {
		p[8] = b.sampleConductance()
	}

	return b.search.Transform(p), nil
}

// samplePair draws (a, b) until a*exp(b*v) lies within the rate limits.
func (b *Boundaries) samplePair(v float64) (float64, float64, error) {
	code := b.sample.Code()
	attempts := LogSamplingAttempts
	if code == transform.Null {
		attempts = LinearSamplingAttempts
	}

	for i := 0; i < attempts; i++ {
		var x, y float64
		switch code {
		case transform.AOnly:
			x = b.logUniform(b.LowerAlpha, b.UpperAlpha)
			y = b.uniform(b.LowerBeta, b.UpperBeta)
		case transform.Null:
			x = b.uniform(b.LowerAlpha, b.UpperAlpha)
			y = b.uniform(b.LowerBeta, b.UpperBeta)
		default:
			x = b.logUniform(b.LowerAlpha, b.UpperAlpha)
			y = b.logUniform(b.LowerBeta, b.UpperBeta)
		}
		if b.rateOK(x * math.Exp(y*v)) {
			return x, y, nil
		}
	}

	return 0, 0, errors.Wrapf(ErrTooManyIterations, errors.KindSampling,
		"no rate pair within %d attempts (sample code %c)", attempts, code).
		WithOperation("Sample").
		WithComponent("boundaries")
}

func (b *Boundaries) sampleConductance() float64 {
	if b.sample.Code() == transform.Full {
		return b.logUniform(b.LowerConductance, b.UpperConductance)
	}
	return b.uniform(b.LowerConductance, b.UpperConductance)
}

func (b *Boundaries) uniform(lo, hi float64) float64 {
	return lo + b.rng.Float64()*(hi-lo)
}

func (b *Boundaries) logUniform(lo, hi float64) float64 {
	return math.Exp(b.uniform(math.Log(lo), math.Log(hi)))
}
