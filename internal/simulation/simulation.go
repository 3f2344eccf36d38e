// Package simulation provides forward simulators for the IKr model: given
// a parameter vector and sample times, they return the current a cell with
// those parameters would produce under a voltage-clamp protocol.
package simulation

import (
	"context"
	stderrors "errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/protocols"
)

var (
	// ErrNotReset is returned when a simulator is run twice without a
	// Reset in between.
	ErrNotReset = stderrors.New("simulator must be reset before it is run again")
	// ErrTimeout is returned when a simulation exceeds its deadline.
	ErrTimeout = stderrors.New("simulation timed out")
	// ErrNonFinite is returned when the simulated current contains NaN or
	// infinite values.
	ErrNonFinite = stderrors.New("simulation produced non-finite values")
	// ErrUnsupportedProtocol is returned when a simulator cannot handle the
	// given protocol.
	ErrUnsupportedProtocol = stderrors.New("protocol not supported by simulator")
)

// DefaultTimeout bounds a single simulation.
const DefaultTimeout = 60 * time.Second

// Simulator runs the model under a fixed protocol. A simulator is
// single-use: after Simulate it must be Reset before it can run again.
// Simulators are not safe for concurrent use.
type Simulator interface {
	// Simulate returns the current at each of the ascending sample times.
	Simulate(ctx context.Context, parameters, times []float64) ([]float64, error)
	// Reset makes the simulator ready for another run.
	Reset()
	// SetTolerances sets the integration tolerance. Exact simulators
	// ignore it.
	SetTolerances(tol float64)
}

// New returns the analytical simulator for step protocols and the clamp
// simulator for everything else.
func New(p *protocols.Protocol, ek float64) (Simulator, error) {
	if p.IsStepProtocol() {
		return NewAnalytical(p, ek)
	}
	return NewClamp(p, ek), nil
}

// Run resets s and simulates with the given timeout. A timeout of zero or
// less means DefaultTimeout.
func Run(ctx context.Context, s Simulator, timeout time.Duration, parameters, times []float64) ([]float64, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.Reset()
	return s.Simulate(ctx, parameters, times)
}

// run holds the checks shared by both simulators.
type run struct {
	protocol *protocols.Protocol
	ek       float64
	used     bool
}

func (r *run) begin(ctx context.Context, parameters, times []float64) error {
	if r.used {
		return errors.Wrap(ErrNotReset, errors.KindSimulation, "simulator reused").
			WithComponent("simulation")
	}
	r.used = true

	if len(parameters) != model.NParameters {
		return errors.Errorf(errors.KindSimulation, "expected %d parameters, got %d",
			model.NParameters, len(parameters)).WithComponent("simulation")
	}
	if len(times) > 0 && times[0] < 0 {
		return errors.New(errors.KindSimulation, "sample times must be non-negative").
			WithComponent("simulation")
	}
	if !sort.Float64sAreSorted(times) {
		return errors.New(errors.KindSimulation, "sample times must be ascending").
			WithComponent("simulation")
	}
	return checkContext(ctx)
}

// Reset implements Simulator.
func (r *run) Reset() {
	r.used = false
}

func checkContext(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(ErrTimeout, errors.KindSimulation, "deadline exceeded").
			WithComponent("simulation")
	default:
		return errors.Wrap(err, errors.KindSimulation, "simulation cancelled").
			WithComponent("simulation")
	}
}

func checkFinite(current []float64) error {
	for i, c := range current {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return errors.Wrapf(ErrNonFinite, errors.KindSimulation, "sample %d", i).
				WithComponent("simulation")
		}
	}
	return nil
}

// relax advances a gate towards its steady state over dt.
func relax(x, inf, tau, dt float64) float64 {
	return inf + (x-inf)*math.Exp(-dt/tau)
}

// Pool reuses simulators for one protocol across goroutines.
type Pool struct {
	pool sync.Pool
	new  func() (Simulator, error)
}

// NewPool creates a pool that builds simulators with fn.
func NewPool(fn func() (Simulator, error)) *Pool {
	return &Pool{new: fn}
}

// Get returns a simulator from the pool, creating one if needed.
func (p *Pool) Get() (Simulator, error) {
	if s, ok := p.pool.Get().(Simulator); ok {
		return s, nil
	}
	return p.new()
}

// Put returns s to the pool.
func (p *Pool) Put(s Simulator) {
	p.pool.Put(s)
}
