// Package optimization adapts gonum's optimisers to the fitting code: a
// global CMA-ES search restricted to a feasible region, and a local
// Nelder-Mead refinement.
package optimization

import (
	"context"
	"io"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process
	Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error)

	// Name identifies the algorithm in logs and stored results
	Name() string

	// Stop gracefully stops a running optimization
	Stop()
}

// Defaults for OptimizerConfig.
const (
	DefaultMaxUnchanged = 200
	DefaultThreshold    = 1e-11
)

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Objective function to minimise
	Objective ObjectiveFunction

	// Initial point
	Initial []float64

	// Feasible restricts the search; points outside score +Inf. Nil
	// means unconstrained.
	Feasible func([]float64) bool

	// Maximum number of iterations, zero runs until convergence
	MaxIterations int

	// Stop after this many iterations without a significant improvement
	MaxUnchanged int

	// Improvements smaller than Threshold are not significant
	Threshold float64

	// Evaluate populations in parallel; Objective must then be safe
	// for concurrent use
	Parallel bool

	// Random seed for reproducibility, zero picks one from the clock
	RandomSeed uint64

	// Log receives one CSV row per iteration if non-nil
	Log io.Writer
}

func (c *OptimizerConfig) validate() *Error {
	if c.Objective == nil {
		return NewError("no objective function").WithOperation("validate")
	}
	if len(c.Initial) == 0 {
		return NewError("no initial point").WithOperation("validate")
	}
	for i, x := range c.Initial {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return NewErrorf("initial point has non-finite coordinate %d", i).WithOperation("validate")
		}
	}
	if c.MaxUnchanged <= 0 {
		c.MaxUnchanged = DefaultMaxUnchanged
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.RandomSeed == 0 {
		c.RandomSeed = uint64(time.Now().UnixNano())
	}
	return nil
}

// ObjectiveFunction defines the function to be minimised
type ObjectiveFunction func([]float64) float64

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64
	Value      float64
}

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	BestSolution *Solution
	Iterations   int
	Evaluations  int
	Runtime      time.Duration
	Status       string
	Converged    bool
	// Restarts is the number of CMA-ES restarts after the first run.
	Restarts int
}

// finiteConverge is FunctionConverge that starts counting at the first
// finite value. FunctionConverge never registers an improvement over an
// infinite first value.
type finiteConverge struct {
	optimize.FunctionConverge
	started bool
}

func (c *finiteConverge) Init(dim int) {
	c.started = false
	c.FunctionConverge.Init(dim)
}

func (c *finiteConverge) Converged(loc *optimize.Location) optimize.Status {
	if !c.started {
		if math.IsInf(loc.F, 1) {
			return optimize.NotTerminated
		}
		c.started = true
	}
	return c.FunctionConverge.Converged(loc)
}

// runner holds what the CMA-ES and Nelder-Mead adapters share.
type runner struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (r *runner) init(name string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r.name = name
	r.logger = logger.Named(name)
}

// Name implements Optimizer.
func (r *runner) Name() string { return r.name }

// stoppable returns a context that Stop cancels.
func (r *runner) stoppable(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	return ctx, cancel
}

// Stop implements Optimizer.
func (r *runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// minimize runs one gonum minimisation. rec may be shared by consecutive
// runs; observe, if non-nil, sees every evaluated point.
func (r *runner) minimize(ctx context.Context, cfg OptimizerConfig, method optimize.Method, rec *recorder, observe func([]float64)) (*OptimizationResult, error) {
	if rec == nil {
		rec = newRecorder(cfg.Log, r.logger)
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if observe != nil {
				observe(x)
			}
			if cfg.Feasible != nil && !cfg.Feasible(x) {
				return math.Inf(1)
			}
			f := cfg.Objective(x)
			if math.IsNaN(f) {
				return math.Inf(1)
			}
			return f
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		MajorIterations: cfg.MaxIterations,
		Converger: &finiteConverge{FunctionConverge: optimize.FunctionConverge{
			Absolute:   cfg.Threshold,
			Iterations: cfg.MaxUnchanged,
		}},
		Recorder: rec,
	}
	if cfg.Parallel {
		settings.Concurrent = runtime.GOMAXPROCS(0)
	}

	r.logger.Debug("Starting optimization",
		zap.Int("dimensions", len(cfg.Initial)),
		zap.Int("max_iterations", cfg.MaxIterations),
		zap.Int("max_unchanged", cfg.MaxUnchanged),
		zap.Bool("parallel", cfg.Parallel))

	res, err := optimize.Minimize(problem, cfg.Initial, settings, method)
	if res != nil {
		rec.finish(res.Stats)
	}
	if err != nil {
		e := WrapErrorf(err, "minimization failed").WithOperation("Optimize").WithMethod(r.name)
		if res != nil {
			e.Evaluations = res.FuncEvaluations
		}
		return nil, e
	}
	if math.IsInf(res.F, 1) {
		e := NewError("no finite objective value found").WithOperation("Optimize").WithMethod(r.name)
		e.Evaluations = res.FuncEvaluations
		return nil, e
	}

	result := &OptimizationResult{
		BestSolution: &Solution{
			Parameters: append([]float64(nil), res.X...),
			Value:      res.F,
		},
		Iterations:  res.MajorIterations,
		Evaluations: res.FuncEvaluations,
		Runtime:     res.Runtime,
		Status:      res.Status.String(),
		Converged:   res.Status == optimize.FunctionConvergence || res.Status == optimize.MethodConverge,
	}
	r.logger.Debug("Optimization finished",
		zap.Float64("best", result.BestSolution.Value),
		zap.Int("iterations", result.Iterations),
		zap.Int("evaluations", result.Evaluations),
		zap.String("status", result.Status))
	return result, nil
}
