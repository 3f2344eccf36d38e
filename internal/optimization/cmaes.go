package optimization

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const (
	// minSigma is the smallest initial standard deviation per coordinate.
	minSigma = 1e-3
	// minRestartSigma is the smallest restart standard deviation relative
	// to the magnitude of the coordinate.
	minRestartSigma = 1e-12
	// maxRestarts bounds the restarts after a stalled run.
	maxRestarts = 9
)

// CMAES is the global optimizer: covariance matrix adaptation evolution
// strategy with a Cholesky-factored covariance. Infeasible points score
// +Inf and are ranked last by the strategy.
type CMAES struct {
	runner

	// Population overrides the default population size
	// 4 + floor(3 ln n).
	Population int
}

// NewCMAES creates a CMA-ES optimizer.
func NewCMAES(logger *zap.Logger) *CMAES {
	o := &CMAES{}
	o.init("cmaes", logger)
	return o
}

// InitialCovariance returns the Cholesky factor of the initial sampling
// covariance around x0: independent coordinates with standard deviation
// |x0_i| / 6, but at least minSigma.
func InitialCovariance(x0 []float64) (*mat.Cholesky, error) {
	n := len(x0)
	cov := mat.NewSymDense(n, nil)
	for i, x := range x0 {
		s := math.Max(math.Abs(x)/6, minSigma)
		cov.SetSym(i, i, s*s)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, NewError("initial covariance is not positive definite").
			WithOperation("InitialCovariance").
			WithMethod("cmaes")
	}
	return &chol, nil
}

// restartCovariance returns the Cholesky factor of a diagonal covariance
// matching the spread of population around best, per coordinate. It never
// exceeds the initial covariance of best and stays positive definite.
func restartCovariance(best []float64, population [][]float64) (*mat.Cholesky, error) {
	n := len(best)
	cov := mat.NewSymDense(n, nil)
	for i, b := range best {
		sum := 0.0
		for _, x := range population {
			d := x[i] - b
			sum += d * d
		}
		s := math.Sqrt(sum / float64(max(len(population), 1)))
		s = math.Min(s, math.Max(math.Abs(b)/6, minSigma))
		s = math.Max(s, minRestartSigma*math.Max(math.Abs(b), 1))
		cov.SetSym(i, i, s*s)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, NewError("restart covariance is not positive definite").
			WithOperation("restartCovariance").
			WithMethod("cmaes")
	}
	return &chol, nil
}

// generation keeps the most recently evaluated points, one population's
// worth. Evaluations may run concurrently.
type generation struct {
	mu     sync.Mutex
	points [][]float64
	next   int
	full   bool
}

func newGeneration(size, dim int) *generation {
	g := &generation{points: make([][]float64, size)}
	for i := range g.points {
		g.points[i] = make([]float64, dim)
	}
	return g
}

func (g *generation) observe(x []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	copy(g.points[g.next], x)
	g.next++
	if g.next == len(g.points) {
		g.next = 0
		g.full = true
	}
}

func (g *generation) last() [][]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.full {
		return g.points
	}
	return g.points[:g.next]
}

// Optimize implements Optimizer. A run that stops because the best value
// stopped improving is restarted from the best point, with the sampling
// covariance shrunk to the spread of the last population, for as long as
// a restart improves on the best value by more than Threshold. Iteration
// and evaluation counts cover all runs.
func (o *CMAES) Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error) {
	if err := config.validate(); err != nil {
		return nil, err.WithMethod(o.name)
	}
	if config.Feasible != nil && !config.Feasible(config.Initial) {
		return nil, NewError("initial point is not feasible").
			WithOperation("Optimize").
			WithMethod(o.name)
	}

	chol, err := InitialCovariance(config.Initial)
	if err != nil {
		return nil, err
	}
	pop := o.Population
	if pop <= 0 {
		pop = 4 + int(3*math.Log(float64(len(config.Initial))))
	}
	rec := newRecorder(config.Log, o.logger)
	ctx, cancel := o.stoppable(ctx)
	defer cancel()

	var total *OptimizationResult
	run := config
	for restart := 0; ; restart++ {
		gen := newGeneration(pop, len(config.Initial))
		seed := config.RandomSeed + uint64(restart)
		method := &optimize.CmaEsChol{
			InitStepSize: 1,
			Population:   pop,
			InitCholesky: chol,
			Src:          rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
		}
		res, err := o.minimize(ctx, run, method, rec, gen.observe)
		if err != nil {
			if total == nil || ctx.Err() != nil {
				return nil, err
			}
			o.logger.Debug("Restart failed", zap.Int("restart", restart), zap.Error(err))
			return total, nil
		}

		improved := true
		if total == nil {
			total = res
		} else {
			improved = total.BestSolution.Value-res.BestSolution.Value > config.Threshold
			total.Iterations += res.Iterations
			total.Evaluations += res.Evaluations
			total.Runtime += res.Runtime
			total.Status = res.Status
			total.Converged = res.Converged
			if res.BestSolution.Value < total.BestSolution.Value {
				total.BestSolution = res.BestSolution
			}
		}

		switch {
		case !improved,
			res.Status != optimize.FunctionConvergence.String(),
			restart == maxRestarts,
			config.MaxIterations > 0 && total.Iterations >= config.MaxIterations:
			total.Restarts = restart
			return total, nil
		}

		best := total.BestSolution.Parameters
		if chol, err = restartCovariance(best, gen.last()); err != nil {
			total.Restarts = restart
			return total, nil
		}
		run.Initial = best
		if config.MaxIterations > 0 {
			run.MaxIterations = config.MaxIterations - total.Iterations
		}
		o.logger.Debug("Restarting",
			zap.Int("restart", restart+1),
			zap.Float64("best", total.BestSolution.Value),
			zap.Int("iterations", total.Iterations))
	}
}
