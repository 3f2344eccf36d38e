package optimization

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
)

// NelderMead is the local optimizer used to refine a point without
// restricting the search to a feasible region.
type NelderMead struct {
	runner

	// SimplexScale sizes the initial simplex relative to the largest
	// coordinate of the starting point. Zero means 0.05.
	SimplexScale float64
}

// NewNelderMead creates a Nelder-Mead optimizer.
func NewNelderMead(logger *zap.Logger) *NelderMead {
	o := &NelderMead{}
	o.init("nelder-mead", logger)
	return o
}

// Optimize implements Optimizer.
func (o *NelderMead) Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error) {
	if err := config.validate(); err != nil {
		return nil, err.WithMethod(o.name)
	}

	scale := o.SimplexScale
	if scale <= 0 {
		scale = 0.05
	}
	size := 0.0
	for _, x := range config.Initial {
		size = math.Max(size, scale*math.Abs(x))
	}
	if size == 0 {
		size = scale
	}

	method := &optimize.NelderMead{SimplexSize: size}
	ctx, cancel := o.stoppable(ctx)
	defer cancel()
	return o.minimize(ctx, config, method, nil, nil)
}
