package fitting

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// RunCells fits every cell in ids with cfg, at most jobs cells at a time.
// Reports are returned in the order of ids; a cell whose run failed before
// any repeat has a nil report. The error joins the failures of all cells.
func (f *Fitter) RunCells(ctx context.Context, cfg Config, ids []int, jobs int) ([]*Report, error) {
	if jobs < 1 {
		jobs = 1
	}
	reports := make([]*Report, len(ids))

	var (
		mu   sync.Mutex
		errs []error
	)
	p := pool.New().WithMaxGoroutines(jobs)
	for i, id := range ids {
		p.Go(func() {
			report, err := f.Fit(ctx, cfg, id)
			reports[i] = report
			if err != nil {
				f.logger.Error("Cell failed", zap.Int("cell", id), zap.String("method", cfg.Name()), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("cell %d: %w", id, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()

	return reports, stderrors.Join(errs...)
}
