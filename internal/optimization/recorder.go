package optimization

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
)

// logEvery is the number of iterations between progress log lines.
const logEvery = 20

// recorder writes one CSV row per major iteration and logs progress. The
// iteration that ends a run only reaches the recorder as PostIteration.
// A recorder may span several consecutive runs (CMA-ES restarts); counts
// and times continue from the previous run.
type recorder struct {
	csv    *csv.Writer
	logger *zap.Logger
	last   int
	header bool

	// Totals of the finished runs.
	iterations  int
	evaluations int
	runtime     time.Duration
}

func newRecorder(w io.Writer, logger *zap.Logger) *recorder {
	r := &recorder{logger: logger}
	if w != nil {
		r.csv = csv.NewWriter(w)
	}
	return r
}

// Init implements optimize.Recorder.
func (r *recorder) Init() error {
	if r.csv == nil || r.header {
		return nil
	}
	r.header = true
	if err := r.csv.Write([]string{"iteration", "evaluations", "time", "best"}); err != nil {
		return err
	}
	r.csv.Flush()
	return r.csv.Error()
}

// Record implements optimize.Recorder.
func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration && op != optimize.PostIteration {
		return nil
	}
	iteration := r.iterations + stats.MajorIterations
	evaluations := r.evaluations + stats.FuncEvaluations
	if op == optimize.MajorIteration && iteration%logEvery == 0 {
		r.logger.Debug("Iteration",
			zap.Int("iteration", iteration),
			zap.Int("evaluations", evaluations),
			zap.Float64("best", loc.F))
	}
	if r.csv == nil {
		return nil
	}
	if iteration > r.last {
		r.last = iteration
		row := []string{
			strconv.Itoa(iteration),
			strconv.Itoa(evaluations),
			strconv.FormatFloat((r.runtime + stats.Runtime).Seconds(), 'f', 3, 64),
			strconv.FormatFloat(loc.F, 'g', 17, 64),
		}
		if err := r.csv.Write(row); err != nil {
			return err
		}
	}
	r.csv.Flush()
	return r.csv.Error()
}

// finish adds the totals of a finished run.
func (r *recorder) finish(stats optimize.Stats) {
	r.iterations += stats.MajorIterations
	r.evaluations += stats.FuncEvaluations
	r.runtime += stats.Runtime
}
