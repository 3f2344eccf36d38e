// Package fitting runs the parameter estimation methods: it loads a cell's
// recordings, builds the method's error measure and feasible region, and
// runs repeated optimisations from independent starting points, storing
// every result.
package fitting

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/ikrfit/internal/boundaries"
	"github.com/copyleftdev/ikrfit/internal/cells"
	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/errormeasure"
	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/metrics"
	"github.com/copyleftdev/ikrfit/internal/model"
	"github.com/copyleftdev/ikrfit/internal/optimization"
	"github.com/copyleftdev/ikrfit/internal/protocols"
	"github.com/copyleftdev/ikrfit/internal/results"
	"github.com/copyleftdev/ikrfit/internal/sumstat"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

// maxStartAttempts bounds the number of sampled starting points discarded
// for a non-finite score before a repeat gives up.
const maxStartAttempts = 1000

// Options configures a Fitter.
type Options struct {
	Store   results.Store
	Cells   *cells.Table
	DataDir string
	Logger  *zap.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Fitter runs fitting methods against a result store.
type Fitter struct {
	store   results.Store
	cells   *cells.Table
	dataDir string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Fitter.
func New(opts Options) (*Fitter, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.KindConfig, "no result store")
	}
	if opts.Cells == nil {
		opts.Cells = cells.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Fitter{
		store:   opts.Store,
		cells:   opts.Cells,
		dataDir: opts.DataDir,
		logger:  opts.Logger.Named("fitting"),
		metrics: opts.Metrics,
	}, nil
}

// Report describes the repeats of one run on one cell.
type Report struct {
	Config string
	Cell   int
	// Records holds the results saved by this run, best first.
	Records  []results.Record
	Failures int
	Scores   Scores
}

// Best returns the adopted solution, the lowest-scoring record.
func (r *Report) Best() (results.Record, bool) {
	if len(r.Records) == 0 {
		return results.Record{}, false
	}
	return r.Records[0], true
}

// run is the state shared by the repeats of one Fit call.
type run struct {
	cfg    Config
	name   string
	cell   cells.Cell
	search transform.Transformation
	sample transform.Transformation
	bounds *boundaries.Boundaries

	objective func([]float64) float64
	// conductance is the fixed conductance, zero when it is searched.
	conductance float64
	// prior is the model-space starting point, nil when sampling.
	prior []float64

	logger *zap.Logger
}

// Fit runs cfg on one cell. A repeat that fails is logged and skipped; a
// sampling failure or cancellation ends the run with an error. The report
// covers the repeats finished before that.
func (f *Fitter) Fit(ctx context.Context, cfg Config, cellID int) (*Report, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cell, err := f.cells.Get(cellID)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "select cell")
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = protocols.SampleInterval
	}
	if cfg.Method.Direct {
		return f.direct(ctx, cfg, cell)
	}

	r, err := f.prepare(ctx, cfg, cell)
	if err != nil {
		return nil, err
	}
	n := cfg.repeats()
	report := &Report{Config: r.name, Cell: cell.ID}

	r.logger.Info("Fitting",
		zap.String("search", r.search.Name()),
		zap.String("sample", r.sample.Name()),
		zap.Int("repeats", n),
		zap.Int("cap", cfg.Cap),
		zap.Bool("local", cfg.Local))

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			f.finish(report, r.logger)
			return report, err
		}
		if cfg.Cap > 0 {
			taken, err := f.store.Count(ctx, r.name, cell.ID, false)
			if err != nil {
				f.finish(report, r.logger)
				return report, err
			}
			if taken >= cfg.Cap {
				r.logger.Info("Cap reached", zap.Int("taken", taken), zap.Int("cap", cfg.Cap))
				break
			}
		}

		var rec results.Record
		start := time.Now()
		err := errors.Recover(errors.KindOptimizer, "repeat", func() error {
			var err error
			rec, err = f.repeat(ctx, r, i, n)
			return err
		})
		if err != nil {
			if errors.IsKind(err, errors.KindSampling) {
				f.finish(report, r.logger)
				return report, err
			}
			if ctx.Err() != nil {
				f.finish(report, r.logger)
				return report, ctx.Err()
			}
			report.Failures++
			f.metrics.ObserveRepeat(r.name, metrics.OutcomeFailed, time.Since(start))
			fields := []zap.Field{zap.Int("repeat", i+1), zap.Int("repeats", n), zap.Error(err)}
			if oe, ok := optimization.AsError(err); ok {
				fields = append(fields, zap.Int("evaluations", oe.Evaluations))
			}
			r.logger.Warn("Repeat failed", fields...)
			continue
		}
		report.Records = append(report.Records, rec)
		f.metrics.ObserveRepeat(r.name, metrics.OutcomeSaved, rec.Time)
	}

	f.finish(report, r.logger)
	return report, nil
}

// finish ranks the records, summarises the scores and logs them.
func (f *Fitter) finish(report *Report, logger *zap.Logger) {
	sort.SliceStable(report.Records, func(i, j int) bool {
		return report.Records[i].Score < report.Records[j].Score
	})
	scores := make([]float64, len(report.Records))
	for i, rec := range report.Records {
		scores[i] = rec.Score
	}
	report.Scores = Summarize(scores)
	if report.Scores.N == 0 {
		logger.Warn("No results", zap.Int("failures", report.Failures))
		return
	}
	f.metrics.ObserveBest(report.Config, report.Cell, report.Scores.Best)
	logger.Info("Finished",
		zap.Int("results", report.Scores.N),
		zap.Int("failures", report.Failures),
		zap.Float64("best", report.Scores.Best),
		zap.Float64("mean", report.Scores.Mean),
		zap.Float64("std", report.Scores.Std),
		zap.Float64("worst", report.Scores.Worst))
}

func (f *Fitter) prepare(ctx context.Context, cfg Config, cell cells.Cell) (*run, error) {
	r := &run{
		cfg:    cfg,
		name:   cfg.Name(),
		cell:   cell,
		search: transform.MustNew(cfg.SearchTransformation),
		sample: transform.MustNew(cfg.SampleTransformation),
	}
	r.logger = f.logger.With(zap.Int("cell", cell.ID), zap.String("method", r.name))

	lower := cell.LowerConductance
	if cfg.Method.FixedConductance || cfg.Method.FromPrior {
		prior, err := f.store.Best(ctx, DirectMethod, cell.ID)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig,
				"method %s needs a result of method %s for cell %d", cfg.Method.Name, DirectMethod, cell.ID)
		}
		if cfg.Method.FixedConductance {
			r.conductance = prior.Parameters[model.NKinetic]
			lower = 0
			r.logger.Info("Using fixed conductance", zap.Float64("conductance", r.conductance))
		} else {
			r.prior = prior.Parameters
			r.logger.Info("Starting from prior result", zap.String("run", prior.RunID), zap.Float64("score", prior.Score))
		}
	}

	var rng *rand.Rand
	if cfg.Seed != 0 {
		rng = rand.New(rand.NewSource(cfg.Seed + int64(cell.ID)))
	}
	b, err := boundaries.New(boundaries.Config{
		Search:           r.search,
		Sample:           r.sample,
		LowerConductance: lower,
		Rand:             rng,
	})
	if err != nil {
		return nil, err
	}
	r.bounds = b

	m, err := f.measure(cfg, cell, r.search, r.conductance)
	if err != nil {
		return nil, err
	}
	if m.NParameters() != b.NParameters() {
		return nil, errors.Errorf(errors.KindConfig, "measure has %d parameters, boundaries %d", m.NParameters(), b.NParameters())
	}
	r.objective = f.metrics.Instrument(r.name, errormeasure.Func(ctx, m))
	return r, nil
}

// measure builds the error measure of a method for a cell.
func (f *Fitter) measure(cfg Config, cell cells.Cell, search transform.Transformation, conductance float64) (errormeasure.Measure, error) {
	ek := cell.ReversalPotential()
	switch cfg.Method.Measure {
	case errormeasure.E1:
		target, err := f.statistics(cell)
		if err != nil {
			return nil, err
		}
		return errormeasure.NewSummary(target, search, conductance)
	case errormeasure.E2:
		target, err := f.statistics(cell)
		if err != nil {
			return nil, err
		}
		sim := sumstat.NewSimulator(ek, cfg.SampleInterval, cfg.SimulationTimeout, cell.Variant)
		return errormeasure.NewSimulatedSummary(target, search, sim, f.logger)
	}

	traces, err := f.traces(cfg.Method.Measure, cell)
	if err != nil {
		return nil, err
	}
	return errormeasure.NewWholeTrace(errormeasure.WholeTraceConfig{
		Kind:              cfg.Method.Measure,
		Search:            search,
		ReversalPotential: ek,
		Timeout:           cfg.SimulationTimeout,
		Traces:            traces,
		Logger:            f.logger,
	})
}

// statistics extracts the summary statistics of a cell's filtered Pr2 to
// Pr5 recordings.
func (f *Fitter) statistics(cell cells.Cell) (*sumstat.Statistics, error) {
	var recs [4]*data.Recording
	for i, p := range protocols.Traditional(cell.Variant) {
		rec, err := data.Load(f.dataDir, cell.ID, p.ID())
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "load recording")
		}
		recs[i] = rec.Filter(p)
	}
	s, err := sumstat.Extract(sumstat.Traces{
		Pr2:     recs[0],
		Pr3:     recs[1],
		Pr4:     recs[2],
		Pr5:     recs[3],
		Variant: cell.Variant,
	}, cell.ReversalPotential())
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "summary statistics of cell %d", cell.ID)
	}
	return s, nil
}

// traces loads and filters the recordings a whole-trace measure compares
// against.
func (f *Fitter) traces(kind errormeasure.Kind, cell cells.Cell) ([]errormeasure.Trace, error) {
	ids, err := errormeasure.Protocols(kind)
	if err != nil {
		return nil, err
	}
	out := make([]errormeasure.Trace, 0, len(ids))
	for _, id := range ids {
		rec, err := data.Load(f.dataDir, cell.ID, id)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "load recording")
		}
		var p *protocols.Protocol
		if id == protocols.ActionPotential {
			if rec.Voltage == nil {
				return nil, errors.Errorf(errors.KindConfig, "cell %d: protocol %d recording has no voltage", cell.ID, id)
			}
			p, err = protocols.Pr6(rec.Times, rec.Voltage)
		} else {
			p, err = protocols.ForCell(id, cell.Variant)
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "build protocol")
		}
		out = append(out, errormeasure.Trace{Protocol: p, Recording: rec.Filter(p)})
	}
	return out, nil
}

// start returns the starting point of a repeat in search space.
func (r *run) start() ([]float64, error) {
	if r.prior != nil {
		return r.search.Transform(r.prior), nil
	}
	for i := 0; i < maxStartAttempts; i++ {
		x, err := r.bounds.Sample()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindSampling, "sample starting point")
		}
		if v := r.objective(x); !math.IsInf(v, 0) && !math.IsNaN(v) {
			return x, nil
		}
		r.logger.Debug("Discarding starting point with non-finite score")
	}
	return nil, errors.Errorf(errors.KindSampling, "no starting point with a finite score in %d samples", maxStartAttempts)
}

func (r *run) optimizer() (optimization.Optimizer, func([]float64) bool) {
	if r.cfg.Local {
		return optimization.NewNelderMead(r.logger), nil
	}
	return optimization.NewCMAES(r.logger), r.bounds.Check
}

// repeat runs one optimisation and saves its result to a fresh slot. The
// slot is released again if the repeat fails.
func (f *Fitter) repeat(ctx context.Context, r *run, i, n int) (results.Record, error) {
	x0, err := r.start()
	if err != nil {
		return results.Record{}, err
	}

	res, err := f.store.Reserve(ctx, r.name, r.cell.ID)
	if err != nil {
		return results.Record{}, err
	}
	defer res.Close()

	logger := r.logger.With(zap.String("base", res.Name()), zap.Int("repeat", i+1), zap.Int("repeats", n))
	logger.Info("Starting repeat")

	opt, feasible := r.optimizer()
	var seed uint64
	if r.cfg.Seed != 0 {
		seed = uint64(r.cfg.Seed) + uint64(r.cell.ID)<<16 + uint64(i) + 1
	}
	start := time.Now()
	result, err := opt.Optimize(ctx, optimization.OptimizerConfig{
		Objective:     r.objective,
		Initial:       x0,
		Feasible:      feasible,
		MaxIterations: r.cfg.MaxIterations,
		MaxUnchanged:  r.cfg.MaxUnchanged,
		Threshold:     r.cfg.Threshold,
		Parallel:      r.cfg.Parallel,
		RandomSeed:    seed,
		Log:           res.Log(),
	})
	if err != nil {
		return results.Record{}, errors.Wrapf(err, errors.KindOptimizer, "%s", opt.Name()).
			WithOperation("repeat").
			WithComponent("fitting")
	}

	p := r.search.Detransform(result.BestSolution.Parameters)
	if r.conductance > 0 {
		p = append(p, r.conductance)
	}
	rec := results.Record{
		RunID:       res.RunID(),
		Config:      r.name,
		Cell:        r.cell.ID,
		Slot:        res.Slot(),
		Score:       result.BestSolution.Value,
		Time:        time.Since(start),
		Evaluations: result.Evaluations,
		Parameters:  p,
	}
	if err := res.Save(ctx, rec); err != nil {
		return results.Record{}, err
	}
	logger.Info("Repeat finished",
		zap.Float64("score", rec.Score),
		zap.Int("evaluations", rec.Evaluations),
		zap.Int("iterations", result.Iterations),
		zap.String("status", result.Status),
		zap.Duration("time", rec.Time))
	return rec, nil
}

// direct runs method 1: parameters straight from the summary statistics,
// scored with E1.
func (f *Fitter) direct(ctx context.Context, cfg Config, cell cells.Cell) (*Report, error) {
	name := cfg.Name()
	logger := f.logger.With(zap.Int("cell", cell.ID), zap.String("method", name))
	report := &Report{Config: name, Cell: cell.ID}

	if cfg.Cap > 0 {
		taken, err := f.store.Count(ctx, name, cell.ID, false)
		if err != nil {
			return nil, err
		}
		if taken >= cfg.Cap {
			logger.Info("Cap reached", zap.Int("taken", taken), zap.Int("cap", cfg.Cap))
			return report, nil
		}
	}

	start := time.Now()
	target, err := f.statistics(cell)
	if err != nil {
		return nil, err
	}
	kinetic, err := sumstat.DirectFit(target)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOptimizer, "direct fit")
	}
	sim := sumstat.NewSimulator(cell.ReversalPotential(), cfg.SampleInterval, cfg.SimulationTimeout, cell.Variant)
	g, err := sumstat.FitConductance(ctx, sim, target.IV, kinetic)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindOptimizer, "fit conductance")
	}
	e1, err := errormeasure.NewSummary(target, transform.MustNew(transform.Null), g)
	if err != nil {
		return nil, err
	}

	res, err := f.store.Reserve(ctx, name, cell.ID)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	rec := results.Record{
		RunID:       res.RunID(),
		Config:      name,
		Cell:        cell.ID,
		Slot:        res.Slot(),
		Score:       e1.Evaluate(ctx, kinetic),
		Time:        time.Since(start),
		Evaluations: 1,
		Parameters:  append(kinetic, g),
	}
	fmt.Fprintln(res.Log(), "iteration,evaluations,time,best")
	fmt.Fprintf(res.Log(), "0,1,%.3f,%g\n", rec.Time.Seconds(), rec.Score)
	if err := res.Save(ctx, rec); err != nil {
		return nil, err
	}
	f.metrics.ObserveRepeat(name, metrics.OutcomeSaved, rec.Time)

	report.Records = append(report.Records, rec)
	f.finish(report, logger)
	return report, nil
}
