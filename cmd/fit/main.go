package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/ikrfit/internal/cells"
	"github.com/copyleftdev/ikrfit/internal/config"
	"github.com/copyleftdev/ikrfit/internal/fitting"
	"github.com/copyleftdev/ikrfit/internal/logging"
	"github.com/copyleftdev/ikrfit/internal/metrics"
	"github.com/copyleftdev/ikrfit/internal/results"
)

const usage = "usage: fit -method <1|1b|2|2b|3|3b|4|5> [-search c] [-sample c] [-local] <cell|all|c1,c2> [repeats] [cap]"

// arguments holds the parsed command line.
type arguments struct {
	config  fitting.Config
	cells   string
	repeats int
	cap     int
}

func parseArgs(args []string) (arguments, error) {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	method := fs.String("method", "", "fitting method")
	search := fs.String("search", "a", "search space transformation")
	sample := fs.String("sample", "a", "sampling transformation")
	local := fs.Bool("local", false, "Nelder-Mead without boundaries")
	if err := fs.Parse(args); err != nil {
		return arguments{}, err
	}
	if *method == "" || len(*search) != 1 || len(*sample) != 1 {
		return arguments{}, fmt.Errorf("missing or malformed flags")
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 3 {
		return arguments{}, fmt.Errorf("expected 1 to 3 arguments, got %d", len(rest))
	}

	name := *method + "-" + *search + *sample
	if *local {
		name += "-local"
	}
	cfg, err := fitting.ParseConfig(name)
	if err != nil {
		return arguments{}, err
	}

	a := arguments{config: cfg, cells: rest[0]}
	counts := []*int{&a.repeats, &a.cap}
	for i, s := range rest[1:] {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return arguments{}, fmt.Errorf("invalid count %q", s)
		}
		*counts[i] = n
	}
	return a, nil
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	zl := logging.NewZapLogger(logger.WithField("service", "ikrfit-fit"))
	defer func() { _ = zl.Sync() }()

	table := cells.Default()
	if cfg.Storage.CellsFile != "" {
		if table, err = cells.Load(cfg.Storage.CellsFile); err != nil {
			zl.Fatal("Failed to load cells", zap.Error(err))
		}
	}
	ids, err := table.Select(args.cells)
	if err != nil {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := results.NewStore(ctx, cfg.Storage.ResultsDir, cfg.Storage.ResultsDB, zl)
	if err != nil {
		zl.Fatal("Failed to open result store", zap.Error(err))
	}
	defer store.Close()

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", m.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: r}
		go func() {
			zl.Info("Serving metrics", zap.String("address", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	fitter, err := fitting.New(fitting.Options{
		Store:   store,
		Cells:   table,
		DataDir: cfg.Storage.DataDir,
		Logger:  zl,
		Metrics: m,
	})
	if err != nil {
		zl.Fatal("Failed to create fitter", zap.Error(err))
	}

	fc := args.config
	fc.Repeats = args.repeats
	fc.Cap = args.cap
	fc.MaxIterations = cfg.Fit.MaxIterations
	fc.MaxUnchanged = cfg.Fit.MaxUnchanged
	fc.Threshold = cfg.Fit.Threshold
	fc.Parallel = cfg.Fit.Parallel
	fc.SimulationTimeout = cfg.Fit.SimulationTimeout
	fc.SampleInterval = cfg.Fit.SampleInterval
	fc.Seed = cfg.Fit.Seed

	start := time.Now()
	zl.Info("Starting",
		zap.String("config", fc.Name()),
		zap.String("cells", strings.Trim(fmt.Sprint(ids), "[]")),
		zap.Int("jobs", cfg.Fit.Jobs))

	reports, err := fitter.RunCells(ctx, fc, ids, cfg.Fit.Jobs)
	for _, rep := range reports {
		if rep == nil {
			continue
		}
		if best, ok := rep.Best(); ok {
			fmt.Printf("cell %d: %d results, best %g (%s)\n", rep.Cell, rep.Scores.N, best.Score, best.RunID)
		}
	}
	if err != nil {
		zl.Error("Fit failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		store.Close()
		os.Exit(1)
	}
	zl.Info("Done", zap.Duration("elapsed", time.Since(start)))
}
