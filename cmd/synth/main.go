package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"go.uber.org/zap"

	"github.com/copyleftdev/ikrfit/internal/cells"
	"github.com/copyleftdev/ikrfit/internal/config"
	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/logging"
	"github.com/copyleftdev/ikrfit/internal/protocols"
	"github.com/copyleftdev/ikrfit/internal/simulation"
	"github.com/copyleftdev/ikrfit/internal/sumstat"
)

const (
	syntheticCell = 10
	referenceCell = 5
	// apDuration is the length of the generated action potential train in ms.
	apDuration = 8000.0
)

// generate simulates every protocol for cell with the given parameters and
// returns the noisy recordings keyed by protocol number.
func generate(ctx context.Context, cell cells.Cell, parameters []float64, noise float64, seed int64) (map[int]*data.Recording, error) {
	ek := cell.ReversalPotential()
	out := make(map[int]*data.Recording)

	sim := sumstat.NewSimulator(ek, protocols.SampleInterval, 0, cell.Variant)
	for _, p := range protocols.Traditional(cell.Variant) {
		rec, err := sim.SimulateUnfiltered(ctx, p.ID(), parameters)
		if err != nil {
			return nil, fmt.Errorf("protocol %d: %w", p.ID(), err)
		}
		out[p.ID()] = rec
	}

	times, voltages := protocols.ActionPotentialTrain(apDuration, protocols.SampleInterval)
	ap, err := protocols.Pr6(times, voltages)
	if err != nil {
		return nil, err
	}
	for _, p := range []*protocols.Protocol{protocols.Pr7(), ap} {
		s, err := simulation.New(p, ek)
		if err != nil {
			return nil, err
		}
		t := times
		if p != ap {
			t = p.Times(protocols.SampleInterval)
		}
		current, err := simulation.Run(ctx, s, 0, parameters, t)
		if err != nil {
			return nil, fmt.Errorf("protocol %d: %w", p.ID(), err)
		}
		rec := &data.Recording{Times: t, Current: current}
		if p == ap {
			rec.Voltage = voltages
		}
		out[p.ID()] = rec
	}

	rng := rand.New(rand.NewSource(seed))
	for id := protocols.ActivationKinetics; id <= protocols.SineWave; id++ {
		out[id].AddNoise(rng, noise)
	}
	return out, nil
}

func main() {
	out := flag.String("out", "", "output directory")
	noise := flag.Float64("noise", -1, "noise standard deviation in nA (default: the cell's)")
	seed := flag.Int64("seed", 1234, "noise seed")
	flag.Parse()
	if *out == "" || flag.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: synth -out DIR [-noise 0.025] [-seed 1234]")
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
	zl := logging.NewZapLogger(logger.WithField("service", "ikrfit-synth"))

	table := cells.Default()
	if cfg.Storage.CellsFile != "" {
		if table, err = cells.Load(cfg.Storage.CellsFile); err != nil {
			zl.Fatal("Failed to load cells", zap.Error(err))
		}
	}
	cell, err := table.Get(syntheticCell)
	if err != nil {
		zl.Fatal("No synthetic cell", zap.Error(err))
	}
	ref, err := table.Get(referenceCell)
	if err != nil || len(ref.Reference) == 0 {
		zl.Fatal("No reference parameters", zap.Int("cell", referenceCell))
	}
	sigma := *noise
	if sigma < 0 {
		sigma = cell.Noise
	}

	recs, err := generate(context.Background(), cell, ref.Reference, sigma, *seed)
	if err != nil {
		zl.Fatal("Simulation failed", zap.Error(err))
	}
	for id, rec := range recs {
		if err := data.Save(*out, cell.ID, id, rec); err != nil {
			zl.Fatal("Failed to save recording", zap.Int("protocol", id), zap.Error(err))
		}
		zl.Info("Wrote recording",
			zap.String("path", data.Path(*out, cell.ID, id)),
			zap.Int("samples", rec.Len()))
	}
}
