package fitting

import (
	"fmt"
	"strings"
	"time"

	"github.com/copyleftdev/ikrfit/internal/errormeasure"
	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/protocols"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

// DefaultRepeats is the number of repeats of the multi-start methods.
const DefaultRepeats = 50

// Method is a preset combining an error measure with a way of choosing
// starting points.
type Method struct {
	Name    string
	Measure errormeasure.Kind
	// Direct methods derive the parameters from summary statistics
	// without optimisation.
	Direct bool
	// FixedConductance searches the kinetic parameters only, with the
	// conductance taken from the best direct fit.
	FixedConductance bool
	// FromPrior starts the single repeat from the best direct fit instead
	// of sampling.
	FromPrior bool
	// Repeats is the default repeat count.
	Repeats int
}

// DirectMethod names the direct fit whose result feeds the methods that
// start from, or fix the conductance of, a prior result.
const DirectMethod = "1"

var methods = map[string]Method{
	"1":  {Name: "1", Measure: errormeasure.E1, Direct: true, Repeats: 1},
	"1b": {Name: "1b", Measure: errormeasure.E1, FixedConductance: true, Repeats: 5},
	"2":  {Name: "2", Measure: errormeasure.E2, Repeats: DefaultRepeats},
	"2b": {Name: "2b", Measure: errormeasure.E2, FromPrior: true, Repeats: 1},
	"3":  {Name: "3", Measure: errormeasure.E3, Repeats: DefaultRepeats},
	"3b": {Name: "3b", Measure: errormeasure.E3, FromPrior: true, Repeats: 1},
	"4":  {Name: "4", Measure: errormeasure.E4, Repeats: DefaultRepeats},
	"5":  {Name: "5", Measure: errormeasure.EAP, Repeats: DefaultRepeats},
}

// Methods returns the preset names in a stable order.
func Methods() []string {
	return []string{"1", "1b", "2", "2b", "3", "3b", "4", "5"}
}

// LookupMethod returns the preset with the given name.
func LookupMethod(name string) (Method, error) {
	m, ok := methods[name]
	if !ok {
		return Method{}, errors.Errorf(errors.KindUsage, "unknown method %q", name)
	}
	return m, nil
}

// Config is the configuration of one fitting run.
type Config struct {
	Method Method

	// SearchTransformation is the space the optimiser works in. Default 'a'.
	SearchTransformation transform.Code
	// SampleTransformation selects the prior starting points are drawn
	// from. Default 'a'.
	SampleTransformation transform.Code

	// Local refines with Nelder-Mead instead of CMA-ES and ignores the
	// boundaries.
	Local bool

	// Repeats overrides the method's repeat count when positive. Methods
	// starting from a prior result always run once.
	Repeats int
	// Cap stops the run once this many slots are taken for the cell.
	// Zero means no cap.
	Cap int

	MaxIterations int
	MaxUnchanged  int
	Threshold     float64
	Parallel      bool

	// SimulationTimeout bounds each forward simulation.
	SimulationTimeout time.Duration
	// SampleInterval of the simulated E2 traces (ms).
	SampleInterval float64
	// Seed makes sampling and CMA-ES reproducible. Zero seeds from the clock.
	Seed int64
}

// DefaultConfig returns the configuration of a method with every default
// filled in.
func DefaultConfig(m Method) Config {
	return Config{
		Method:               m,
		SearchTransformation: transform.AOnly,
		SampleTransformation: transform.AOnly,
		Parallel:             true,
		SampleInterval:       protocols.SampleInterval,
	}
}

// ParseConfig parses a configuration name: a method, optionally followed by
// "-<search><sample>" transformation codes and "-local", e.g. "3",
// "2b-fa" or "4-an-local". Omitted codes default to 'a'.
func ParseConfig(name string) (Config, error) {
	parts := strings.Split(name, "-")
	m, err := LookupMethod(parts[0])
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig(m)
	for _, part := range parts[1:] {
		switch {
		case part == "local":
			cfg.Local = true
		case len(part) == 2:
			cfg.SearchTransformation = transform.Code(part[0])
			cfg.SampleTransformation = transform.Code(part[1])
		default:
			return Config{}, errors.Errorf(errors.KindUsage, "invalid configuration suffix %q", part)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Method.Name == "" {
		return errors.New(errors.KindConfig, "no method")
	}
	if c.Method.Direct {
		return nil
	}
	if _, err := transform.New(c.SearchTransformation); err != nil {
		return errors.Wrap(err, errors.KindUsage, "search transformation")
	}
	if _, err := transform.New(c.SampleTransformation); err != nil {
		return errors.Wrap(err, errors.KindUsage, "sample transformation")
	}
	if c.Repeats < 0 || c.Cap < 0 {
		return errors.New(errors.KindUsage, "repeats and cap must not be negative")
	}
	return nil
}

// Name is the configuration name results are stored under. The direct
// method has no transformations and is stored under its method name.
func (c Config) Name() string {
	if c.Method.Direct {
		return c.Method.Name
	}
	name := fmt.Sprintf("%s-%c%c", c.Method.Name, c.SearchTransformation, c.SampleTransformation)
	if c.Local {
		name += "-local"
	}
	return name
}

// repeats returns the number of repeats to run.
func (c Config) repeats() int {
	switch {
	case c.Method.Direct, c.Method.FromPrior:
		return 1
	case c.Repeats > 0:
		return c.Repeats
	}
	return c.Method.Repeats
}
