// Package cells holds the per-cell experimental constants: conductance
// bounds, recording temperature and, where published, reference parameters.
package cells

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/ikrfit/internal/model"
)

//go:embed cells.yaml
var defaultTable []byte

// Cell describes one recorded (or synthetic) cell.
type Cell struct {
	ID               int       `yaml:"id"`
	LowerConductance float64   `yaml:"lower_conductance"`
	Temperature      float64   `yaml:"temperature"`
	Synthetic        bool      `yaml:"synthetic"`
	Noise            float64   `yaml:"noise"`
	Reference        []float64 `yaml:"reference"`

	// Variant is set for cells recorded with the Pr2 variant.
	Variant bool `yaml:"variant"`
}

// ReversalPotential returns the potassium reversal potential at the cell's
// temperature.
func (c Cell) ReversalPotential() float64 {
	return model.ReversalPotential(c.Temperature)
}

// UpperConductance returns the upper conductance bound.
func (c Cell) UpperConductance() float64 {
	return 10 * c.LowerConductance
}

// Table is a set of cells indexed by ID.
type Table struct {
	cells map[int]Cell
}

type document struct {
	Cells []Cell `yaml:"cells"`
}

// Parse reads a cell table from YAML and validates it.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse cells yaml: %w", err)
	}
	if len(doc.Cells) == 0 {
		return nil, fmt.Errorf("cells yaml defines no cells")
	}

	t := &Table{cells: make(map[int]Cell, len(doc.Cells))}
	for _, c := range doc.Cells {
		if c.ID < 1 {
			return nil, fmt.Errorf("invalid cell id %d", c.ID)
		}
		if _, dup := t.cells[c.ID]; dup {
			return nil, fmt.Errorf("duplicate cell id %d", c.ID)
		}
		if c.LowerConductance <= 0 {
			return nil, fmt.Errorf("cell %d: lower_conductance must be positive", c.ID)
		}
		if len(c.Reference) != 0 && len(c.Reference) != model.NParameters {
			return nil, fmt.Errorf("cell %d: reference needs %d parameters, got %d",
				c.ID, model.NParameters, len(c.Reference))
		}
		t.cells[c.ID] = c
	}
	return t, nil
}

// Default returns the built-in cell table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(err)
	}
	return t
}

// Load reads a table from path, or returns the built-in table if path is
// empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Get returns the cell with the given ID.
func (t *Table) Get(id int) (Cell, error) {
	c, ok := t.cells[id]
	if !ok {
		return Cell{}, fmt.Errorf("unknown cell %d", id)
	}
	return c, nil
}

// Recorded returns the IDs of all non-synthetic cells in ascending order.
func (t *Table) Recorded() []int {
	ids := make([]int, 0, len(t.cells))
	for id, c := range t.cells {
		if !c.Synthetic {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Select parses a cell selector: "all" (every recorded cell, synthetic
// cells excluded) or a comma-separated list of IDs.
func (t *Table) Select(selector string) ([]int, error) {
	if selector == "all" {
		return t.Recorded(), nil
	}
	parts := strings.Split(selector, ",")
	ids := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid cell %q", part)
		}
		if _, err := t.Get(id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
