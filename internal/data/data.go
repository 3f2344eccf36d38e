// Package data reads and writes voltage-clamp recordings. Each recording is
// a CSV file with a header row and the columns time, current and,
// optionally, voltage. Recordings live under <dir>/cell-<c>/pr<p>.csv.
package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/copyleftdev/ikrfit/internal/protocols"
)

// Recording is a sampled current trace. Voltage is nil unless the
// recording carries the command potential (as Pr6 does).
type Recording struct {
	Times   []float64
	Current []float64
	Voltage []float64
}

// Len returns the number of samples.
func (r *Recording) Len() int {
	return len(r.Times)
}

// Validate checks that all columns have the same length and that times
// are strictly increasing.
func (r *Recording) Validate() error {
	if len(r.Current) != len(r.Times) {
		return fmt.Errorf("current has %d samples, times has %d", len(r.Current), len(r.Times))
	}
	if r.Voltage != nil && len(r.Voltage) != len(r.Times) {
		return fmt.Errorf("voltage has %d samples, times has %d", len(r.Voltage), len(r.Times))
	}
	for i := 1; i < len(r.Times); i++ {
		if !(r.Times[i] > r.Times[i-1]) {
			return fmt.Errorf("times not increasing at sample %d", i)
		}
	}
	return nil
}

// Filter applies the protocol's capacitance filter.
func (r *Recording) Filter(p *protocols.Protocol) *Recording {
	signals := [][]float64{r.Current}
	if r.Voltage != nil {
		signals = append(signals, r.Voltage)
	}
	times, out := p.Filter(r.Times, signals...)
	f := &Recording{Times: times, Current: out[0]}
	if r.Voltage != nil {
		f.Voltage = out[1]
	}
	return f
}

// AddNoise adds zero-mean Gaussian noise with standard deviation sigma to
// the current, in place.
func (r *Recording) AddNoise(rng *rand.Rand, sigma float64) {
	for i := range r.Current {
		r.Current[i] += rng.NormFloat64() * sigma
	}
}

// Path returns the location of a cell's recording for a protocol.
func Path(dir string, cell, protocol int) string {
	return filepath.Join(dir, fmt.Sprintf("cell-%d", cell), fmt.Sprintf("pr%d.csv", protocol))
}

// Load reads the recording of a cell for a protocol.
func Load(dir string, cell, protocol int) (*Recording, error) {
	path := Path(dir, cell, protocol)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	r, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return r, nil
}

// Read parses a recording in CSV form.
func Read(in io.Reader) (*Recording, error) {
	cr := csv.NewReader(in)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("missing header: %w", err)
	}
	if len(header) < 2 || header[0] != "time" || header[1] != "current" {
		return nil, fmt.Errorf("unexpected header %v", header)
	}
	withVoltage := len(header) > 2 && header[2] == "voltage"

	rec := &Recording{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(row))
		for i, s := range row {
			if values[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		rec.Times = append(rec.Times, values[0])
		rec.Current = append(rec.Current, values[1])
		if withVoltage {
			rec.Voltage = append(rec.Voltage, values[2])
		}
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Save writes a recording, creating the cell directory if needed.
func Save(dir string, cell, protocol int, r *Recording) error {
	if err := r.Validate(); err != nil {
		return err
	}
	path := Path(dir, cell, protocol)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	if err := Write(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write encodes a recording as CSV.
func Write(out io.Writer, r *Recording) error {
	w := csv.NewWriter(out)
	header := []string{"time", "current"}
	if r.Voltage != nil {
		header = append(header, "voltage")
	}
	if err := w.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for i := range r.Times {
		row[0] = strconv.FormatFloat(r.Times[i], 'g', -1, 64)
		row[1] = strconv.FormatFloat(r.Current[i], 'g', -1, 64)
		if r.Voltage != nil {
			row[2] = strconv.FormatFloat(r.Voltage[i], 'g', -1, 64)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
