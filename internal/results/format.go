package results

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/copyleftdev/ikrfit/internal/model"
)

// Write writes rec in the text result format:
//
//	run: <id>
//	error: <score>
//	time: <seconds>
//	evaluations: <count>
//	parameters:
//	<one parameter per line>
func Write(w io.Writer, rec Record) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "run: %s\n", rec.RunID)
	fmt.Fprintf(bw, "error: %s\n", strconv.FormatFloat(rec.Score, 'g', -1, 64))
	fmt.Fprintf(bw, "time: %s\n", strconv.FormatFloat(rec.Time.Seconds(), 'f', 3, 64))
	fmt.Fprintf(bw, "evaluations: %d\n", rec.Evaluations)
	fmt.Fprintln(bw, "parameters:")
	for _, p := range rec.Parameters {
		fmt.Fprintln(bw, strconv.FormatFloat(p, 'g', -1, 64))
	}
	return bw.Flush()
}

// Read parses a result written by Write. It fails on missing keys and on
// anything but a full parameter set.
func Read(r io.Reader) (Record, error) {
	var rec Record
	seen := map[string]bool{}
	inParameters := false

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if inParameters {
			p, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return Record{}, fmt.Errorf("line %d: parameter: %w", line, err)
			}
			rec.Parameters = append(rec.Parameters, p)
			continue
		}

		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return Record{}, fmt.Errorf("line %d: expected key: value", line)
		}
		value = strings.TrimSpace(value)
		seen[key] = true

		var err error
		switch key {
		case "run":
			rec.RunID = value
		case "error":
			rec.Score, err = strconv.ParseFloat(value, 64)
		case "time":
			var s float64
			s, err = strconv.ParseFloat(value, 64)
			rec.Time = time.Duration(s * float64(time.Second))
		case "evaluations":
			rec.Evaluations, err = strconv.Atoi(value)
		case "parameters":
			inParameters = true
		default:
			err = fmt.Errorf("unknown key %q", key)
		}
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Record{}, err
	}

	for _, key := range []string{"error", "time", "evaluations", "parameters"} {
		if !seen[key] {
			return Record{}, fmt.Errorf("missing %q", key)
		}
	}
	if len(rec.Parameters) != model.NParameters {
		return Record{}, fmt.Errorf("expected %d parameters, got %d", model.NParameters, len(rec.Parameters))
	}
	if math.IsNaN(rec.Score) {
		return Record{}, fmt.Errorf("score is NaN")
	}
	return rec, nil
}
