// Package results persists fit results. A fit first reserves a slot, an
// atomic claim on the next free run number for its configuration and cell,
// then saves into it; a slot that is never saved is released again, so a
// later run reuses its number.
package results

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ErrNoResults is returned when no complete result is stored.
var ErrNoResults = stderrors.New("no results")

// Record is one stored fit.
type Record struct {
	RunID       string
	Config      string
	Cell        int
	Slot        int
	Score       float64
	Time        time.Duration
	Evaluations int
	Parameters  []float64
}

// Reservation is a claimed result slot. Close releases the slot and any
// partial output unless Save succeeded; it is safe to defer Close right
// after Reserve.
type Reservation interface {
	// Slot returns the run number, starting at 1.
	Slot() int
	// RunID returns the unique identifier of the run.
	RunID() string
	// Name identifies the slot, e.g. a file path.
	Name() string
	// Log receives the optimiser's iteration log.
	Log() io.Writer
	// Save stores the result. The record's Config, Cell, Slot and RunID
	// are filled in from the reservation.
	Save(ctx context.Context, rec Record) error
	// Close releases the slot if nothing was saved.
	Close() error
}

// Store persists results per configuration and cell.
type Store interface {
	// Reserve claims the lowest free slot.
	Reserve(ctx context.Context, config string, cell int) (Reservation, error)
	// LoadAll returns the complete results sorted by score, best first.
	// Unreadable results are skipped with a warning.
	LoadAll(ctx context.Context, config string, cell int) ([]Record, error)
	// Count returns the number of reserved slots or, with parse set, the
	// number of complete results.
	Count(ctx context.Context, config string, cell int, parse bool) (int, error)
	// Best returns the result with the lowest score, or ErrNoResults.
	Best(ctx context.Context, config string, cell int) (Record, error)
	// Configs lists the configurations with stored slots.
	Configs(ctx context.Context) ([]string, error)
	Close() error
}

// NewStore returns a SQLiteStore if dbPath is set and a FileStore in dir
// otherwise.
func NewStore(ctx context.Context, dir, dbPath string, logger *zap.Logger) (Store, error) {
	if dbPath != "" {
		s := NewSQLiteStore(dbPath, logger)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("open results database: %w", err)
		}
		return s, nil
	}
	return NewFileStore(dir, logger)
}

func sortByScore(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Score < records[j].Score
	})
}

func best(records []Record) (Record, error) {
	if len(records) == 0 {
		return Record{}, ErrNoResults
	}
	return records[0], nil
}
