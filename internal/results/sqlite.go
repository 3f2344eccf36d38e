package results

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/copyleftdev/ikrfit/internal/errors"
	"github.com/copyleftdev/ikrfit/internal/model"
)

// SQLiteStore keeps results in one table keyed by (config, cell, slot).
// The primary key makes reservation atomic across processes sharing the
// database file.
type SQLiteStore struct {
	path   string
	logger *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates a store backed by the database at path. Call Init
// before use.
func NewSQLiteStore(path string, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{path: path, logger: logger.Named("results")}
}

// Init opens the database and creates the table.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New(errors.KindConfig, "sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	// busy_timeout makes writers from other processes wait for the lock
	// instead of failing.
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS results (
			config TEXT NOT NULL,
			cell INTEGER NOT NULL,
			slot INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			complete INTEGER NOT NULL DEFAULT 0,
			score REAL,
			seconds REAL,
			evaluations INTEGER,
			parameters TEXT,
			log TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (config, cell, slot)
		);
	`)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New(errors.KindPersistence, "store is not initialized")
	}
	return s.db, nil
}

// Reserve implements Store.
func (s *SQLiteStore) Reserve(ctx context.Context, config string, cell int) (Reservation, error) {
	if err := validConfig(config); err != nil {
		return nil, err
	}
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	for slot := 1; ; slot++ {
		res, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO results (config, cell, slot, run_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, config, cell, slot, runID, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return nil, errors.Wrap(err, errors.KindPersistence, "reserve result slot").
				WithOperation("Reserve").
				WithComponent("results")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindPersistence, "reserve result slot")
		}
		if n == 1 {
			return &sqliteReservation{
				db:     db,
				logger: s.logger,
				config: config,
				cell:   cell,
				slot:   slot,
				runID:  runID,
			}, nil
		}
	}
}

type sqliteReservation struct {
	db     *sql.DB
	logger *zap.Logger
	config string
	cell   int
	slot   int
	runID  string
	log    bytes.Buffer

	saved  bool
	closed bool
}

func (r *sqliteReservation) Slot() int     { return r.slot }
func (r *sqliteReservation) RunID() string { return r.runID }
func (r *sqliteReservation) Name() string {
	return fmt.Sprintf("%s/cell-%d-run-%d", r.config, r.cell, r.slot)
}
func (r *sqliteReservation) Log() io.Writer { return &r.log }

func (r *sqliteReservation) Save(ctx context.Context, rec Record) error {
	if r.closed {
		return errors.New(errors.KindPersistence, "reservation closed")
	}
	parameters, err := json.Marshal(rec.Parameters)
	if err != nil {
		return errors.Wrap(err, errors.KindPersistence, "encode parameters")
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE results
		SET complete = 1, score = ?, seconds = ?, evaluations = ?, parameters = ?, log = ?
		WHERE config = ? AND cell = ? AND slot = ? AND run_id = ?
	`, rec.Score, rec.Time.Seconds(), rec.Evaluations, string(parameters), r.log.String(),
		r.config, r.cell, r.slot, r.runID)
	if err != nil {
		return errors.Wrap(err, errors.KindPersistence, "save result").
			WithOperation("Save").
			WithComponent("results")
	}
	r.saved = true
	return nil
}

func (r *sqliteReservation) Close() error {
	if r.closed || r.saved {
		r.closed = true
		return nil
	}
	r.closed = true
	r.logger.Debug("Releasing unsaved slot", zap.String("name", r.Name()))
	_, err := r.db.ExecContext(context.Background(), `
		DELETE FROM results WHERE config = ? AND cell = ? AND slot = ? AND run_id = ?
	`, r.config, r.cell, r.slot, r.runID)
	if err != nil {
		return errors.Wrap(err, errors.KindPersistence, "release slot")
	}
	return nil
}

// LoadAll implements Store.
func (s *SQLiteStore) LoadAll(ctx context.Context, config string, cell int) ([]Record, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT slot, run_id, score, seconds, evaluations, parameters
		FROM results
		WHERE config = ? AND cell = ? AND complete = 1
		ORDER BY slot
	`, config, cell)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindPersistence, "load results")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec         Record
			score       sql.NullFloat64
			seconds     sql.NullFloat64
			evaluations sql.NullInt64
			parameters  sql.NullString
		)
		if err := rows.Scan(&rec.Slot, &rec.RunID, &score, &seconds, &evaluations, &parameters); err != nil {
			return nil, errors.Wrap(err, errors.KindPersistence, "load results")
		}
		rec.Config, rec.Cell = config, cell
		rec.Score = score.Float64
		rec.Time = time.Duration(seconds.Float64 * float64(time.Second))
		rec.Evaluations = int(evaluations.Int64)

		err := json.Unmarshal([]byte(parameters.String), &rec.Parameters)
		if err == nil && len(rec.Parameters) != model.NParameters {
			err = fmt.Errorf("expected %d parameters, got %d", model.NParameters, len(rec.Parameters))
		}
		if err == nil && !score.Valid {
			err = stderrors.New("missing score")
		}
		if err != nil {
			s.logger.Warn("Skipping unreadable result",
				zap.String("config", config), zap.Int("cell", cell), zap.Int("slot", rec.Slot), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindPersistence, "load results")
	}

	sortByScore(records)
	return records, nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, config string, cell int, parse bool) (int, error) {
	if parse {
		records, err := s.LoadAll(ctx, config, cell)
		return len(records), err
	}
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE config = ? AND cell = ?`, config, cell).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindPersistence, "count results")
	}
	return n, nil
}

// Best implements Store.
func (s *SQLiteStore) Best(ctx context.Context, config string, cell int) (Record, error) {
	records, err := s.LoadAll(ctx, config, cell)
	if err != nil {
		return Record{}, err
	}
	return best(records)
}

// Configs implements Store.
func (s *SQLiteStore) Configs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT config FROM results ORDER BY config`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindPersistence, "list configurations")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
