package results

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/ikrfit/internal/errors"
)

// FileStore keeps results as text files, one directory per configuration:
//
//	<dir>/<config>/cell-<c>-run-<n>.txt   result
//	<dir>/<config>/cell-<c>-run-<n>.csv   iteration log
//
// Slots are reserved by creating the result file with O_EXCL, so
// concurrent processes sharing the directory never claim the same slot.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New(errors.KindConfig, "results directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindPersistence, "create results directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger.Named("results")}, nil
}

func validConfig(config string) error {
	if config == "" || config == "." || config == ".." || strings.ContainsAny(config, `/\`) {
		return errors.Errorf(errors.KindPersistence, "invalid configuration name %q", config)
	}
	return nil
}

func (s *FileStore) base(config string, cell, slot int) string {
	return filepath.Join(s.dir, config, fmt.Sprintf("cell-%d-run-%d", cell, slot))
}

// Reserve implements Store.
func (s *FileStore) Reserve(ctx context.Context, config string, cell int) (Reservation, error) {
	if err := validConfig(config); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(s.dir, config), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.KindPersistence, "create configuration directory")
	}

	for slot := 1; ; slot++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := s.base(config, cell, slot)
		f, err := os.OpenFile(base+".txt", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if stderrors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.KindPersistence, "reserve result slot").
				WithOperation("Reserve").
				WithComponent("results")
		}
		f.Close()

		log, err := os.Create(base + ".csv")
		if err != nil {
			os.Remove(base + ".txt")
			return nil, errors.Wrap(err, errors.KindPersistence, "create iteration log").
				WithOperation("Reserve").
				WithComponent("results")
		}

		r := &fileReservation{
			store:  s,
			config: config,
			cell:   cell,
			slot:   slot,
			runID:  uuid.NewString(),
			base:   base,
			log:    log,
		}
		s.logger.Debug("Reserved slot", zap.String("name", base), zap.String("run", r.runID))
		return r, nil
	}
}

type fileReservation struct {
	store  *FileStore
	config string
	cell   int
	slot   int
	runID  string
	base   string
	log    *os.File

	saved  bool
	closed bool
}

func (r *fileReservation) Slot() int      { return r.slot }
func (r *fileReservation) RunID() string  { return r.runID }
func (r *fileReservation) Name() string   { return r.base }
func (r *fileReservation) Log() io.Writer { return r.log }

func (r *fileReservation) Save(ctx context.Context, rec Record) error {
	if r.closed {
		return errors.New(errors.KindPersistence, "reservation closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.RunID, rec.Config, rec.Cell, rec.Slot = r.runID, r.config, r.cell, r.slot

	tmp := r.base + ".txt.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, errors.KindPersistence, "save result")
	}
	if err := Write(f, rec); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, errors.KindPersistence, "save result")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.KindPersistence, "save result")
	}
	if err := os.Rename(tmp, r.base+".txt"); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.KindPersistence, "save result")
	}
	r.saved = true
	return nil
}

func (r *fileReservation) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.log.Close()
	if r.saved {
		return err
	}

	r.store.logger.Debug("Releasing unsaved slot", zap.String("name", r.base))
	for _, ext := range []string{".txt", ".csv"} {
		if rmErr := os.Remove(r.base + ext); rmErr != nil && !stderrors.Is(rmErr, fs.ErrNotExist) {
			err = stderrors.Join(err, rmErr)
		}
	}
	if err != nil {
		return errors.Wrap(err, errors.KindPersistence, "release slot")
	}
	return nil
}

// slots returns the reserved slot numbers and their result files.
func (s *FileStore) slots(config string, cell int) (map[int]string, error) {
	if err := validConfig(config); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(s.dir, config, fmt.Sprintf("cell-%d-run-*.txt", cell)))
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(paths))
	for _, p := range paths {
		var c, slot int
		if _, err := fmt.Sscanf(filepath.Base(p), "cell-%d-run-%d.txt", &c, &slot); err != nil || c != cell {
			continue
		}
		out[slot] = p
	}
	return out, nil
}

// LoadAll implements Store.
func (s *FileStore) LoadAll(ctx context.Context, config string, cell int) ([]Record, error) {
	slots, err := s.slots(config, cell)
	if err != nil {
		return nil, err
	}

	var records []Record
	for slot, path := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := readFile(path)
		if err != nil {
			if info, statErr := os.Stat(path); statErr == nil && info.Size() == 0 {
				s.logger.Debug("Skipping reserved slot", zap.String("path", path))
			} else {
				s.logger.Warn("Skipping unreadable result", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		rec.Config, rec.Cell, rec.Slot = config, cell, slot
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Slot < records[j].Slot })
	sortByScore(records)
	return records, nil
}

func readFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	return Read(f)
}

// Count implements Store.
func (s *FileStore) Count(ctx context.Context, config string, cell int, parse bool) (int, error) {
	if parse {
		records, err := s.LoadAll(ctx, config, cell)
		return len(records), err
	}
	slots, err := s.slots(config, cell)
	return len(slots), err
}

// Best implements Store.
func (s *FileStore) Best(ctx context.Context, config string, cell int) (Record, error) {
	records, err := s.LoadAll(ctx, config, cell)
	if err != nil {
		return Record{}, err
	}
	return best(records)
}

// Configs implements Store.
func (s *FileStore) Configs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindPersistence, "list configurations")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }
