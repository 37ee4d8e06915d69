// Package file persists configuration, calibration tables, and recorded
// sweeps to disk.
//
// Calibration tables are written atomically (temp file, fsync, rename) under
// both an in-process mutex and a `<path>.lock` file, so two processes
// calibrating different channels never lose each other's entries.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	models "github.com/CK6170/AnalogShield-go/models"
	ui "github.com/CK6170/AnalogShield-go/ui"
)

// Lock file tuning.
const (
	LockPoll  = 20 * time.Millisecond
	StaleLock = 30 * time.Second
)

// ErrLocked is returned when the lock file could not be acquired before ctx
// expired.
var ErrLocked = errors.New("calibration file is locked")

// Store is a JSON calibration table on disk.
type Store struct {
	Path string
	mu   sync.Mutex
}

// NewStore returns a store for path. The file need not exist yet.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the table. It returns nil, nil when nothing has been stored.
func (s *Store) Load(ctx context.Context) (*models.CALIBRATION, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readTable(s.Path)
}

// Update reads the stored table (or fallback when none exists), applies
// mutate and writes the whole table back, all while holding the lock.
func (s *Store) Update(ctx context.Context, fallback *models.CALIBRATION, mutate func(*models.CALIBRATION)) (*models.CALIBRATION, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := acquire(ctx, s.Path+".lock")
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := readTable(s.Path)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		cur = fallback.Clone()
	}
	mutate(cur)
	cur.UPDATED = time.Now().UTC()

	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal calibration: %w", err)
	}
	if err := WriteAtomic(s.Path, data); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

func readTable(path string) (*models.CALIBRATION, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", path, err)
	}
	var c models.CALIBRATION
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse calibration %s: %w", path, err)
	}
	return &c, nil
}

// acquire creates the lock file exclusively, retrying until ctx is done. A
// lock older than StaleLock is assumed abandoned and removed.
func acquire(ctx context.Context, lock string) (func(), error) {
	for {
		f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lock) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", lock, err)
		}
		if st, serr := os.Stat(lock); serr == nil && time.Since(st.ModTime()) > StaleLock {
			_ = os.Remove(lock)
			continue
		}
		t := time.NewTimer(LockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrLocked, lock, ctx.Err())
		case <-t.C:
		}
	}
}

// WriteAtomic replaces path with data so readers see either the old or the
// new content, never a partial file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// PersistParameters overwrites the JSON file at path with the provided
// parameters.
func PersistParameters(path string, parameters *models.PARAMETERS) error {
	data, err := json.MarshalIndent(parameters, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal parameters: %w", err)
	}
	return WriteAtomic(path, data)
}

// SaveSweeps writes recorded sweeps as indented JSON.
func SaveSweeps(path string, sweeps []*models.SWEEP) error {
	data, err := json.MarshalIndent(sweeps, "", "  ")
	if err != nil {
		return err
	}
	if err := WriteAtomic(path, data); err != nil {
		return err
	}
	ui.Greenf("%s Saved\n", path)
	return nil
}

// LoadSweeps reads a file written by SaveSweeps.
func LoadSweeps(path string) ([]*models.SWEEP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sweeps []*models.SWEEP
	if err := json.Unmarshal(data, &sweeps); err != nil {
		return nil, fmt.Errorf("parse sweeps %s: %w", path, err)
	}
	return sweeps, nil
}

// AppendToFile appends content + newline to file, creating it if it does not
// exist.
func AppendToFile(file, content string) {
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		ui.Warningf("Warning: failed to open file for append: %v\n", err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(content + "\n"); err != nil {
		ui.Warningf("Warning: failed to write to file: %v\n", err)
	}
}
