package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

const stateFileMode fs.FileMode = 0o600

// FileStateStore reads and writes state.json. Writes go through a temp file
// and a rename, keep the previous file as path+".bak", and hold both an
// in-process mutex and an flock on path+".lock".
type FileStateStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewFileStateStore returns a store for the state file at path.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	return &FileStateStore{path: path, logger: logger}
}

// Path returns the state file location.
func (s *FileStateStore) Path() string { return s.path }

// Exists reports whether the state file is on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// DefaultState is the state of a fresh install: no registry snapshot yet.
func (s *FileStateStore) DefaultState() *AppState {
	now := time.Now().UTC()
	return &AppState{Version: CurrentVersion, CreatedAt: now, UpdatedAt: now}
}

// Load returns the persisted state, or DefaultState when the file is
// missing. A file readable by group or others is loaded with a warning.
func (s *FileStateStore) Load() (*AppState, error) {
	return s.read()
}

// Save replaces the state file with st and stamps st.UpdatedAt.
func (s *FileStateStore) Save(st *AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return s.commit(st)
}

// Update loads the state, applies fn and writes the result, all under the
// store's locks. It returns the state as written.
func (s *FileStateStore) Update(fn func(*AppState) error) (*AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.read()
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	if err := s.commit(cur); err != nil {
		return nil, err
	}
	return cur, nil
}

// commit writes st with the locks held.
func (s *FileStateStore) commit(st *AppState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	s.backup()
	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return err
	}
	// Rename keeps the temp file mode, which a umask may have widened.
	if err := os.Chmod(s.path, stateFileMode); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}
	s.logger.Debug("state saved", "path", s.path)
	return nil
}

func (s *FileStateStore) read() (*AppState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("state file not found, using default state", "path", s.path)
		return s.DefaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	s.checkMode()

	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return &st, nil
}

// checkMode warns when the file is readable by group or others. Windows has
// no Unix permission bits.
func (s *FileStateStore) checkMode() {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		s.logger.Warn("state.json has too-open permissions, should be 0600",
			"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
	}
}

// lock takes the cross-process lock and returns its release func.
func (s *FileStateStore) lock() (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, stateFileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockExclusive(f.Fd()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = unlockExclusive(f.Fd())
		_ = f.Close()
	}, nil
}

func (s *FileStateStore) backup() {
	prev, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.path+".bak", prev, stateFileMode); err != nil {
		s.logger.Warn("failed to create backup", "error", err)
	}
}

// writeFileAtomic writes data to path+".tmp", fsyncs it and renames it over
// path. The temp file is removed on failure.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, stateFileMode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}
