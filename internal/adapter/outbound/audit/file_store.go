// Package audit provides the file-based audit journal: JSON Lines files
// rotated daily and by size, retention cleanup, and an in-memory cache of
// recent records for the admin API.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/quotagate/internal/domain/audit"
)

const (
	defaultRetentionDays = 7
	defaultMaxFileSizeMB = 100
	defaultCacheSize     = 1000
	pruneInterval        = time.Hour
	maxLineBytes         = 1 << 20
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit file store closed")

// FileConfig configures FileStore.
type FileConfig struct {
	// Dir holds the journal. Created with 0700 when missing.
	Dir string
	// RetentionDays is how many days of files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB starts a new file for the day past this size (default 100).
	MaxFileSizeMB int
	// CacheSize is how many recent records are served from memory (default 1000).
	CacheSize int
}

func (c *FileConfig) applyDefaults() {
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = defaultMaxFileSizeMB
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaultCacheSize
	}
}

// FileStore implements audit.Store and audit.QueryStore on a directory of
// rotating JSON Lines files. Records land in the file of their own UTC day.
type FileStore struct {
	cfg    FileConfig
	limit  int64
	now    func() time.Time
	logger *slog.Logger

	// recent serves GetRecent and Query without touching disk.
	recent *memory.AuditStore

	mu      sync.Mutex
	out     *os.File
	seg     segment
	written int64
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewFileStore opens the journal in cfg.Dir, prunes expired files, warms
// the cache from the newest file and starts hourly pruning.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	return newFileStore(cfg, logger, time.Now)
}

func newFileStore(cfg FileConfig, logger *slog.Logger, now func() time.Time) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audit directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileStore{
		cfg:    cfg,
		limit:  int64(cfg.MaxFileSizeMB) << 20,
		now:    now,
		logger: logger,
		recent: memory.NewAuditStoreWithWriter(nil, cfg.CacheSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	today := segmentFor(now())
	if err := s.switchTo(lastSegmentOf(cfg.Dir, today.day)); err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	s.prune()
	s.warmCache()

	go s.pruneLoop()
	return s, nil
}

// Dir returns the journal directory.
func (s *FileStore) Dir() string { return s.cfg.Dir }

// Append writes each record as one JSON line. A record whose day differs
// from the open file moves the journal to that day; a full file moves it to
// the next sequence.
func (s *FileStore) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, rec := range records {
		if err := s.rotateFor(rec); err != nil {
			return err
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.out.Write(append(line, '\n'))
		s.written += int64(n)
		if err != nil {
			return fmt.Errorf("write %s: %w", s.seg.filename(), err)
		}
		_ = s.recent.Append(ctx, rec)
	}
	return nil
}

// rotateFor makes sure the open file is the right one for rec. s.mu is held.
func (s *FileStore) rotateFor(rec audit.Record) error {
	if day := segmentFor(rec.Timestamp).day; day != s.seg.day {
		if err := s.switchTo(lastSegmentOf(s.cfg.Dir, day)); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if s.written >= s.limit {
		next := s.seg
		next.seq++
		if err := s.switchTo(next); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}
	return nil
}

// switchTo closes the open file, if any, and opens seg for appending.
func (s *FileStore) switchTo(seg segment) error {
	if s.out != nil {
		_ = s.out.Sync()
		_ = s.out.Close()
		s.out = nil
	}
	path := filepath.Join(s.cfg.Dir, seg.filename())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.out, s.seg, s.written = f, seg, info.Size()
	return nil
}

// Flush fsyncs the open file.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	return s.out.Sync()
}

// Close stops pruning and closes the open file. Later calls return nil.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.out != nil {
		_ = s.out.Sync()
		err = s.out.Close()
		s.out = nil
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return err
}

// GetRecent returns the n most recent records, newest first.
func (s *FileStore) GetRecent(n int) []audit.Record { return s.recent.GetRecent(n) }

// Query filters the cached records, newest first.
func (s *FileStore) Query(filter audit.Filter) []audit.Record { return s.recent.Query(filter) }

func (s *FileStore) pruneLoop() {
	defer close(s.done)
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.prune()
		}
	}
}

// prune removes files older than the retention window. The day currently
// being written is kept whatever its date.
func (s *FileStore) prune() {
	files, err := listSegments(s.cfg.Dir)
	if err != nil {
		s.logger.Error("audit cleanup: failed to read directory", "dir", s.cfg.Dir, "error", err)
		return
	}
	s.mu.Lock()
	current := s.seg.day
	s.mu.Unlock()

	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	removed := 0
	for _, f := range files {
		if f.day == current || !f.olderThan(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, f.filename())); err != nil {
			s.logger.Error("audit cleanup: failed to delete file", "file", f.filename(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("audit cleanup completed", "deleted", removed)
	}
}

// warmCache replays the newest non-empty file into the cache. Malformed
// lines are skipped.
func (s *FileStore) warmCache() {
	files, err := listSegments(s.cfg.Dir)
	if err != nil {
		return
	}
	var newest *segmentFile
	for i := len(files) - 1; i >= 0; i-- {
		if files[i].size > 0 {
			newest = &files[i]
			break
		}
	}
	if newest == nil {
		return
	}

	name := newest.filename()
	f, err := os.Open(filepath.Join(s.cfg.Dir, name))
	if err != nil {
		s.logger.Error("audit cache: failed to open file", "file", name, "error", err)
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	ctx := context.Background()
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "file", name, "error", err)
			continue
		}
		_ = s.recent.Append(ctx, rec)
	}
	if err := sc.Err(); err != nil {
		s.logger.Error("audit cache: error reading file", "file", name, "error", err)
	}
}

var (
	_ audit.Store      = (*FileStore)(nil)
	_ audit.QueryStore = (*FileStore)(nil)
)
