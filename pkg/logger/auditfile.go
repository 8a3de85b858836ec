package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// segmentLayout names sealed audit segments. UTC with fixed width, so the
// lexical order of segment names is their chronological order.
const segmentLayout = "20060102T150405.000000000Z"

// auditFile is the append-only sink behind the money-movement audit logger.
// Each record is fsynced before Write returns. When the active file would
// exceed maxSize it is sealed under a timestamp suffix and a fresh file is
// opened. Sealed segments are only pruned when a retention rule is set.
type auditFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64

	// Zero disables the corresponding rule.
	keepSegments int
	keepFor      time.Duration

	now func() time.Time
}

func newAuditFile(path string, maxSizeMB, keepSegments, keepDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f := &auditFile{
		path:         path,
		maxSize:      int64(maxSizeMB) * 1024 * 1024,
		keepSegments: max(keepSegments, 0),
		keepFor:      time.Duration(max(keepDays, 0)) * 24 * time.Hour,
		now:          time.Now,
	}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *auditFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	if f.size > 0 && f.size+int64(len(p)) > f.maxSize {
		if err := f.seal(); err != nil {
			return 0, err
		}
	}
	n, err := f.file.Write(p)
	f.size += int64(n)
	if err != nil {
		return n, err
	}
	if err := f.file.Sync(); err != nil {
		return n, fmt.Errorf("sync audit record: %w", err)
	}
	return n, nil
}

func (f *auditFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := errors.Join(f.file.Sync(), f.file.Close())
	f.file = nil
	f.size = 0
	return err
}

func (f *auditFile) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	f.file = file
	f.size = info.Size()
	return nil
}

func (f *auditFile) seal() error {
	err := errors.Join(f.file.Sync(), f.file.Close())
	f.file = nil
	if err != nil {
		return fmt.Errorf("close audit segment: %w", err)
	}
	segment := f.path + "." + f.now().UTC().Format(segmentLayout)
	if err := os.Rename(f.path, segment); err != nil {
		return fmt.Errorf("seal audit segment: %w", err)
	}
	f.prune()
	return f.open()
}

// segments lists sealed segments oldest first together with their seal time.
// Files next to the audit log that do not carry a segment suffix are ignored.
func (f *auditFile) segments() ([]string, []time.Time) {
	entries, err := os.ReadDir(filepath.Dir(f.path))
	if err != nil {
		return nil, nil
	}
	prefix := filepath.Base(f.path) + "."
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := time.Parse(segmentLayout, strings.TrimPrefix(name, prefix)); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	sealed := make([]time.Time, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(filepath.Dir(f.path), name)
		sealed[i], _ = time.Parse(segmentLayout, strings.TrimPrefix(name, prefix))
	}
	return paths, sealed
}

func (f *auditFile) prune() {
	if f.keepSegments == 0 && f.keepFor == 0 {
		return
	}
	paths, sealed := f.segments()
	drop := 0
	if f.keepFor > 0 {
		cutoff := f.now().Add(-f.keepFor)
		for drop < len(paths) && sealed[drop].Before(cutoff) {
			drop++
		}
	}
	if f.keepSegments > 0 && len(paths)-drop > f.keepSegments {
		drop = len(paths) - f.keepSegments
	}
	for _, path := range paths[:drop] {
		_ = os.Remove(path)
	}
}
