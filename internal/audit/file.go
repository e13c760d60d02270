package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the file size that triggers rotation (100MB).
	DefaultMaxSize = 100 * 1024 * 1024
	// ArchiveDir holds rotated logs next to the active file.
	ArchiveDir = "archive"
)

// FileSink appends records as JSON lines and rotates by size.
type FileSink struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	maxSize  int64
	path     string
	rotation int
}

// NewFileSink opens (or creates) the log at path.
func NewFileSink(path string, maxSize int64) (*FileSink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	s := &FileSink{path: path, maxSize: maxSize}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	s.file = f
	s.size = stat.Size()
	return nil
}

// Append writes one record.
func (s *FileSink) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if s.size > 0 && s.size+int64(len(data)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}
	n, err := s.file.Write(data)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// rotate moves the active log into the archive and opens a fresh one. On
// failure the original path is reopened so later records are not lost.
func (s *FileSink) rotate() error {
	err := s.file.Close()
	s.file = nil
	if err == nil {
		err = s.archive()
	}
	if err != nil {
		if oerr := s.open(); oerr != nil {
			return fmt.Errorf("%w (reopen: %v)", err, oerr)
		}
		return err
	}
	return s.open()
}

func (s *FileSink) archive() error {
	archive := filepath.Join(filepath.Dir(s.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return err
	}
	s.rotation++
	base := filepath.Base(s.path)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s.%s.%d%s", strings.TrimSuffix(base, ext),
		time.Now().Format("20060102_150405"), s.rotation, ext)
	return os.Rename(s.path, filepath.Join(archive, name))
}

// Close flushes and closes the log.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
