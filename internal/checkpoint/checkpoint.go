// Package checkpoint snapshots files before a sandboxed command runs so the
// command can be rolled back afterwards.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
)

// DefaultMaxCheckpoints bounds the store when no limit is given.
const DefaultMaxCheckpoints = 32

// maxBlobBytes skips snapshotting files larger than this.
const maxBlobBytes = 64 << 20

// Outcome is the result of a rollback.
type Outcome string

const (
	// OutcomeRestored means every snapshotted path was restored.
	OutcomeRestored Outcome = "restored"
	// OutcomePartial means some, but not all, paths were restored.
	OutcomePartial Outcome = "partial"
	// OutcomeUnavailable means nothing could be restored: unknown id,
	// already used, or no usable snapshot.
	OutcomeUnavailable Outcome = "unavailable"
)

// OK reports whether the rollback fully succeeded.
func (o Outcome) OK() bool { return o == OutcomeRestored }

// FileSnapshot is the saved state of one path.
type FileSnapshot struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	IsDir   bool        `json:"is_dir,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	Blob    string      `json:"blob,omitempty"`    // file under the checkpoint dir
	Skipped string      `json:"skipped,omitempty"` // why contents were not saved
}

// Checkpoint is the pre-execution state of a command.
type Checkpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Command   string         `json:"command"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []FileSnapshot `json:"files,omitempty"`
	Used      bool           `json:"used"`
}

// Store keeps a bounded set of checkpoints on disk. Safe for concurrent use.
type Store struct {
	dir         string
	max         int
	checkpoints map[string]*Checkpoint
	order       []string // oldest first
	mu          sync.RWMutex
	logger      *logging.Logger
}

// NewStore creates a checkpoint store rooted at dir.
func NewStore(dir string, max int) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if max <= 0 {
		max = DefaultMaxCheckpoints
	}
	return &Store{
		dir:         dir,
		max:         max,
		checkpoints: make(map[string]*Checkpoint),
		logger:      logging.New().WithComponent("checkpoint"),
	}, nil
}

// Create snapshots paths and records a checkpoint for command. Paths that
// cannot be read are recorded as skipped rather than failing the checkpoint.
func (s *Store) Create(sessionID, command string, paths []string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Command:   command,
		CreatedAt: time.Now(),
	}
	blobDir := filepath.Join(s.dir, cp.ID)

	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			cp.Files = append(cp.Files, FileSnapshot{Path: p, Skipped: err.Error()})
			continue
		}
		cp.Files = append(cp.Files, snapshot(abs, blobDir, i))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	if err := s.flush(cp.ID); err != nil {
		delete(s.checkpoints, cp.ID)
		s.order = s.order[:len(s.order)-1]
		os.RemoveAll(blobDir)
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.prune()
	return cp.clone(), nil
}

func snapshot(path, blobDir string, n int) FileSnapshot {
	snap := FileSnapshot{Path: path}
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap
	}
	if err != nil {
		snap.Skipped = err.Error()
		return snap
	}
	snap.Existed = true
	snap.Mode = info.Mode().Perm()
	switch {
	case info.IsDir():
		snap.IsDir = true
		snap.Skipped = "directory contents are not saved"
		return snap
	case !info.Mode().IsRegular():
		snap.Skipped = "not a regular file"
		return snap
	case info.Size() > maxBlobBytes:
		snap.Skipped = "file too large"
		return snap
	}

	if err := os.MkdirAll(blobDir, 0700); err != nil {
		snap.Skipped = err.Error()
		return snap
	}
	blob := filepath.Join(blobDir, fmt.Sprintf("%d.blob", n))
	if err := copyFile(path, blob, 0600); err != nil {
		snap.Skipped = err.Error()
		return snap
	}
	snap.Blob = blob
	return snap
}

// Get returns a copy of a checkpoint.
func (s *Store) Get(id string) (*Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, false
	}
	return cp.clone(), true
}

// List returns all checkpoints, oldest first.
func (s *Store) List() []*Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.checkpoints[id].clone())
	}
	return out
}

// Len returns the number of stored checkpoints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Rollback restores the files of a checkpoint. A checkpoint can be rolled
// back once; unknown and used ids return OutcomeUnavailable.
func (s *Store) Rollback(id string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[id]
	if !ok || cp.Used {
		return OutcomeUnavailable
	}
	cp.Used = true

	restored, failed := 0, 0
	for _, f := range cp.Files {
		if err := restore(f); err != nil {
			failed++
			s.logger.Warn("rollback path failed", map[string]interface{}{
				"checkpoint": id,
				"path":       f.Path,
				"error":      err.Error(),
			})
			continue
		}
		restored++
	}
	if err := s.flush(id); err != nil {
		s.logger.Warn("checkpoint flush failed", map[string]interface{}{"checkpoint": id, "error": err.Error()})
	}

	outcome := OutcomePartial
	switch {
	case restored == 0:
		outcome = OutcomeUnavailable
	case failed == 0:
		outcome = OutcomeRestored
	}
	s.logger.Info("rollback", map[string]interface{}{
		"checkpoint": id,
		"outcome":    string(outcome),
		"restored":   restored,
		"failed":     failed,
	})
	return outcome
}

func restore(f FileSnapshot) error {
	if f.Skipped != "" && !f.IsDir {
		return errors.New(f.Skipped)
	}
	if !f.Existed {
		err := os.Remove(f.Path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if f.IsDir {
		if err := os.MkdirAll(f.Path, f.Mode|0700); err != nil {
			return err
		}
		return errors.New(f.Skipped)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return err
	}
	return copyFile(f.Blob, f.Path, f.Mode)
}

// flush writes a checkpoint's metadata to disk.
func (s *Store) flush(id string) error {
	data, err := json.MarshalIndent(s.checkpoints[id], "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, id+".json"), data, 0600)
}

// prune drops the oldest checkpoints beyond the limit, blobs included.
func (s *Store) prune() {
	for len(s.order) > s.max {
		id := s.order[0]
		s.order = s.order[1:]
		delete(s.checkpoints, id)
		os.RemoveAll(filepath.Join(s.dir, id))
		os.Remove(filepath.Join(s.dir, id+".json"))
	}
}

// Load reads checkpoints left on disk by a previous process.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var loaded []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil || cp.ID != strings.TrimSuffix(entry.Name(), ".json") {
			continue
		}
		if _, ok := s.checkpoints[cp.ID]; ok {
			continue
		}
		loaded = append(loaded, &cp)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	for _, cp := range loaded {
		s.checkpoints[cp.ID] = cp
	}
	ids := make([]string, 0, len(loaded)+len(s.order))
	for _, cp := range loaded {
		ids = append(ids, cp.ID)
	}
	s.order = append(ids, s.order...)
	s.prune()
	return nil
}

func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	cp.Files = append([]FileSnapshot(nil), c.Files...)
	return &cp
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
