// Package checkpoint persists study checkpoints so a study can resume after
// a process restart without redoing completed work.
//
// Every backend keeps the newest checkpoint per study and refuses one whose
// sequence is not greater than what it already holds, so a slow writer can
// never roll a study back.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	ErrStale    = errors.New("checkpoint sequence is not newer than the stored one")
)

// Store is a durable checkpoint sink. It satisfies orchestrator.CheckpointSink.
type Store interface {
	Save(ctx context.Context, cp *contracts.Checkpoint) error
	// Latest returns the newest checkpoint for a study or ErrNotFound.
	Latest(ctx context.Context, studyID string) (*contracts.Checkpoint, error)
	// Studies lists study ids with at least one checkpoint, sorted.
	Studies(ctx context.Context) ([]string, error)
}

func validate(cp *contracts.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint cannot be nil")
	}
	if cp.StudyID == "" {
		return errors.New("checkpoint has empty study id")
	}
	return nil
}

func clone(cp *contracts.Checkpoint) *contracts.Checkpoint {
	out := *cp
	out.CompletedJobIDs = append([]string(nil), cp.CompletedJobIDs...)
	out.FailedJobIDs = append([]string(nil), cp.FailedJobIDs...)
	out.InProgressJobIDs = append([]string(nil), cp.InProgressJobIDs...)
	return &out
}

func stale(studyID string, have, got uint64) error {
	return fmt.Errorf("%w: study %s has %d, got %d", ErrStale, studyID, have, got)
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	latest map[string]*contracts.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]*contracts.Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *contracts.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[cp.StudyID]; ok && cp.Sequence <= cur.Sequence {
		return stale(cp.StudyID, cur.Sequence, cp.Sequence)
	}
	s.latest[cp.StudyID] = clone(cp)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, studyID string) (*contracts.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.latest[studyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, studyID)
	}
	return clone(cp), nil
}

func (s *MemoryStore) Studies(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.latest))
	for id := range s.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// FileStore writes one JSON file per study under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to ensure checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

const fileSuffix = ".checkpoint.json"

func (s *FileStore) path(studyID string) string {
	return filepath.Join(s.dir, url.PathEscape(studyID)+fileSuffix)
}

func (s *FileStore) read(studyID string) (*contracts.Checkpoint, error) {
	data, err := os.ReadFile(s.path(studyID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, studyID)
		}
		return nil, err
	}
	var cp contracts.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", studyID, err)
	}
	return &cp, nil
}

func (s *FileStore) Save(_ context.Context, cp *contracts.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(cp.StudyID)
	switch {
	case err == nil:
		if cp.Sequence <= cur.Sequence {
			return stale(cp.StudyID, cur.Sequence, cp.Sequence)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := s.path(cp.StudyID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Latest(_ context.Context, studyID string) (*contracts.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(studyID)
}

func (s *FileStore) Studies(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
