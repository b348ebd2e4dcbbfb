package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the file that holds all workers' checkpoints inside the
// state directory.
const FileName = "checkpoints.json"

type fileState struct {
	Workers map[string]Checkpoint `json:"workers"`
}

// FileStore keeps checkpoints in a single JSON document. Writes replace the
// file atomically through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("checkpoint: create state directory: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, FileName), now: time.Now}, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, worker string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return nil, err
	}
	cp, ok := state.Workers[worker]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *FileStore) Set(_ context.Context, worker, position string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	state.Workers[worker] = Checkpoint{Worker: worker, Position: position, UpdatedAt: s.now().UTC()}
	return s.save(state)
}

func (s *FileStore) Delete(_ context.Context, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := state.Workers[worker]; !ok {
		return nil
	}
	delete(state.Workers, worker)
	return s.save(state)
}

func (s *FileStore) load() (*fileState, error) {
	state := &fileState{Workers: map[string]Checkpoint{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", s.path, err)
	}
	if state.Workers == nil {
		state.Workers = map[string]Checkpoint{}
	}
	return state, nil
}

func (s *FileStore) save(state *fileState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoints-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("checkpoint: replace %s: %w", s.path, err)
	}
	return nil
}
