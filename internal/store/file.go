package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"birdsong-orchestrator/internal/protocol"
)

const (
	sessionFile = "playback_state.json"
	optionsFile = "options.json"
)

// FileStore keeps each record as a JSON document under dir. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// torn record.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SaveSession implements Store.SaveSession.
func (f *FileStore) SaveSession(s protocol.SessionState) error {
	return f.write(sessionFile, s)
}

// LoadSession implements Store.LoadSession.
func (f *FileStore) LoadSession() (protocol.SessionState, bool, error) {
	var s protocol.SessionState
	ok, err := f.read(sessionFile, &s)
	return s, ok, err
}

// ClearSession implements Store.ClearSession.
func (f *FileStore) ClearSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(filepath.Join(f.dir, sessionFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}

// SaveOptions implements Store.SaveOptions.
func (f *FileStore) SaveOptions(o protocol.Options) error {
	return f.write(optionsFile, o)
}

// LoadOptions implements Store.LoadOptions.
func (f *FileStore) LoadOptions() (protocol.Options, bool, error) {
	var o protocol.Options
	ok, err := f.read(optionsFile, &o)
	return o, ok, err
}

func (f *FileStore) write(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func (f *FileStore) read(name string, v any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}
