package logtail

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// FileID identifies a file independently of its path
type FileID struct {
	Ino uint64 `json:"ino"`
	Dev uint64 `json:"dev"`
}

// FileState is the persisted cursor for one resolved log file.
// FileID is nil when the file has never been read successfully.
type FileState struct {
	FileID *FileID `json:"file_id"`
	Offset int64   `json:"offset"`
}

// StateStore persists FileState keyed by logical file name ("source:basename")
type StateStore interface {
	Load(name string) (FileState, error)
	Save(name string, st FileState) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName maps a logical name to a file name made of [A-Za-z0-9_-]
func SanitizeName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// DirStore keeps one JSON file per logical name under a directory
type DirStore struct {
	dir string
}

// NewDirStore returns a store rooted at dir. The directory is created on first Save.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Dir returns the state directory
func (s *DirStore) Dir() string {
	return s.dir
}

// Path returns the state file for a logical name
func (s *DirStore) Path(name string) string {
	return filepath.Join(s.dir, SanitizeName(name)+".json")
}

// Load reads the state for name.
// Returns empty state if the file doesn't exist or is corrupt.
func (s *DirStore) Load(name string) (FileState, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return FileState{}, nil
	}
	if err != nil {
		return FileState{}, err
	}

	var st FileState
	if err := json.Unmarshal(data, &st); err != nil || st.Offset < 0 {
		// Corrupt file - fresh start
		return FileState{}, nil
	}
	return st, nil
}

// Save writes the state for name via a temp file and rename.
// Creates the directory if needed.
func (s *DirStore) Save(name string, st FileState) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path(name))
}

// Entry is one persisted state file as listed by List
type Entry struct {
	File  string
	State FileState
}

// List returns every state file in the directory, sorted by file name.
// Corrupt files are listed with empty state.
func (s *DirStore) List() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var entries []Entry
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		st, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{File: path, State: st})
	}
	return entries, nil
}

// ReadOnlyStore reads from another store and discards writes.
// Used for dry runs that must not advance the persisted cursors.
type ReadOnlyStore struct {
	StateStore
}

// Save implements StateStore
func (ReadOnlyStore) Save(string, FileState) error {
	return nil
}

// MemoryStore is an in-process StateStore
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]FileState
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]FileState)}
}

// Load implements StateStore
func (m *MemoryStore) Load(name string) (FileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name], nil
}

// Save implements StateStore
func (m *MemoryStore) Save(name string, st FileState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = st
	return nil
}
