package duoclient

import (
	"encoding/json"
	"os"
	"sync"
)

// PreferenceStore persists queue preferences across sessions. Writes are
// last-writer-wins; no locking across processes is attempted.
type PreferenceStore interface {
	Load() (*Preferences, error)
	Save(prefs Preferences) error
}

// MemoryPreferenceStore keeps preferences for the lifetime of the
// process. Useful default and test double.
type MemoryPreferenceStore struct {
	mu    sync.Mutex
	prefs *Preferences
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{}
}

func (s *MemoryPreferenceStore) Load() (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return nil, nil
	}
	copied := *s.prefs
	return &copied, nil
}

func (s *MemoryPreferenceStore) Save(prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = &prefs
	return nil
}

// FilePreferenceStore persists preferences as a small JSON file, the
// module's stand-in for browser local storage.
type FilePreferenceStore struct {
	mu   sync.Mutex
	path string
}

func NewFilePreferenceStore(path string) *FilePreferenceStore {
	return &FilePreferenceStore{path: path}
}

func (s *FilePreferenceStore) Load() (*Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (s *FilePreferenceStore) Save(prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
