// Package remedies serves the static disease label to remedy text mapping.
package remedies

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// Store lazily reads a JSON object of label -> []string on first use. A
// missing file yields an empty mapping. Once loaded the mapping is read-only.
type Store struct {
	path string

	mu     sync.Mutex
	loaded bool
	byName map[string][]string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Lookup returns a copy of the remedies for label, or an empty slice when the
// label is unknown.
func (s *Store) Lookup(label string) ([]string, error) {
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	return append([]string{}, m[label]...), nil
}

// Len reports the number of labels with remedies.
func (s *Store) Len() (int, error) {
	m, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

func (s *Store) load() (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.byName, nil
	}

	m, err := readFile(s.path)
	if err != nil {
		return nil, err
	}
	s.byName = m
	s.loaded = true
	return m, nil
}

func readFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("remedies file not found, serving no remedies", "path", path)
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read remedies %s: %w", path, err)
	}

	m := make(map[string][]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse remedies %s: %w", path, err)
	}
	return m, nil
}
