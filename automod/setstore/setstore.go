package setstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Named sets of strings: trusted seller IDs, sensitive terms per action, etc.
type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
	Members(ctx context.Context, name string) ([]string, error)
}

type MemSetStore struct {
	lk   *sync.RWMutex
	Sets map[string]map[string]bool
}

var _ SetStore = MemSetStore{}

func NewMemSetStore() MemSetStore {
	return MemSetStore{
		lk:   &sync.RWMutex{},
		Sets: make(map[string]map[string]bool),
	}
}

func (s MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	set, ok := s.Sets[name]
	if !ok {
		// NOTE: currently returns false when entire set isn't found
		return false, nil
	}
	return set[val], nil
}

// Returns members in sorted order; an unknown set is empty.
func (s MemSetStore) Members(ctx context.Context, name string) ([]string, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := make([]string, 0, len(s.Sets[name]))
	for v := range s.Sets[name] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// Replaces the named set.
func (s MemSetStore) Put(name string, vals []string) {
	m := make(map[string]bool, len(vals))
	for _, val := range vals {
		m[val] = true
	}
	s.lk.Lock()
	s.Sets[name] = m
	s.lk.Unlock()
}

// Loads a file mapping set names to lists of values. Format is chosen by extension (.json, .yaml or .yml).
func (s MemSetStore) LoadFromFile(p string) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}

	var sets map[string][]string
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json":
		err = json.Unmarshal(raw, &sets)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &sets)
	default:
		return fmt.Errorf("unsupported set file type: %s", p)
	}
	if err != nil {
		return fmt.Errorf("parsing set file %s: %w", p, err)
	}

	for name, l := range sets {
		s.Put(name, l)
	}
	return nil
}
