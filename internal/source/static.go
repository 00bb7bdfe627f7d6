package source

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-memory Source. It backs tests and the built-in skill
// catalog and keeps every version ever put.
type Static struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Content // name → version → content
	latest  map[string]string              // name → most recently put version
}

// NewStatic creates an empty in-memory source.
func NewStatic() *Static {
	return &Static{
		entries: make(map[string]map[string]*Content),
		latest:  make(map[string]string),
	}
}

// Put registers content for a name and version and marks that version as
// the latest. An empty version stores content with no declared version.
func (s *Static) Put(name, version, text string) {
	s.PutContent(&Content{Name: name, Text: text, DeclaredVersion: version})
}

// PutContent registers a full content record, keyed by its declared version.
func (s *Static) PutContent(c *Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.entries[c.Name]
	if versions == nil {
		versions = make(map[string]*Content)
		s.entries[c.Name] = versions
	}
	cp := *c
	versions[c.DeclaredVersion] = &cp
	s.latest[c.Name] = c.DeclaredVersion
}

// Fetch returns the requested version, or the most recently put one when
// version is empty.
func (s *Static) Fetch(ctx context.Context, name, version string) (*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.entries[name]
	if versions == nil {
		return nil, ErrNotFound
	}
	if version == "" {
		version = s.latest[name]
	}
	c, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// List returns all known skill names, sorted.
func (s *Static) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Save implements Writer.
func (s *Static) Save(ctx context.Context, c *Content) error {
	s.PutContent(c)
	return nil
}
