package module

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Map is an in-memory Loader. Specifiers are canonicalised the way imports
// are, so "lib.js" is found by `import "./lib.js"` from "main.js".
type Map struct {
	sources map[Key]Source
	mu      sync.RWMutex
}

// NewMap creates a Map preloaded with script sources.
func NewMap(scripts ...map[string]string) *Map {
	m := &Map{sources: make(map[Key]Source)}
	for _, set := range scripts {
		for spec, text := range set {
			m.Set(spec, sourceForName(spec, text))
		}
	}
	return m
}

func sourceForName(name, text string) Source {
	src := sourceFromData(name, []byte(text))
	src.Name = ""
	return src
}

// Set stores src under specifier.
func (m *Map) Set(specifier string, src Source) {
	m.mu.Lock()
	m.sources[KeyFor("", specifier)] = src
	m.mu.Unlock()
}

// SetScript stores script text under specifier, picking the kind from its
// extension.
func (m *Map) SetScript(specifier, text string) {
	m.Set(specifier, sourceForName(specifier, text))
}

// Delete removes specifier.
func (m *Map) Delete(specifier string) {
	m.mu.Lock()
	delete(m.sources, KeyFor("", specifier))
	m.mu.Unlock()
}

// Specifiers lists the stored keys in sorted order.
func (m *Map) Specifiers() []string {
	m.mu.RLock()
	keys := lo.Map(lo.Keys(m.sources), func(k Key, _ int) string { return string(k) })
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

func (m *Map) Fetch(ctx context.Context, specifier string) (Source, error) {
	m.mu.RLock()
	src, ok := m.sources[Key(specifier)]
	m.mu.RUnlock()
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
	}
	return src, nil
}
