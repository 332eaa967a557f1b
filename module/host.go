package module

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/caffeineduck/jshost/projection"
)

// Host serves Go values as importable modules under their module names.
type Host struct {
	mu      sync.RWMutex
	modules map[string]any
	infos   map[string]projection.ModuleInfo
}

// NewHost registers mods. Every value must carry module metadata.
func NewHost(mods ...any) (*Host, error) {
	h := &Host{
		modules: make(map[string]any),
		infos:   make(map[string]projection.ModuleInfo),
	}
	for _, mod := range mods {
		if err := h.Register(mod); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Register adds a host module, replacing any module with the same name.
func (h *Host) Register(mod any) error {
	info, err := projection.ModuleInfoOf(mod)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.modules[info.Name] = mod
	h.infos[info.Name] = info
	h.mu.Unlock()
	return nil
}

// Modules lists registered module metadata sorted by name.
func (h *Host) Modules() []projection.ModuleInfo {
	h.mu.RLock()
	out := make([]projection.ModuleInfo, 0, len(h.infos))
	for _, info := range h.infos {
		out = append(out, info)
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b projection.ModuleInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (h *Host) Fetch(ctx context.Context, specifier string) (Source, error) {
	h.mu.RLock()
	mod, ok := h.modules[specifier]
	h.mu.RUnlock()
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
	}
	return Source{Kind: KindHost, Name: specifier, Value: mod}, nil
}
