package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DefaultMaxFileSize   = 10 << 20 // 10MB
	DefaultMaxPathLength = 4096
)

// DefaultExtensions are tried, in order, for specifiers without a matching
// file.
var DefaultExtensions = []string{".js", ".mjs", ".ts", ".json"}

// Mount maps a virtual path prefix seen by scripts to a host directory.
type Mount struct {
	VirtualPath string // Path as seen by scripts (e.g., "/lib")
	HostPath    string // Actual path on host filesystem
}

// FSOption configures an FS loader.
type FSOption func(*FS)

// WithMaxFileSize sets the maximum module file size.
func WithMaxFileSize(size int64) FSOption {
	return func(f *FS) {
		f.maxFileSize = size
	}
}

// WithMaxPathLength sets the maximum specifier length.
func WithMaxPathLength(length int) FSOption {
	return func(f *FS) {
		f.maxPathLength = length
	}
}

// WithExtensions replaces the extensions probed for extensionless
// specifiers. Pass none to disable probing.
func WithExtensions(exts ...string) FSOption {
	return func(f *FS) {
		f.extensions = exts
	}
}

// FS loads modules from host directories through explicit mount points.
// Mounts are read-only; nothing outside a mount is reachable.
type FS struct {
	mounts        []Mount
	maxFileSize   int64
	maxPathLength int
	extensions    []string
	mu            sync.RWMutex
}

// NewFS creates a filesystem loader with the given mounts.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{
		maxFileSize:   DefaultMaxFileSize,
		maxPathLength: DefaultMaxPathLength,
		extensions:    DefaultExtensions,
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, m := range mounts {
		f.Mount(m)
	}
	return f
}

// Mount adds a mount point. Invalid host paths are ignored.
func (f *FS) Mount(m Mount) {
	// Ensure virtual path starts with / and has no trailing slash
	vp := "/" + strings.Trim(m.VirtualPath, "/")
	hp, err := filepath.Abs(m.HostPath)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.mounts = append(f.mounts, Mount{VirtualPath: vp, HostPath: hp})
	f.mu.Unlock()
}

// resolve maps a virtual path to a host path.
func (f *FS) resolve(virtualPath string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	vp := filepath.ToSlash(filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/")))

	for _, m := range f.mounts {
		if m.VirtualPath == "/" || vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			relPath := strings.TrimPrefix(vp, m.VirtualPath)
			if m.VirtualPath == "/" {
				relPath = vp
			}
			hostPath := filepath.Join(m.HostPath, filepath.FromSlash(relPath))

			absHostPath, err := filepath.Abs(hostPath)
			if err != nil {
				return "", errors.New("invalid path")
			}
			if absHostPath != m.HostPath && !strings.HasPrefix(absHostPath, m.HostPath+string(filepath.Separator)) {
				return "", errors.New("permission denied: path escape attempt")
			}
			return absHostPath, nil
		}
	}

	return "", fmt.Errorf("%w: %s is not in any mount", ErrNotFound, virtualPath)
}

func (f *FS) Fetch(ctx context.Context, specifier string) (Source, error) {
	if Key(specifier).IsURL() {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
	}
	if len(specifier) > f.maxPathLength {
		return Source{}, errors.New("path exceeds max length")
	}

	vp := "/" + strings.TrimPrefix(specifier, "/")
	candidates := []string{vp}
	if filepath.Ext(vp) == "" {
		for _, ext := range f.extensions {
			candidates = append(candidates, vp+ext)
		}
		for _, ext := range f.extensions {
			candidates = append(candidates, strings.TrimSuffix(vp, "/")+"/index"+ext)
		}
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return Source{}, err
		}
		hostPath, err := f.resolve(candidate)
		if err != nil {
			return Source{}, err
		}
		info, err := os.Stat(hostPath)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > f.maxFileSize {
			return Source{}, fmt.Errorf("module %s exceeds max size (%d > %d)", specifier, info.Size(), f.maxFileSize)
		}
		data, err := readLimited(hostPath, f.maxFileSize)
		if err != nil {
			return Source{}, fmt.Errorf("read %s: %w", specifier, err)
		}
		return sourceFromData(candidate, data), nil
	}

	return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
}

func readLimited(path string, limit int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, limit))
}
