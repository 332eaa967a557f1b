package hostfunc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

const (
	DefaultMaxFileSize  = 10 << 20
	DefaultMaxWriteSize = 10 << 20
)

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by script code (e.g., "/data")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

// Files is the importable "fs" module: file access restricted to explicit
// mount points.
//
//	import fs from "fs"
//	const text = fs.read("/data/input.txt")
type Files struct {
	mounts       []Mount
	maxFileSize  int64
	maxWriteSize int64
}

// FilesOption configures Files.
type FilesOption func(*Files)

func WithMaxFileSize(n int64) FilesOption {
	return func(f *Files) { f.maxFileSize = n }
}

func WithMaxWriteSize(n int64) FilesOption {
	return func(f *Files) { f.maxWriteSize = n }
}

// NewFiles creates the module over the given mount points. Mounts whose
// host path cannot be made absolute are skipped.
func NewFiles(mounts []Mount, opts ...FilesOption) *Files {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	f := &Files{
		mounts:       normalized,
		maxFileSize:  DefaultMaxFileSize,
		maxWriteSize: DefaultMaxWriteSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Files) ModuleName() string { return "fs" }

func (f *Files) ModuleDescription() string {
	return "Filesystem access limited to mounted directories."
}

// findMount returns the mount with the longest virtual prefix of vp.
func (f *Files) findMount(vp string) *Mount {
	var best *Mount
	for i := range f.mounts {
		m := &f.mounts[i]
		if m.VirtualPath == "/" || vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			if best == nil || len(m.VirtualPath) > len(best.VirtualPath) {
				best = m
			}
		}
	}
	return best
}

// resolve maps a virtual path to a host path and its mount.
func (f *Files) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	if virtualPath == "" {
		return "", nil, errors.New("path required")
	}
	vp := filepath.ToSlash(filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/")))

	m := f.findMount(vp)
	if m == nil {
		return "", nil, errors.New("permission denied: path not in any mount")
	}
	if needWrite && m.Mode == MountReadOnly {
		return "", nil, errors.New("permission denied: read-only mount")
	}

	rel := strings.TrimPrefix(vp, m.VirtualPath)
	hostPath, err := filepath.Abs(filepath.Join(m.HostPath, filepath.FromSlash(rel)))
	if err != nil {
		return "", nil, errors.New("invalid path")
	}
	if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
		return "", nil, errors.New("permission denied: path escape attempt")
	}
	return hostPath, m, nil
}

// Read returns the contents of a file.
func (f *Files) Read(path string) (string, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return "", err
	}

	file, err := os.Open(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.New("file not found: " + path)
		}
		return "", fmt.Errorf("read error: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, f.maxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	if int64(len(data)) > f.maxFileSize {
		return "", fmt.Errorf("file too large: %s (max %d bytes)", path, f.maxFileSize)
	}
	return string(data), nil
}

// Write replaces the contents of a file. New files need a
// MountReadWriteCreate mount.
func (f *Files) Write(path, content string) error {
	if int64(len(content)) > f.maxWriteSize {
		return fmt.Errorf("content too large (max %d bytes)", f.maxWriteSize)
	}
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return errors.New("permission denied: cannot create new files")
	}
	if err := os.WriteFile(hostPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return nil
}

// List returns the entries of a directory.
func (f *Files) List(path string) ([]FileEntry, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("directory not found: " + path)
		}
		return nil, fmt.Errorf("list error: %w", err)
	}

	out := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		item := FileEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
			item.ModTime = info.ModTime()
		}
		out = append(out, item)
	}
	return out, nil
}

// Exists reports whether path exists. Paths outside every mount do not.
func (f *Files) Exists(path string) bool {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return false
	}
	_, err = os.Stat(hostPath)
	return err == nil
}

// Mkdir creates a directory and its parents.
func (f *Files) Mkdir(path string) error {
	hostPath, m, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if m.Mode != MountReadWriteCreate {
		return errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return fmt.Errorf("mkdir error: %w", err)
	}
	return nil
}

// Remove deletes a file or empty directory.
func (f *Files) Remove(path string) error {
	hostPath, _, err := f.resolve(path, true)
	if err != nil {
		return err
	}
	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return errors.New("file not found: " + path)
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.ENOTEMPTY) {
			return errors.New("directory not empty: " + path)
		}
		return fmt.Errorf("remove error: %w", err)
	}
	return nil
}

// Stat describes a file or directory.
func (f *Files) Stat(path string) (FileEntry, error) {
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return FileEntry{}, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileEntry{}, errors.New("file not found: " + path)
		}
		return FileEntry{}, fmt.Errorf("stat error: %w", err)
	}
	return FileEntry{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}
