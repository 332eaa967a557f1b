package hostfunc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFilesReadOnly(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello world"), 0644)

	fs := NewFiles([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: MountReadOnly}})

	content, err := fs.Read("/data/test.txt")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if content != "hello world" {
		t.Errorf("expected 'hello world', got %q", content)
	}

	if err := fs.Write("/data/test.txt", "modified"); err == nil {
		t.Error("expected write to fail on read-only mount")
	}
	if err := fs.Remove("/data/test.txt"); err == nil {
		t.Error("expected remove to fail on read-only mount")
	}
}

func TestFilesReadWrite(t *testing.T) {
	dir := t.TempDir()
	testFile := filepath.Join(dir, "test.txt")
	os.WriteFile(testFile, []byte("original"), 0644)

	fs := NewFiles([]Mount{{VirtualPath: "/output", HostPath: dir, Mode: MountReadWrite}})

	if err := fs.Write("/output/test.txt", "modified"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	content, _ := os.ReadFile(testFile)
	if string(content) != "modified" {
		t.Errorf("expected 'modified', got %q", content)
	}

	if err := fs.Write("/output/new.txt", "new"); err == nil {
		t.Error("expected creating new file to fail on MountReadWrite")
	}
	if err := fs.Mkdir("/output/sub"); err == nil {
		t.Error("expected mkdir to fail on MountReadWrite")
	}
}

func TestFilesReadWriteCreate(t *testing.T) {
	dir := t.TempDir()
	fs := NewFiles([]Mount{{VirtualPath: "/workspace", HostPath: dir, Mode: MountReadWriteCreate}})

	if err := fs.Write("/workspace/new.txt", "created"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(dir, "new.txt"))
	if string(content) != "created" {
		t.Errorf("expected 'created', got %q", content)
	}

	if err := fs.Mkdir("/workspace/subdir"); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "subdir"))
	if err != nil || !info.IsDir() {
		t.Error("expected directory to be created")
	}

	if err := fs.Remove("/workspace/new.txt"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if fs.Exists("/workspace/new.txt") {
		t.Error("expected file to be removed")
	}
}

func TestFilesList(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("1"), 0644)
	os.WriteFile(filepath.Join(dir, "file2.txt"), []byte("22"), 0644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0755)

	fs := NewFiles([]Mount{{VirtualPath: "/data", HostPath: dir, Mode: MountReadOnly}})

	entries, err := fs.List("/data")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	byName := make(map[string]FileEntry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	if byName["file2.txt"].Size != 2 {
		t.Errorf("expected size 2, got %d", byName["file2.txt"].Size)
	}
	if !byName["subdir"].IsDir {
		t.Error("expected subdir to be a directory")
	}
}

func TestFilesStat(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0644)

	fs := NewFiles([]Mount{{VirtualPath: "/data", HostPath: dir}})

	entry, err := fs.Stat("/data/a.txt")
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if entry.Name != "a.txt" || entry.Size != 3 || entry.IsDir {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.ModTime.IsZero() {
		t.Error("expected mod time")
	}

	if _, err := fs.Stat("/data/missing.txt"); err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("expected file not found, got %v", err)
	}
}

func TestFilesPathEscape(t *testing.T) {
	dir := t.TempDir()
	fs := NewFiles([]Mount{{VirtualPath: "/data", HostPath: dir}})

	tests := []string{
		"/data/../etc/passwd",
		"/data/../../etc/passwd",
		"/etc/passwd",
		"/datax/file",
	}
	for _, p := range tests {
		if _, err := fs.Read(p); err == nil || !strings.Contains(err.Error(), "permission denied") {
			t.Errorf("Read(%q): expected permission denied, got %v", p, err)
		}
	}
	if fs.Exists("/etc/passwd") {
		t.Error("paths outside mounts should not exist")
	}
}

func TestFilesSiblingPrefixEscape(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "data")
	sibling := filepath.Join(root, "data-secret")
	os.Mkdir(inside, 0755)
	os.Mkdir(sibling, 0755)
	os.WriteFile(filepath.Join(sibling, "key"), []byte("secret"), 0644)

	fs := NewFiles([]Mount{{VirtualPath: "/", HostPath: inside}})
	if _, err := fs.Read("/../data-secret/key"); err == nil {
		t.Error("expected sibling directory to be unreachable")
	}
}

func TestFilesMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "big.txt"), []byte(strings.Repeat("x", 100)), 0644)

	fs := NewFiles([]Mount{{VirtualPath: "/data", HostPath: dir}}, WithMaxFileSize(10))
	if _, err := fs.Read("/data/big.txt"); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestFilesMaxWriteSize(t *testing.T) {
	dir := t.TempDir()
	fs := NewFiles([]Mount{{VirtualPath: "/w", HostPath: dir, Mode: MountReadWriteCreate}}, WithMaxWriteSize(4))
	if err := fs.Write("/w/a.txt", "12345"); err == nil {
		t.Error("expected write size limit")
	}
}

func TestFilesRemoveNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "full"), 0755)
	os.WriteFile(filepath.Join(dir, "full", "f"), []byte("x"), 0644)

	fs := NewFiles([]Mount{{VirtualPath: "/w", HostPath: dir, Mode: MountReadWrite}})
	if err := fs.Remove("/w/full"); err == nil {
		t.Error("expected error removing non-empty directory")
	}
}
