package module

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/caffeineduck/jshost/projection"
)

func TestMapLoader(t *testing.T) {
	m := NewMap(map[string]string{
		"./lib.js":    "export default 1",
		"config.json": `{"a":1}`,
	})
	ctx := context.Background()

	src, err := m.Fetch(ctx, "lib.js")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.Kind != KindScript || src.Text != "export default 1" {
		t.Errorf("unexpected source: %+v", src)
	}

	src, err = m.Fetch(ctx, "config.json")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.Kind != KindJSON {
		t.Errorf("expected json kind, got %s", src.Kind)
	}

	m.Delete("lib.js")
	if _, err := m.Fetch(ctx, "lib.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if got := m.Specifiers(); len(got) != 1 || got[0] != "config.json" {
		t.Errorf("unexpected specifiers: %v", got)
	}
}

func setupTestFS(t *testing.T) (string, *FS) {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"main.js":         "export default 1",
		"lib/util.ts":     "export const x: number = 1",
		"lib/index.js":    "export default 'index'",
		"data.yaml":       "a: 1",
		"bin/module.wasm": "\x00asm\x01\x00\x00\x00",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	return dir, NewFS([]Mount{{VirtualPath: "/app", HostPath: dir}})
}

func TestFSLoader(t *testing.T) {
	_, fs := setupTestFS(t)
	ctx := context.Background()

	src, err := fs.Fetch(ctx, "/app/main.js")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.Text != "export default 1" || src.Name != "/app/main.js" {
		t.Errorf("unexpected source: %+v", src)
	}

	src, err = fs.Fetch(ctx, "/app/lib/util")
	if err != nil {
		t.Fatalf("extension probe failed: %v", err)
	}
	if src.Name != "/app/lib/util.ts" {
		t.Errorf("expected util.ts, got %s", src.Name)
	}

	src, err = fs.Fetch(ctx, "/app/lib")
	if err != nil {
		t.Fatalf("index probe failed: %v", err)
	}
	if src.Name != "/app/lib/index.js" {
		t.Errorf("expected index.js, got %s", src.Name)
	}

	src, err = fs.Fetch(ctx, "/app/data.yaml")
	if err != nil || src.Kind != KindYAML {
		t.Errorf("expected yaml source, got %+v, %v", src, err)
	}

	src, err = fs.Fetch(ctx, "/app/bin/module.wasm")
	if err != nil || src.Kind != KindBytes || len(src.Bytes) != 8 {
		t.Errorf("expected bytes source, got %+v, %v", src, err)
	}
}

func TestFSLoaderNotFound(t *testing.T) {
	_, fs := setupTestFS(t)
	ctx := context.Background()

	if _, err := fs.Fetch(ctx, "/app/missing.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := fs.Fetch(ctx, "/elsewhere/main.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound outside mounts, got %v", err)
	}
	if _, err := fs.Fetch(ctx, "https://example.com/x.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for url, got %v", err)
	}
}

func TestFSLoaderPathEscape(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(filepath.Dir(dir), "secret.js")
	os.WriteFile(secret, []byte("export default 'secret'"), 0o644)
	defer os.Remove(secret)

	fs := NewFS([]Mount{{VirtualPath: "/", HostPath: dir}})
	src, err := fs.Fetch(context.Background(), "/../secret.js")
	if err == nil && strings.Contains(src.Text, "secret") {
		t.Fatal("path escape should not reach files outside the mount")
	}
}

func TestFSLoaderMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "big.js"), []byte(strings.Repeat("x", 100)), 0o644)

	fs := NewFS([]Mount{{VirtualPath: "/", HostPath: dir}}, WithMaxFileSize(10))
	_, err := fs.Fetch(context.Background(), "/big.js")
	if err == nil || !strings.Contains(err.Error(), "exceeds max size") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestHTTPLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mod.js":
			w.Header().Set("Content-Type", "text/javascript")
			w.Write([]byte("export default 'remote'"))
		case "/data":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		case "/big.js":
			w.Write([]byte(strings.Repeat("x", 200)))
		case "/error.js":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	loader := NewHTTP(HTTPConfig{AllowedHosts: []string{u.Hostname()}, MaxBodySize: 100})
	ctx := context.Background()

	src, err := loader.Fetch(ctx, srv.URL+"/mod.js")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.Kind != KindScript || src.Text != "export default 'remote'" {
		t.Errorf("unexpected source: %+v", src)
	}

	src, err = loader.Fetch(ctx, srv.URL+"/data")
	if err != nil || src.Kind != KindJSON {
		t.Errorf("expected json by content type, got %+v, %v", src, err)
	}

	if _, err := loader.Fetch(ctx, srv.URL+"/missing.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := loader.Fetch(ctx, srv.URL+"/big.js"); err == nil {
		t.Error("expected body size error")
	}
	if _, err := loader.Fetch(ctx, srv.URL+"/error.js"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestHTTPLoaderHostNotAllowed(t *testing.T) {
	loader := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	ctx := context.Background()

	_, err := loader.Fetch(ctx, "https://evil.com/x.js")
	if err == nil || !strings.Contains(err.Error(), "host not allowed") {
		t.Errorf("expected host not allowed, got %v", err)
	}

	long := "https://example.com/" + strings.Repeat("a", DefaultMaxURLLength)
	if _, err := loader.Fetch(ctx, long); err == nil {
		t.Error("expected url length error")
	}

	if _, err := loader.Fetch(ctx, "lodash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for bare specifier, got %v", err)
	}
}

func TestHTTPLoaderSubdomain(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}})
	if !h.isHostAllowed("cdn.example.com") {
		t.Error("subdomain should be allowed")
	}
	if h.isHostAllowed("notexample.com") {
		t.Error("suffix without dot should not be allowed")
	}
}

type greeter struct{}

func (greeter) ModuleName() string        { return "greeter" }
func (greeter) ModuleDescription() string { return "says hello" }
func (greeter) Hello(name string) string  { return "hello " + name }

type anonymous struct{}

func TestHostLoader(t *testing.T) {
	h, err := NewHost(greeter{})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}

	src, err := h.Fetch(context.Background(), "greeter")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if src.Kind != KindHost {
		t.Errorf("expected host kind, got %s", src.Kind)
	}
	if mods := h.Modules(); len(mods) != 1 || mods[0].Description != "says hello" {
		t.Errorf("unexpected modules: %+v", mods)
	}

	if _, err := h.Fetch(context.Background(), "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHostLoaderMissingMetadata(t *testing.T) {
	_, err := NewHost(anonymous{})
	if !errors.Is(err, projection.ErrMissingModuleMetadata) {
		t.Errorf("expected ErrMissingModuleMetadata, got %v", err)
	}
}

func TestChainLoader(t *testing.T) {
	first := NewMap(map[string]string{"a.js": "first"})
	second := NewMap(map[string]string{"a.js": "second", "b.js": "second"})
	failing := LoaderFunc(func(ctx context.Context, specifier string) (Source, error) {
		return Source{}, errors.New("broken")
	})
	ctx := context.Background()

	l := Chain(first, nil, second)
	if src, _ := l.Fetch(ctx, "a.js"); src.Text != "first" {
		t.Errorf("expected first loader to win, got %q", src.Text)
	}
	if src, _ := l.Fetch(ctx, "b.js"); src.Text != "second" {
		t.Errorf("expected fallthrough, got %q", src.Text)
	}
	if _, err := l.Fetch(ctx, "c.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	l = Chain(failing, second)
	if _, err := l.Fetch(ctx, "b.js"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected hard error to stop the chain, got %v", err)
	}
}

func TestCachedLoader(t *testing.T) {
	release := make(chan struct{})
	inner := newCountingLoader(LoaderFunc(func(ctx context.Context, specifier string) (Source, error) {
		<-release
		return Script("shared"), nil
	}))
	c := NewCached(inner)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(ctx, "x.js"); err != nil {
				t.Errorf("Fetch failed: %v", err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if _, err := c.Fetch(ctx, "x.js"); err != nil {
		t.Fatalf("cached Fetch failed: %v", err)
	}
	if n := c.Fetches(); n != 1 {
		t.Errorf("expected 1 underlying fetch, got %d", n)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached source, got %d", c.Len())
	}

	c.Invalidate("x.js")
	c.Fetch(ctx, "x.js")
	if n := c.Fetches(); n != 2 {
		t.Errorf("expected refetch after invalidate, got %d", n)
	}
}

func TestCachedLoaderCallerCancellation(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	c := NewCached(LoaderFunc(func(ctx context.Context, specifier string) (Source, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return Source{}, ctx.Err()
		}
		return Script("shared"), nil
	}))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(first, "x.js")
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "x.js")
		secondErr <- err
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled for the cancelled caller, got %v", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Errorf("expected the other caller to succeed, got %v", err)
	}
	if n := c.Fetches(); n != 1 {
		t.Errorf("expected 1 underlying fetch, got %d", n)
	}
}

func TestCachedLoaderDoesNotCacheFailures(t *testing.T) {
	c := NewCached(NewMap())
	ctx := context.Background()

	c.Fetch(ctx, "x.js")
	c.Fetch(ctx, "x.js")
	if n := c.Fetches(); n != 2 {
		t.Errorf("expected failures to be refetched, got %d fetches", n)
	}
}
