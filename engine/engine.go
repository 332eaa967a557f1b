package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/jshost/promise"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Engine owns the process-level resources shared by its contexts: the wasm
// runtime and compiled-module cache, the release queue and its worker, and
// the unhandled rejection tracker. Only Dispose frees them.
type Engine struct {
	cfg     engineConfig
	log     *zap.Logger
	tracker *promise.Tracker
	queue   *releaseQueue

	wasm      wazero.Runtime
	wasmCache wazero.CompilationCache
	compiled  map[[sha256.Size]byte]wazero.CompiledModule
	compileMu sync.RWMutex

	mu       sync.Mutex
	contexts map[*Context]struct{}
	disposed bool

	pinned    atomic.Int64
	released  atomic.Int64
	dropped   atomic.Int64
	collected atomic.Int64
	failed    atomic.Int64
}

// Stats is a snapshot of engine-wide counters.
type Stats struct {
	Contexts        int
	Pinned          int64 // handles currently held across all contexts
	ReleasesQueued  int64
	Released        int64
	ReleasesDropped int64
	Collected       int64
	ReleaseFailures int64
}

// New creates an Engine. It fails with ErrPlatformUnsupported on platforms
// outside the supported matrix.
func New(opts ...Option) (*Engine, error) {
	if err := CheckPlatform(); err != nil {
		return nil, err
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = Logger()
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		dir := cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		tracker:   promise.NewTracker(cfg.rejections, log),
		wasm:      rt,
		wasmCache: cache,
		compiled:  make(map[[sha256.Size]byte]wazero.CompiledModule),
		contexts:  make(map[*Context]struct{}),
	}
	e.queue = newReleaseQueue(log)

	log.Debug("engine created")
	return e, nil
}

// Tracker returns the engine's unhandled rejection tracker.
func (e *Engine) Tracker() *promise.Tracker { return e.tracker }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := len(e.contexts)
	e.mu.Unlock()
	return Stats{
		Contexts:        n,
		Pinned:          e.pinned.Load(),
		ReleasesQueued:  e.queue.enqueued.Load(),
		Released:        e.released.Load(),
		ReleasesDropped: e.dropped.Load(),
		Collected:       e.collected.Load(),
		ReleaseFailures: e.failed.Load(),
	}
}

// Dispose releases everything the engine owns. It fails with
// ErrInvalidOperation while contexts are still live, otherwise waits until
// every queued release has been processed. Calling it again is a no-op.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	if n := len(e.contexts); n > 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d live contexts", ErrInvalidOperation, n)
	}
	e.disposed = true
	e.mu.Unlock()

	e.queue.drain()
	e.queue.stop()

	ctx := context.Background()
	var errs []error
	if err := e.wasm.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.wasmCache != nil {
		if err := e.wasmCache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Debug("engine disposed", zap.Int64("released", e.released.Load()))
	return errors.Join(errs...)
}

func (e *Engine) removeContext(c *Context) {
	e.mu.Lock()
	delete(e.contexts, c)
	e.mu.Unlock()
}

// compileWasm returns a cached compiled module, compiling if necessary.
func (e *Engine) compileWasm(ctx context.Context, bin []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(bin)

	e.compileMu.RLock()
	if compiled, ok := e.compiled[sum]; ok {
		e.compileMu.RUnlock()
		return compiled, nil
	}
	e.compileMu.RUnlock()

	e.compileMu.Lock()
	defer e.compileMu.Unlock()

	if compiled, ok := e.compiled[sum]; ok {
		return compiled, nil
	}

	compiled, err := e.wasm.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile wasm: %w", err)
	}
	e.compiled[sum] = compiled
	return compiled, nil
}
