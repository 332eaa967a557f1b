package engine

import (
	"io"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/jshost/hostfunc"
	"github.com/caffeineduck/jshost/module"
	"github.com/caffeineduck/jshost/promise"
	"go.uber.org/zap"
)

// Option configures an Engine at creation time.
type Option func(*engineConfig)

type engineConfig struct {
	logger           *zap.Logger
	loader           module.Loader
	hostFuncs        *hostfunc.Registry
	rejections       promise.Handler
	console          bool
	consoleOut       io.Writer
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (4GB)
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		console: true,
	}
}

// WithLogger sets the logger for the engine and every context it creates.
func WithLogger(l *zap.Logger) Option {
	return func(c *engineConfig) {
		c.logger = l
	}
}

// WithLoader sets the default module loader for new contexts.
func WithLoader(l module.Loader) Option {
	return func(c *engineConfig) {
		c.loader = l
	}
}

// WithHostFuncs installs every function of the registry as a global in each
// new context.
func WithHostFuncs(r *hostfunc.Registry) Option {
	return func(c *engineConfig) {
		c.hostFuncs = r
	}
}

// WithRejectionHandler receives promise rejections left unhandled at the end
// of a top-level operation.
func WithRejectionHandler(h promise.Handler) Option {
	return func(c *engineConfig) {
		c.rejections = h
	}
}

// WithConsole enables or disables the console global. Enabled by default.
func WithConsole(enabled bool) Option {
	return func(c *engineConfig) {
		c.console = enabled
	}
}

// WithConsoleOutput writes console output to w, one line per call, instead
// of only logging it.
func WithConsoleOutput(w io.Writer) Option {
	return func(c *engineConfig) {
		c.console = true
		c.consoleOut = w
	}
}

// WithCompilationCache enables a persistent compilation cache for wasm
// modules. Optionally provide a directory; otherwise ~/.cache/jshost or
// XDG_CACHE_HOME/jshost is used.
//
// Examples:
//
//	engine.New(engine.WithCompilationCache())            // default dir
//	engine.New(engine.WithCompilationCache("/tmp/cache")) // custom dir
func WithCompilationCache(dir ...string) Option {
	return func(c *engineConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to wasm modules.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *engineConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "jshost")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "jshost")
	}
	return filepath.Join(os.TempDir(), "jshost-cache")
}

// ContextOption configures a Context at creation time.
type ContextOption func(*contextConfig)

type contextConfig struct {
	loader  module.Loader
	globals map[string]any
}

// WithContextLoader overrides the engine's default loader for one context.
func WithContextLoader(l module.Loader) ContextOption {
	return func(c *contextConfig) {
		c.loader = l
	}
}

// WithGlobals projects each value into the context's global object.
func WithGlobals(globals map[string]any) ContextOption {
	return func(c *contextConfig) {
		if c.globals == nil {
			c.globals = make(map[string]any, len(globals))
		}
		maps.Copy(c.globals, globals)
	}
}

// EvalOption configures one EvaluateModule call.
type EvalOption func(*evalConfig)

type evalConfig struct {
	namespace bool
	await     bool
	timeout   time.Duration
}

// WithNamespace returns the module namespace object instead of the default
// export.
func WithNamespace() EvalOption {
	return func(c *evalConfig) {
		c.namespace = true
	}
}

// WithAwait settles a promise result before returning it.
func WithAwait() EvalOption {
	return func(c *evalConfig) {
		c.await = true
	}
}

// WithTimeout bounds evaluation; the script is interrupted when it expires.
func WithTimeout(d time.Duration) EvalOption {
	return func(c *evalConfig) {
		c.timeout = d
	}
}
