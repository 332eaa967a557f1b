package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/jshost/engine"
	"github.com/caffeineduck/jshost/hostfunc"
	"github.com/caffeineduck/jshost/module"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "jshost [file]",
	Short: "Embedded JavaScript module host",
	Long: `jshost - Evaluate JavaScript and TypeScript modules in an embedded engine.

Run modules from files, inline strings, or stdin. Imports resolve against the
module's directory. Scripts have no access to the network, filesystem, or
other host resources unless enabled explicitly with flags.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable wasm compilation cache")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")

	addRunFlags(rootCmd)
}

var errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))

// printError writes err to w, styled when w is a terminal.
func printError(w io.Writer, err error) {
	prefix := "Error:"
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prefix = errorStyle.Render(prefix)
	}
	fmt.Fprintf(w, "%s %v\n", prefix, err)

	var se *engine.ScriptError
	if errors.As(err, &se) && se.Stack != "" {
		fmt.Fprintln(w, se.Stack)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode hostfunc.MountMode
	switch parts[2] {
	case "ro":
		mode = hostfunc.MountReadOnly
	case "rw":
		mode = hostfunc.MountReadWrite
	case "rwc":
		mode = hostfunc.MountReadWriteCreate
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return engine.MemoryLimit1MB
	case "16mb":
		return engine.MemoryLimit16MB
	case "64mb":
		return engine.MemoryLimit64MB
	case "256mb":
		return engine.MemoryLimit256MB
	case "1gb":
		return engine.MemoryLimit1GB
	default:
		return 0 // use default
	}
}

// hostConfig selects the capabilities and module sources exposed to scripts.
type hostConfig struct {
	ModuleDir    string           `yaml:"module_dir"`
	VendorDir    string           `yaml:"vendor_dir"`
	KV           bool             `yaml:"kv"`
	Builtins     bool             `yaml:"builtins"`
	AllowedHosts []string         `yaml:"allow_hosts"`
	Mounts       []hostfunc.Mount `yaml:"-"`
	MountSpecs   []string         `yaml:"mounts"`

	HTTPMaxURL  int   `yaml:"http_max_url"`
	HTTPMaxBody int64 `yaml:"http_max_body"`
	FSMaxFile   int64 `yaml:"fs_max_file"`
	FSMaxWrite  int64 `yaml:"fs_max_write"`
}

func addHostFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("kv", false, "Enable the kv module")
	cmd.Flags().Bool("builtins", false, "Install host function globals (time_now, and kv_* with --kv)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP imports and the http module to reach host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem for the fs module virtual:host:mode (repeatable)")
	cmd.Flags().String("vendor", "", "Directory of vendored URL modules (see 'jshost vendor')")
	cmd.Flags().String("memory", "256mb", "Wasm memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")

	// Security limits
	cmd.Flags().Int("http-max-url", 8192, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", 1024*1024, "Max HTTP response body size")
	cmd.Flags().Int64("fs-max-file", 10*1024*1024, "Max file read size")
	cmd.Flags().Int64("fs-max-write", 10*1024*1024, "Max file write size")
}

// hostConfigFromFlags reads the flags added by addHostFlags. Flags left at
// their defaults keep the values already in base.
func hostConfigFromFlags(cmd *cobra.Command, base hostConfig) (hostConfig, error) {
	cfg := base
	flags := cmd.Flags()
	if kv, _ := flags.GetBool("kv"); kv {
		cfg.KV = true
	}
	if builtins, _ := flags.GetBool("builtins"); builtins {
		cfg.Builtins = true
	}
	if hosts, _ := flags.GetStringSlice("allow-host"); len(hosts) > 0 {
		cfg.AllowedHosts = append(cfg.AllowedHosts, hosts...)
	}
	if specs, _ := flags.GetStringSlice("mount"); len(specs) > 0 {
		cfg.MountSpecs = append(cfg.MountSpecs, specs...)
	}
	if dir, _ := flags.GetString("vendor"); dir != "" {
		cfg.VendorDir = dir
	}
	if cfg.HTTPMaxURL == 0 || flags.Changed("http-max-url") {
		cfg.HTTPMaxURL, _ = flags.GetInt("http-max-url")
	}
	if cfg.HTTPMaxBody == 0 || flags.Changed("http-max-body") {
		cfg.HTTPMaxBody, _ = flags.GetInt64("http-max-body")
	}
	if cfg.FSMaxFile == 0 || flags.Changed("fs-max-file") {
		cfg.FSMaxFile, _ = flags.GetInt64("fs-max-file")
	}
	if cfg.FSMaxWrite == 0 || flags.Changed("fs-max-write") {
		cfg.FSMaxWrite, _ = flags.GetInt64("fs-max-write")
	}

	cfg.Mounts = nil
	for _, spec := range cfg.MountSpecs {
		m, err := parseMount(spec)
		if err != nil {
			return hostConfig{}, err
		}
		cfg.Mounts = append(cfg.Mounts, m)
	}
	return cfg, nil
}

// hostEnv is what a hostConfig exposes to an engine.
type hostEnv struct {
	loader module.Loader
	funcs  *hostfunc.Registry // nil without --builtins
}

// build assembles the module loader (host modules first, then files under
// ModuleDir, then vendored URL modules, then the network) and the global
// host functions. The kv module and the kv_* globals share one store.
func (c hostConfig) build() (hostEnv, error) {
	var env hostEnv
	var mods []any
	var store *hostfunc.KVStore
	if c.KV {
		store = hostfunc.NewKV(hostfunc.DefaultKVConfig())
		mods = append(mods, store)
	}
	if c.Builtins {
		env.funcs = hostfunc.NewRegistry()
		hostfunc.RegisterBuiltins(env.funcs)
		if store != nil {
			hostfunc.RegisterKV(env.funcs, store)
		}
	}
	if len(c.Mounts) > 0 {
		var opts []hostfunc.FilesOption
		if c.FSMaxFile > 0 {
			opts = append(opts, hostfunc.WithMaxFileSize(c.FSMaxFile))
		}
		if c.FSMaxWrite > 0 {
			opts = append(opts, hostfunc.WithMaxWriteSize(c.FSMaxWrite))
		}
		mods = append(mods, hostfunc.NewFiles(c.Mounts, opts...))
	}
	if len(c.AllowedHosts) > 0 {
		mods = append(mods, hostfunc.NewHTTP(hostfunc.HTTPConfig{
			AllowedHosts: c.AllowedHosts,
			MaxBodySize:  c.HTTPMaxBody,
			MaxURLLength: c.HTTPMaxURL,
		}))
	}

	var loaders []module.Loader
	if len(mods) > 0 {
		host, err := module.NewHost(mods...)
		if err != nil {
			return hostEnv{}, err
		}
		loaders = append(loaders, host)
	}
	if c.ModuleDir != "" {
		var opts []module.FSOption
		if c.FSMaxFile > 0 {
			opts = append(opts, module.WithMaxFileSize(c.FSMaxFile))
		}
		loaders = append(loaders, module.NewFS(
			[]module.Mount{{VirtualPath: "/", HostPath: c.ModuleDir}}, opts...))
	}
	if c.VendorDir != "" {
		loaders = append(loaders, vendored(c.VendorDir))
	}
	if len(c.AllowedHosts) > 0 {
		loaders = append(loaders, module.NewCached(module.NewHTTP(module.HTTPConfig{
			AllowedHosts: c.AllowedHosts,
			MaxBodySize:  c.HTTPMaxBody,
			MaxURLLength: c.HTTPMaxURL,
		})))
	}
	env.loader = module.Chain(loaders...)
	return env, nil
}

// newEngine creates an engine from the persistent flags. Console output
// goes to out.
func newEngine(cmd *cobra.Command, env hostEnv, out io.Writer, memory string) (*engine.Engine, error) {
	noCache, _ := cmd.Root().PersistentFlags().GetBool("no-cache")
	level, _ := cmd.Root().PersistentFlags().GetString("log-level")

	log, err := newLogger(level)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithLoader(env.loader),
		engine.WithConsoleOutput(out),
	}
	if env.funcs != nil {
		opts = append(opts, engine.WithHostFuncs(env.funcs))
	}
	if !noCache {
		opts = append(opts, engine.WithCompilationCache())
	}
	if pages := parseMemoryLimit(memory); pages > 0 {
		opts = append(opts, engine.WithMemoryLimit(pages))
	}
	return engine.New(opts...)
}

// evaluate runs source as a module in c and renders its default export:
// strings as-is, undefined as nothing, everything else as JSON.
func evaluate(ctx context.Context, c *engine.Context, source, name string, opts ...engine.EvalOption) (string, error) {
	var out string
	err := c.Do(ctx, func(ctx context.Context) error {
		v, err := c.EvaluateModule(ctx, source, name, opts...)
		if err != nil {
			return err
		}
		defer v.Dispose()
		out, err = render(ctx, v)
		return err
	})
	return out, err
}

func render(ctx context.Context, v *engine.Value) (string, error) {
	typ, err := v.Type(ctx)
	if err != nil {
		return "", err
	}
	switch typ {
	case "undefined":
		return "", nil
	case "string":
		return v.String(ctx)
	}
	b, err := v.JSON(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// moduleName picks the module name for a source file relative to the module
// root, so relative imports resolve next to it.
func moduleName(filename string) string {
	if filename == "" {
		return "main.js"
	}
	return filepath.Base(filename)
}
