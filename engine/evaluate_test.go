package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/jshost/module"
)

func TestEvaluateDefaultExport(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	if n := evalInt(t, c, ctx, `export default 6 * 7`, "main.js"); n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
}

func TestEvaluateNamespace(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	ns, err := c.EvaluateModule(ctx, `
export const name = "demo";
export default 1;
`, "main.js", WithNamespace())
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	name, err := ns.Get(ctx, "name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s, err := name.String(ctx)
	if err != nil || s != "demo" {
		t.Errorf("expected demo, got %q (%v)", s, err)
	}
}

func TestEvaluateNoDefaultExport(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	v, err := c.EvaluateModule(ctx, `export const x = 1;`, "main.js")
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	typ, _ := v.Type(ctx)
	if typ != "undefined" {
		t.Errorf("expected undefined, got %s", typ)
	}
}

// countingLoader counts fetches per key.
type countingLoader struct {
	module.Loader
	mu     sync.Mutex
	counts map[string]int
}

func newCountingLoader(scripts map[string]string) *countingLoader {
	return &countingLoader{Loader: module.NewMap(scripts), counts: make(map[string]int)}
}

func (l *countingLoader) Fetch(ctx context.Context, specifier string) (module.Source, error) {
	l.mu.Lock()
	l.counts[specifier]++
	l.mu.Unlock()
	return l.Loader.Fetch(ctx, specifier)
}

func (l *countingLoader) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}

func TestEvaluateDiamondImports(t *testing.T) {
	loader := newCountingLoader(map[string]string{
		"b.js": `import { d } from "./d.js"; export const b = d + 1;`,
		"c.js": `import { d } from "./d.js"; export const c = d + 2;`,
		"d.js": `export const d = 10;`,
	})
	e := newEngine(t, WithLoader(loader))
	c := newContext(t, e)
	ctx := enter(t, c)

	n := evalInt(t, c, ctx, `
import { b } from "./b.js";
import { c } from "./c.js";
export default b + c;
`, "main.js")
	if n != 23 {
		t.Errorf("expected 23, got %d", n)
	}
	if got := loader.count("d.js"); got != 1 {
		t.Errorf("expected d.js fetched once, got %d", got)
	}
	for _, key := range []module.Key{"main.js", "b.js", "c.js", "d.js"} {
		if st, ok := c.ModuleState(key); !ok || st != module.Ready {
			t.Errorf("%s: expected ready, got %v (%v)", key, st, ok)
		}
	}
}

func TestEvaluateCircularImports(t *testing.T) {
	loader := module.NewMap(map[string]string{
		"b.js": `
import { a } from "./a.js";
export const b = "B";
export function readA() { return a; }
`,
	})
	e := newEngine(t, WithLoader(loader))
	c := newContext(t, e)
	ctx := enter(t, c)

	fn, err := c.EvaluateModule(ctx, `
import { b, readA } from "./b.js";
export const a = "A";
export default () => a + b + readA();
`, "a.js")
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	res, err := fn.Call(ctx)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	s, _ := res.String(ctx)
	if s != "ABA" {
		t.Errorf("expected ABA, got %q", s)
	}

	for _, key := range []module.Key{"a.js", "b.js"} {
		if st, _ := c.ModuleState(key); st != module.Ready {
			t.Errorf("%s: expected ready, got %v", key, st)
		}
	}
}

func TestEvaluateModuleNotFound(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	_, err := c.EvaluateModule(ctx, `import x from "./missing.js"; export default x;`, "main.js")
	var rerr *module.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	if rerr.Specifier != "./missing.js" || rerr.Referrer != "main.js" {
		t.Errorf("unexpected error fields: %+v", rerr)
	}
	if !errors.Is(err, module.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, ok := c.ModuleState("main.js"); ok {
		t.Error("expected the failed root to be forgotten")
	}
}

func TestEvaluateRetryAfterLinkFailure(t *testing.T) {
	loader := module.NewMap(map[string]string{
		"ok.js":  `globalThis.okRuns = (globalThis.okRuns || 0) + 1; export default 40;`,
		"bad.js": `import x from "./missing.js"; export default x;`,
	})
	e := newEngine(t, WithLoader(loader))
	c := newContext(t, e)
	ctx := enter(t, c)

	_, err := c.EvaluateModule(ctx, `
import ok from "./ok.js";
import bad from "./bad.js";
export default ok + bad;
`, "main.js")
	if !errors.Is(err, module.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if st, _ := c.ModuleState("ok.js"); st != module.Declared {
		t.Errorf("expected sibling ok.js to stay declared, got %v", st)
	}
	if st, _ := c.ModuleState("bad.js"); st != module.Errored {
		t.Errorf("expected bad.js errored, got %v", st)
	}

	n := evalInt(t, c, ctx, `import ok from "./ok.js"; export default ok + 2;`, "main.js")
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
	if st, _ := c.ModuleState("ok.js"); st != module.Ready {
		t.Errorf("expected ok.js ready after relinking, got %v", st)
	}
	runs, err := c.Get(ctx, "okRuns")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := As[int](ctx, runs); n != 1 {
		t.Errorf("expected ok.js evaluated once, got %d", n)
	}
}

func TestEvaluateAliasedImportRunsOnce(t *testing.T) {
	dir := t.TempDir()
	lib := `globalThis.libRuns = (globalThis.libRuns || 0) + 1; export default 21;`
	if err := os.WriteFile(filepath.Join(dir, "lib.js"), []byte(lib), 0o644); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, WithLoader(module.NewFS([]module.Mount{{VirtualPath: "/", HostPath: dir}})))
	c := newContext(t, e)
	ctx := enter(t, c)

	n := evalInt(t, c, ctx, `
import a from "./lib";
import b from "./lib.js";
export default a + b;
`, "main.js")
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
	runs, err := c.Get(ctx, "libRuns")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := As[int](ctx, runs); n != 1 {
		t.Errorf("expected lib evaluated once, got %d", n)
	}
}

func TestEvaluateParseError(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	_, err := c.EvaluateModule(ctx, "const ok = 1;\nlet x = ;", "bad.js")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Name != "bad.js" || pe.Line != 2 || pe.Column != 9 {
		t.Errorf("unexpected position %s:%d:%d", pe.Name, pe.Line, pe.Column)
	}

	// A module that failed to parse can be evaluated again.
	if n := evalInt(t, c, ctx, `export default 3`, "bad.js"); n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
}

func TestEvaluateAlreadyEvaluated(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	evalInt(t, c, ctx, `export default 1`, "main.js")
	if _, err := c.EvaluateModule(ctx, `export default 2`, "main.js"); !errors.Is(err, ErrModuleAlreadyEvaluated) {
		t.Errorf("expected ErrModuleAlreadyEvaluated, got %v", err)
	}
	if n := evalInt(t, c, ctx, `export default 2`, "other.js"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}

func TestEvaluateScriptError(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	_, err := c.EvaluateModule(ctx, `throw new TypeError("bad input");`, "main.js")
	if !errors.Is(err, ErrScriptException) {
		t.Fatalf("expected ErrScriptException, got %v", err)
	}
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ScriptError, got %T", err)
	}
	if se.Name != "TypeError" || se.Message != "bad input" {
		t.Errorf("unexpected error %q / %q", se.Name, se.Message)
	}
	if se.Error() != "TypeError: bad input" {
		t.Errorf("unexpected message %q", se.Error())
	}
	if se.Value == nil {
		t.Fatal("expected thrown value handle")
	}
	msg, err := se.Value.Get(ctx, "message")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s, _ := msg.String(ctx); s != "bad input" {
		t.Errorf("expected thrown value message, got %q", s)
	}
}

func TestEvaluateThrownPrimitive(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	_, err := c.EvaluateModule(ctx, `throw "plain";`, "main.js")
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ScriptError, got %v", err)
	}
	if se.Name != "" || se.Message != "plain" {
		t.Errorf("unexpected error %+v", se)
	}
}

func TestEvaluateTypeScript(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	n := evalInt(t, c, ctx, `
interface Shape { area(): number }
class Square implements Shape {
  constructor(private side: number) {}
  area(): number { return this.side * this.side; }
}
const s: Shape = new Square(4);
export default s.area();
`, "shape.ts")
	if n != 16 {
		t.Errorf("expected 16, got %d", n)
	}
}

func TestEvaluateDataModules(t *testing.T) {
	loader := module.NewMap(map[string]string{
		"config.yaml": "name: demo\nports:\n  - 80\n  - 443\n",
		"data.json":   `{"scale": 3}`,
	})
	e := newEngine(t, WithLoader(loader))
	c := newContext(t, e)
	ctx := enter(t, c)

	n := evalInt(t, c, ctx, `
import config from "./config.yaml";
import data from "./data.json";
export default config.ports.length * data.scale + config.name.length;
`, "main.js")
	if n != 10 {
		t.Errorf("expected 10, got %d", n)
	}
}

func TestEvaluateJSONRoot(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	v, err := c.EvaluateModule(ctx, `{"items": [1, 2, 3]}`, "list.json")
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	out, err := v.JSON(ctx)
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if string(out) != `{"items":[1,2,3]}` {
		t.Errorf("unexpected JSON %s", out)
	}

	if _, err := c.EvaluateModule(ctx, `{"items": [1,`, "broken.json"); !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse for broken JSON, got %v", err)
	}
}

// addWasm exports add(i32, i32) i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func TestEvaluateWasmModule(t *testing.T) {
	loader := module.NewMap()
	loader.Set("add.wasm", module.Bytes(addWasm))
	e := newEngine(t, WithLoader(loader))

	for i := 0; i < 2; i++ {
		c := newContext(t, e)
		ctx := enter(t, c)
		n := evalInt(t, c, ctx, `
import { add } from "./add.wasm";
export default add(40, 2);
`, "main.js")
		if n != 42 {
			t.Errorf("expected 42, got %d", n)
		}
	}

	e.compileMu.RLock()
	defer e.compileMu.RUnlock()
	if len(e.compiled) != 1 {
		t.Errorf("expected one compiled module shared by contexts, got %d", len(e.compiled))
	}
}

func TestEvaluateDynamicRequire(t *testing.T) {
	loader := module.NewMap(map[string]string{
		"lazy.js": `export const value = 5;`,
	})
	e := newEngine(t, WithLoader(loader))
	c := newContext(t, e)
	ctx := enter(t, c)

	v, err := c.EvaluateModule(ctx, `
export default function load() { return require("./lazy.js").value; }
`, "main.js")
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	if _, ok := c.ModuleState("lazy.js"); ok {
		t.Error("lazy.js should not be loaded before it is required")
	}
	res, err := v.Call(ctx)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n, _ := As[int](ctx, res); n != 5 {
		t.Errorf("expected 5, got %d", n)
	}

	msg, err := c.EvaluateModule(ctx, `
let msg = "";
try { require("./nope.js"); } catch (e) { msg = e.message; }
export default msg;
`, "second.js")
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	if s, _ := msg.String(ctx); !strings.Contains(s, "module not found") {
		t.Errorf("expected resolution failure message, got %q", s)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)
	ctx := enter(t, c)

	_, err := c.EvaluateModule(ctx, `for (;;) {}`, "loop.js", WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded cause, got %v", err)
	}

	// The context stays usable after an interrupt.
	if n := evalInt(t, c, ctx, `export default 1`, "after.js"); n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
}

func TestEvaluateCancelledParent(t *testing.T) {
	e := newEngine(t)
	c := newContext(t, e)

	parent, cancel := context.WithCancel(context.Background())
	ctx, scope, err := c.Enter(parent)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer scope.Exit()

	done := make(chan error, 1)
	go func() {
		_, err := c.EvaluateModule(ctx, `while (true) {}`, "spin.js")
		done <- err
	}()
	cancel()
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}

func TestConsoleOutput(t *testing.T) {
	var buf strings.Builder
	e := newEngine(t, WithConsoleOutput(&buf))
	c := newContext(t, e)
	ctx := enter(t, c)

	evalInt(t, c, ctx, `console.log("hello", 42); export default 0;`, "main.js")
	if got := strings.TrimSpace(buf.String()); got != "hello 42" {
		t.Errorf("expected 'hello 42', got %q", got)
	}
}

func TestConsoleDisabled(t *testing.T) {
	e := newEngine(t, WithConsole(false))
	c := newContext(t, e)
	ctx := enter(t, c)

	v, err := c.EvaluateModule(ctx, `export default typeof console;`, "main.js")
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	if s, _ := v.String(ctx); s != "undefined" {
		t.Errorf("expected no console, got %s", s)
	}
}
