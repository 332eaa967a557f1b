package hostfunc_test

import (
	"context"
	"strings"
	"testing"

	"github.com/caffeineduck/jshost/engine"
	"github.com/caffeineduck/jshost/hostfunc"
	"github.com/caffeineduck/jshost/module"
)

// runKV evaluates src in a fresh context that can import store as "kv" and
// returns the default export as a string.
func runKV(t *testing.T, store *hostfunc.KVStore, src string, opts ...engine.Option) string {
	t.Helper()
	host, err := module.NewHost(store)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	e, err := engine.New(append([]engine.Option{engine.WithLoader(host)}, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { e.Dispose() })
	c, err := e.NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	var out string
	err = c.Do(context.Background(), func(ctx context.Context) error {
		v, err := c.EvaluateModule(ctx, src, "main.js")
		if err != nil {
			return err
		}
		out, err = v.String(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("EvaluateModule: %v", err)
	}
	return out
}

func TestKVModule(t *testing.T) {
	tests := []struct {
		name string
		cfg  hostfunc.KVConfig
		src  string
		want string
	}{
		{
			name: "default for missing key",
			cfg:  hostfunc.DefaultKVConfig(),
			src: `import kv from "kv";
export default kv.get({ key: "missing", default: "fallback" });`,
			want: "fallback",
		},
		{
			name: "missing key without default",
			cfg:  hostfunc.DefaultKVConfig(),
			src: `import kv from "kv";
export default String(kv.get({ key: "missing" }) == null);`,
			want: "true",
		},
		{
			name: "keys sorted",
			cfg:  hostfunc.DefaultKVConfig(),
			src: `import { set, keys } from "kv";
for (const k of ["c", "a", "b"]) set({ key: k, value: k.toUpperCase() });
export default keys().join(",");`,
			want: "a,b,c",
		},
		{
			name: "overwrite and delete",
			cfg:  hostfunc.DefaultKVConfig(),
			src: `import kv from "kv";
kv.set({ key: "x", value: 1 });
kv.set({ key: "x", value: { n: 2 } });
const before = kv.get({ key: "x" }).n;
kv.delete({ key: "x" });
export default before + ":" + kv.keys().length;`,
			want: "2:0",
		},
		{
			name: "key size limit",
			cfg:  hostfunc.KVConfig{MaxKeySize: 4},
			src: `import kv from "kv";
let msg = "";
try { kv.set({ key: "too-long", value: 1 }); } catch (e) { msg = e.message; }
export default msg;`,
			want: "key too large",
		},
		{
			name: "value size limit counts encoded objects",
			cfg:  hostfunc.KVConfig{MaxValueSize: 8},
			src: `import kv from "kv";
let msg = "";
try { kv.set({ key: "k", value: { list: [1, 2, 3] } }); } catch (e) { msg = e.message; }
export default msg;`,
			want: "value too large",
		},
		{
			name: "entry limit allows overwrites",
			cfg:  hostfunc.KVConfig{MaxEntries: 2},
			src: `import kv from "kv";
kv.set({ key: "a", value: 1 });
kv.set({ key: "b", value: 2 });
kv.set({ key: "a", value: 3 });
let msg = "";
try { kv.set({ key: "c", value: 4 }); } catch (e) { msg = e.message; }
export default kv.get({ key: "a" }) + " " + msg;`,
			want: "3 too many entries",
		},
		{
			name: "key required",
			cfg:  hostfunc.DefaultKVConfig(),
			src: `import kv from "kv";
let msg = "";
try { kv.set({ value: 1 }); } catch (e) { msg = e.message; }
export default msg;`,
			want: "key required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runKV(t, hostfunc.NewKV(tt.cfg), tt.src)
			if !strings.Contains(got, tt.want) {
				t.Errorf("got %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestKVSharedBetweenContexts(t *testing.T) {
	store := hostfunc.NewKV(hostfunc.DefaultKVConfig())

	runKV(t, store, `import kv from "kv"; kv.set({ key: "owner", value: "first" });`)
	got := runKV(t, store, `import kv from "kv"; export default kv.get({ key: "owner" });`)
	if got != "first" {
		t.Errorf("expected value written by another context, got %q", got)
	}
}

func TestKVGlobalsShareModuleStore(t *testing.T) {
	store := hostfunc.NewKV(hostfunc.DefaultKVConfig())
	registry := hostfunc.NewRegistry()
	hostfunc.RegisterKV(registry, store)

	got := runKV(t, store, `
import kv from "kv";
kv_set({ key: "g", value: "global" });
kv.set({ key: "m", value: "module" });
export default kv.get({ key: "g" }) + "," + kv_get({ key: "m" }) + "," + kv_keys({}).join("");
`, engine.WithHostFuncs(registry))
	if got != "global,module,gm" {
		t.Errorf("unexpected result %q", got)
	}
	if names := registry.List(); strings.Join(names, " ") != "kv_delete kv_get kv_keys kv_set" {
		t.Errorf("unexpected registered names %v", names)
	}
}
