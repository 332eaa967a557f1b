package engine

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/dop251/goja"
	"github.com/samber/lo"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

var wasmMagic = []byte("\x00asm")

func isWasm(b []byte) bool {
	return bytes.HasPrefix(b, wasmMagic)
}

// instantiateWasm instantiates a wasm binary in the engine's runtime and
// projects its exported functions. Numbers cross as i32, i64, f32 or f64
// per the function signature.
func (c *Context) instantiateWasm(ctx context.Context, name string, bin []byte) (goja.Value, error) {
	compiled, err := c.engine.compileWasm(ctx, bin)
	if err != nil {
		return nil, &ParseError{Name: name, Message: err.Error()}
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	mod, err := c.engine.wasm.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", name, err)
	}
	c.wasmMods = append(c.wasmMods, mod)

	exports := c.vm.NewObject()
	defs := compiled.ExportedFunctions()
	names := lo.Keys(defs)
	slices.Sort(names)
	for _, fnName := range names {
		fn := mod.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		if err := exports.Set(fnName, c.wasmFunction(fnName, fn, defs[fnName])); err != nil {
			return nil, err
		}
	}
	return exports, nil
}

func (c *Context) wasmFunction(name string, fn api.Function, def api.FunctionDefinition) goja.Value {
	params := def.ParamTypes()
	results := def.ResultTypes()
	return c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		stack := make([]uint64, len(params))
		for i, t := range params {
			arg := call.Argument(i)
			switch t {
			case api.ValueTypeI32:
				stack[i] = api.EncodeI32(int32(arg.ToInteger()))
			case api.ValueTypeI64:
				stack[i] = api.EncodeI64(arg.ToInteger())
			case api.ValueTypeF32:
				stack[i] = api.EncodeF32(float32(arg.ToFloat()))
			case api.ValueTypeF64:
				stack[i] = api.EncodeF64(arg.ToFloat())
			default:
				panic(c.vm.NewTypeError(fmt.Sprintf("%s: unsupported parameter type %s", name, api.ValueTypeName(t))))
			}
		}

		ctx := c.operation()
		if ctx == nil {
			ctx = context.Background()
		}
		out, err := fn.Call(ctx, stack...)
		if err != nil {
			panic(c.vm.NewGoError(fmt.Errorf("wasm %s: %w", name, err)))
		}

		values := make([]any, len(results))
		for i, t := range results {
			switch t {
			case api.ValueTypeI32:
				values[i] = int64(api.DecodeI32(out[i]))
			case api.ValueTypeI64:
				values[i] = int64(out[i])
			case api.ValueTypeF32:
				values[i] = float64(api.DecodeF32(out[i]))
			case api.ValueTypeF64:
				values[i] = api.DecodeF64(out[i])
			default:
				values[i] = out[i]
			}
		}
		switch len(values) {
		case 0:
			return goja.Undefined()
		case 1:
			return c.vm.ToValue(values[0])
		}
		return c.vm.NewArray(values...)
	})
}
