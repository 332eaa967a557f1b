package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/caffeineduck/jshost/module"
	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"
)

type evalState int

const (
	evalPending evalState = iota
	evalRunning
	evalDone
	evalFailed
)

// moduleBody is the engine side of a module record: the compiled module
// function for scripts, or the prepared exports for data, wasm and host
// modules.
type moduleBody struct {
	key    module.Key
	kind   module.Kind
	fn     goja.Callable
	module *goja.Object
	state  evalState
	err    error
}

func (b *moduleBody) exports() goja.Value {
	return b.module.Get("exports")
}

// declare is the resolver's Declarer. It runs with the scope held.
func (c *Context) declare(ctx context.Context, rec *module.Record[*moduleBody], src module.Source) (*moduleBody, []string, error) {
	name := src.Name
	if name == "" {
		name = string(rec.Key())
	}
	body := &moduleBody{key: rec.Key(), kind: src.Kind, module: c.vm.NewObject()}

	var (
		exports  goja.Value
		requests []string
		err      error
	)
	switch src.Kind {
	case module.KindScript:
		var tr *transformed
		tr, err = transform(src.Text, name)
		if err != nil {
			return nil, nil, err
		}
		body.fn, err = c.compileModule(name, tr.code)
		requests = tr.imports
		exports = c.vm.NewObject()
	case module.KindJSON:
		exports, err = c.parseJSON(name, src.Text)
	case module.KindYAML:
		var doc any
		if yerr := yaml.Unmarshal([]byte(src.Text), &doc); yerr != nil {
			return nil, nil, &ParseError{Name: name, Message: yerr.Error()}
		}
		exports, err = c.projector.ToScript(doc)
	case module.KindBytes:
		if isWasm(src.Bytes) {
			exports, err = c.instantiateWasm(ctx, name, src.Bytes)
		} else {
			exports, err = c.projector.ToScript(src.Bytes)
		}
	case module.KindHost:
		exports, err = c.projector.ModuleExports(src.Value)
	default:
		err = fmt.Errorf("unsupported source kind %s", src.Kind)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := body.module.Set("exports", exports); err != nil {
		return nil, nil, err
	}
	return body, requests, nil
}

func (c *Context) parseJSON(name, text string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(c.vm.Get("JSON").ToObject(c.vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("%w: JSON.parse unavailable", ErrInvalidOperation)
	}
	v, err := parse(goja.Undefined(), c.vm.ToValue(text))
	if err != nil {
		msg := err.Error()
		if ex, ok := err.(*goja.Exception); ok {
			_, msg, _ = describe(ex.Value())
		}
		return nil, &ParseError{Name: name, Message: msg}
	}
	return v, nil
}

// evaluate runs the module body once. A module already running (a cycle)
// yields its partially initialised exports.
func (c *Context) evaluate(rec *module.Record[*moduleBody]) (goja.Value, error) {
	body := rec.Body()
	switch body.state {
	case evalRunning, evalDone:
		return body.exports(), nil
	case evalFailed:
		return nil, body.err
	}
	if body.fn == nil {
		body.state = evalDone
		return body.exports(), nil
	}

	body.state = evalRunning
	key := string(rec.Key())
	_, err := c.call(body.fn, goja.Undefined(),
		body.exports(),
		c.requireFor(rec.Key()),
		body.module,
		c.vm.ToValue(key),
		c.vm.ToValue(dirOf(key)),
	)
	if err != nil {
		body.state = evalFailed
		body.err = err
		return nil, err
	}
	body.state = evalDone
	return body.exports(), nil
}

// requireFor serves the imports of one module. Static imports are already
// linked; dynamic ones resolve here and surface failures as exceptions.
func (c *Context) requireFor(referrer module.Key) goja.Value {
	return c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0).String()
		ctx := c.operation()
		if ctx == nil {
			ctx = context.Background()
		}

		rec, err := c.resolver.Resolve(ctx, referrer, spec)
		if err == nil && rec.State() != module.Ready {
			err = c.resolver.Link(ctx, rec)
		}
		if err != nil {
			panic(c.vm.NewGoError(err))
		}

		exports, err := c.evaluate(rec)
		if err != nil {
			c.rethrow(err)
		}
		return exports
	})
}

func (c *Context) rethrow(err error) {
	switch x := err.(type) {
	case *goja.Exception:
		panic(x)
	case *goja.InterruptedError:
		panic(x)
	}
	panic(c.vm.NewGoError(err))
}

// defaultExport picks the default export of an ES module namespace, or the
// exports value itself for everything else.
func defaultExport(exports goja.Value) goja.Value {
	obj, ok := exports.(*goja.Object)
	if !ok {
		return exports
	}
	if esm := obj.Get("__esModule"); esm != nil && esm.ToBoolean() {
		if d := obj.Get("default"); d != nil {
			return d
		}
		return goja.Undefined()
	}
	return exports
}

func dirOf(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 && module.Key(key).IsURL() {
		return key[:i]
	}
	return path.Dir(key)
}
