package projection

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dop251/goja"
)

func (p *Projector) function(fn reflect.Value) goja.Value {
	return p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return p.callHost(fn, call.Arguments)
	})
}

// callHost invokes a Go function with script arguments. A leading
// context.Context parameter receives the current operation's context. A
// non-nil trailing error is thrown as a script Error carrying the same
// message; Go panics become script Errors too.
func (p *Projector) callHost(fn reflect.Value, args []goja.Value) (result goja.Value) {
	ft := fn.Type()
	in := make([]reflect.Value, 0, ft.NumIn())

	i := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(p.context()))
		i = 1
	}

	argIdx := 0
	for ; i < ft.NumIn(); i++ {
		pt := ft.In(i)
		if ft.IsVariadic() && i == ft.NumIn()-1 {
			for ; argIdx < len(args); argIdx++ {
				v, err := p.toHost(args[argIdx], pt.Elem(), 0)
				if err != nil {
					panic(p.vm.NewTypeError(fmt.Sprintf("argument %d: %v", argIdx+1, err)))
				}
				in = append(in, v)
			}
			break
		}

		arg := goja.Undefined()
		if argIdx < len(args) {
			arg = args[argIdx]
		}
		argIdx++

		v, err := p.toHost(arg, pt, 0)
		if err != nil {
			panic(p.vm.NewTypeError(fmt.Sprintf("argument %d: %v", argIdx, err)))
		}
		in = append(in, v)
	}

	out := p.invoke(fn, in)
	return p.results(ft, out)
}

func (p *Projector) invoke(fn reflect.Value, in []reflect.Value) (out []reflect.Value) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch x := r.(type) {
		case goja.Value, *goja.Exception, *goja.InterruptedError:
			panic(r)
		case error:
			panic(p.vm.NewGoError(fmt.Errorf("host panic: %w", x)))
		default:
			panic(p.vm.NewGoError(fmt.Errorf("host panic: %v", x)))
		}
	}()
	return fn.Call(in)
}

func (p *Projector) results(ft reflect.Type, out []reflect.Value) goja.Value {
	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			panic(p.vm.NewGoError(err))
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return goja.Undefined()
	case 1:
		v, err := p.ToScript(out[0].Interface())
		if err != nil {
			panic(p.vm.NewGoError(err))
		}
		return v
	}

	items := make([]any, len(out))
	for i, o := range out {
		v, err := p.ToScript(o.Interface())
		if err != nil {
			panic(p.vm.NewGoError(err))
		}
		items[i] = v
	}
	return p.vm.NewArray(items...)
}

// goFunc adapts a script function to the Go func type t. Calling it is only
// valid while the runtime's scope is held.
func (p *Projector) goFunc(fn goja.Callable, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(args []reflect.Value) []reflect.Value {
		out := make([]reflect.Value, t.NumOut())
		fail := func(err error) []reflect.Value {
			if t.NumOut() == 0 || t.Out(t.NumOut()-1) != errorType {
				panic(err)
			}
			for i := 0; i < t.NumOut()-1; i++ {
				out[i] = reflect.Zero(t.Out(i))
			}
			out[t.NumOut()-1] = reflect.ValueOf(&err).Elem()
			return out
		}

		jsArgs := make([]goja.Value, 0, len(args))
		for _, a := range args {
			if a.Type() == contextType {
				continue
			}
			v, err := p.ToScript(a.Interface())
			if err != nil {
				return fail(err)
			}
			jsArgs = append(jsArgs, v)
		}

		res, err := fn(goja.Undefined(), jsArgs...)
		if err != nil {
			return fail(err)
		}

		values := t.NumOut()
		if values > 0 && t.Out(values-1) == errorType {
			out[values-1] = reflect.Zero(errorType)
			values--
		}
		if values > 1 {
			return fail(errors.New("script functions return a single value"))
		}
		if values == 1 {
			hv, err := p.toHost(res, t.Out(0), 0)
			if err != nil {
				return fail(err)
			}
			out[0] = hv
		}
		return out
	})
}
