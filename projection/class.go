package projection

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja"
)

type class struct {
	desc  *TypeDescriptor
	ctor  *goja.Object
	proto *goja.Object
}

// Constructor returns the script constructor for the struct type t,
// building it on first use.
func (p *Projector) Constructor(t reflect.Type) (*goja.Object, error) {
	cls, err := p.class(t)
	if err != nil {
		return nil, err
	}
	return cls.ctor, nil
}

func (p *Projector) class(t reflect.Type) (*class, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if cls, ok := p.classes[t]; ok {
		return cls, nil
	}

	desc, err := Describe(t)
	if err != nil {
		return nil, err
	}

	cls := &class{desc: desc}
	ctor := p.vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		ptr := reflect.New(t)
		if init := call.Argument(0); !isNullish(init) {
			obj, ok := init.(*goja.Object)
			if !ok {
				panic(p.vm.NewTypeError(fmt.Sprintf("%s: initializer must be an object", desc.Name)))
			}
			if err := p.assign(ptr.Elem(), desc, obj, 0); err != nil {
				panic(p.vm.NewTypeError(err.Error()))
			}
		}
		if err := p.attach(call.This, ptr, desc); err != nil {
			panic(p.vm.NewTypeError(err.Error()))
		}
		return call.This
	}).(*goja.Object)

	proto, _ := ctor.Get("prototype").(*goja.Object)
	if proto == nil {
		proto = p.vm.NewObject()
		if err := ctor.Set("prototype", proto); err != nil {
			return nil, err
		}
	}
	if err := ctor.DefineDataProperty("name", p.vm.ToValue(desc.Name), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, &ProjectionError{Type: t, Member: "name", Err: err}
	}
	if err := proto.DefineDataProperty("constructor", ctor, goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, &ProjectionError{Type: t, Member: "constructor", Err: err}
	}

	for _, m := range desc.Methods() {
		fn := p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			recv, ok := p.receiver(call.This)
			if !ok {
				panic(p.vm.NewTypeError(fmt.Sprintf("%s.%s called on incompatible receiver", desc.Name, m.Name)))
			}
			return p.callHost(recv.Method(m.Method), call.Arguments)
		})
		if err := proto.DefineDataProperty(m.Name, fn, goja.FLAG_TRUE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, &ProjectionError{Type: t, Member: m.GoName, Err: err}
		}
	}

	cls.ctor = ctor
	cls.proto = proto
	p.classes[t] = cls
	return cls, nil
}

// instance wraps a struct pointer in a new object of its projected class.
func (p *Projector) instance(ptr reflect.Value) (goja.Value, error) {
	cls, err := p.class(ptr.Type().Elem())
	if err != nil {
		return nil, err
	}
	obj := p.vm.NewObject()
	if err := obj.SetPrototype(cls.proto); err != nil {
		return nil, err
	}
	if err := p.attach(obj, ptr, cls.desc); err != nil {
		return nil, err
	}
	return obj, nil
}

// attach binds the host pointer to obj and defines the field accessors.
func (p *Projector) attach(obj *goja.Object, ptr reflect.Value, desc *TypeDescriptor) error {
	if err := obj.DefineDataPropertySymbol(p.hostKey, p.vm.ToValue(&hostRef{ptr: ptr}), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return &ProjectionError{Type: desc.Type, Err: err}
	}

	for _, m := range desc.Fields() {
		getter := p.vm.ToValue(func(goja.FunctionCall) goja.Value {
			fv, err := ptr.Elem().FieldByIndexErr(m.Index)
			if err != nil {
				return goja.Undefined()
			}
			v, err := p.ToScript(fv.Interface())
			if err != nil {
				panic(p.vm.NewTypeError(fmt.Sprintf("%s.%s: %v", desc.Name, m.Name, err)))
			}
			return v
		})

		var setter goja.Value
		if m.Writable {
			setter = p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
				fv, err := ptr.Elem().FieldByIndexErr(m.Index)
				if err != nil {
					panic(p.vm.NewTypeError(fmt.Sprintf("%s.%s: %v", desc.Name, m.Name, err)))
				}
				hv, err := p.toHost(call.Argument(0), m.Type, 0)
				if err != nil {
					panic(p.vm.NewTypeError(fmt.Sprintf("%s.%s: %v", desc.Name, m.Name, err)))
				}
				fv.Set(hv)
				return goja.Undefined()
			})
		}

		if err := obj.DefineAccessorProperty(m.Name, getter, setter, flag(m.Configurable), flag(m.Enumerable)); err != nil {
			return &ProjectionError{Type: desc.Type, Member: m.GoName, Err: err}
		}
	}
	return nil
}

func flag(b bool) goja.Flag {
	if b {
		return goja.FLAG_TRUE
	}
	return goja.FLAG_FALSE
}

// hostOf returns the Go pointer behind a projected object.
func (p *Projector) hostOf(obj *goja.Object) (reflect.Value, bool) {
	v := obj.GetSymbol(p.hostKey)
	if v == nil {
		return reflect.Value{}, false
	}
	ref, ok := v.Export().(*hostRef)
	if !ok {
		return reflect.Value{}, false
	}
	return ref.ptr, true
}

func (p *Projector) receiver(this goja.Value) (reflect.Value, bool) {
	obj, ok := this.(*goja.Object)
	if !ok {
		return reflect.Value{}, false
	}
	return p.hostOf(obj)
}

// Unwrap returns the Go value behind a projected object.
func (p *Projector) Unwrap(v goja.Value) (any, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	ptr, ok := p.hostOf(obj)
	if !ok {
		return nil, false
	}
	return ptr.Interface(), true
}

// ModuleExports builds the exports object of a host module: the instance is
// the default export and every member is also a named export bound to it.
func (p *Projector) ModuleExports(v any) (*goja.Object, error) {
	info, err := ModuleInfoOf(v)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		rv = ptr
	}
	if rv.Elem().Kind() != reflect.Struct {
		return nil, &ProjectionError{Type: rv.Type(), Err: ErrNotProjectable}
	}

	inst, err := p.instance(rv)
	if err != nil {
		return nil, err
	}
	instObj := inst.(*goja.Object)
	cls, _ := p.class(rv.Type())

	exports := p.vm.NewObject()
	if err := exports.DefineDataProperty("__esModule", p.vm.ToValue(true), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return nil, &ProjectionError{Type: rv.Type(), Member: "__esModule", Err: err}
	}
	if err := exports.DefineDataProperty("__description", p.vm.ToValue(info.Description), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return nil, &ProjectionError{Type: rv.Type(), Member: "__description", Err: err}
	}
	if err := exports.Set("default", instObj); err != nil {
		return nil, err
	}

	for _, m := range cls.desc.Members {
		if m.Name == "default" {
			continue
		}
		switch m.Kind {
		case MethodMember:
			method := rv.Method(m.Method)
			fn := p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
				return p.callHost(method, call.Arguments)
			})
			if err := exports.Set(m.Name, fn); err != nil {
				return nil, err
			}
		case FieldMember:
			name := m.Name
			getter := p.vm.ToValue(func(goja.FunctionCall) goja.Value { return instObj.Get(name) })
			if err := exports.DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
				return nil, &ProjectionError{Type: rv.Type(), Member: m.GoName, Err: err}
			}
		}
	}
	return exports, nil
}
