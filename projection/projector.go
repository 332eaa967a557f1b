package projection

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/caffeineduck/jshost/promise"
	"github.com/dop251/goja"
)

// maxDepth bounds nested conversions of cyclic script values.
const maxDepth = 64

type undefinedType struct{}

// Undefined converts to the script undefined value.
var Undefined = undefinedType{}

// ScriptValuer is implemented by Go values that already wrap a script value
// of a particular runtime.
type ScriptValuer interface {
	ScriptValue(vm *goja.Runtime) (goja.Value, error)
}

// Hooks connect a Projector to the context that owns its runtime.
type Hooks struct {
	// Context returns the context of the operation currently running script
	// code. Host functions taking a leading context.Context receive it.
	Context func() context.Context
	// Promise turns a host completion into a script promise.
	Promise func(c *promise.Completion) (goja.Value, error)
	// Await turns a script value into a host completion.
	Await func(v goja.Value) (*promise.Completion, error)
	// Adopt converts v into t for types the projector does not own. It
	// reports false to fall through to the default conversion.
	Adopt func(v goja.Value, t reflect.Type) (any, bool, error)
}

// Projector converts values for one runtime. It is not safe for concurrent
// use; callers hold the runtime's scope.
type Projector struct {
	vm      *goja.Runtime
	hooks   Hooks
	hostKey *goja.Symbol
	classes map[reflect.Type]*class
}

type hostRef struct {
	ptr reflect.Value
}

var (
	contextType    = reflect.TypeFor[context.Context]()
	errorType      = reflect.TypeFor[error]()
	valueType      = reflect.TypeFor[goja.Value]()
	completionType = reflect.TypeFor[*promise.Completion]()
	timeType       = reflect.TypeFor[time.Time]()
	anyType        = reflect.TypeFor[any]()
)

// New creates a Projector for vm.
func New(vm *goja.Runtime, hooks Hooks) *Projector {
	return &Projector{
		vm:      vm,
		hooks:   hooks,
		hostKey: goja.NewSymbol("host"),
		classes: make(map[reflect.Type]*class),
	}
}

// Runtime returns the runtime this projector converts for.
func (p *Projector) Runtime() *goja.Runtime { return p.vm }

func (p *Projector) context() context.Context {
	if p.hooks.Context != nil {
		if ctx := p.hooks.Context(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}

// ToScript converts a Go value to a script value.
func (p *Projector) ToScript(v any) (goja.Value, error) {
	return p.toScript(v, 0)
}

func (p *Projector) toScript(v any, depth int) (goja.Value, error) {
	if depth > maxDepth {
		return nil, conversionError(fmt.Sprintf("%T", v), nil, "value nested too deeply")
	}

	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case undefinedType:
		return goja.Undefined(), nil
	case goja.Value:
		return x, nil
	case ScriptValuer:
		return x.ScriptValue(p.vm)
	case *promise.Completion:
		if x == nil {
			return goja.Null(), nil
		}
		if p.hooks.Promise == nil {
			return nil, conversionError("*promise.Completion", nil, "no promise bridge")
		}
		return p.hooks.Promise(x)
	case time.Time:
		return p.vm.New(p.vm.Get("Date"), p.vm.ToValue(x.UnixMilli()))
	case error:
		return p.vm.NewGoError(x), nil
	case []byte:
		if x == nil {
			return goja.Null(), nil
		}
		return p.typedArray("Uint8Array", append([]byte(nil), x...))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return p.vm.ToValue(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return p.vm.ToValue(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return p.vm.ToValue(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return p.vm.ToValue(rv.Float()), nil
	case reflect.String:
		return p.vm.ToValue(rv.String()), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return p.instance(rv)
		}
		return p.toScript(rv.Elem().Interface(), depth+1)
	case reflect.Struct:
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		return p.instance(ptr)
	case reflect.Slice:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		if name, ok := typedArrayNames[rv.Type().Elem().Kind()]; ok {
			return p.typedArray(name, encodeNumeric(rv))
		}
		return p.array(rv, depth)
	case reflect.Array:
		return p.array(rv, depth)
	case reflect.Map:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		return p.object(rv, depth)
	case reflect.Func:
		if rv.IsNil() {
			return goja.Null(), nil
		}
		return p.function(rv), nil
	}

	return nil, conversionError(rv.Type().String(), nil, "unsupported kind "+rv.Kind().String())
}

func (p *Projector) array(rv reflect.Value, depth int) (goja.Value, error) {
	items := make([]any, rv.Len())
	for i := range items {
		v, err := p.toScript(rv.Index(i).Interface(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		items[i] = v
	}
	return p.vm.NewArray(items...), nil
}

func (p *Projector) object(rv reflect.Value, depth int) (goja.Value, error) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, conversionError(rv.Type().String(), nil, "map keys must be strings")
	}
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	obj := p.vm.NewObject()
	for _, k := range keys {
		v, err := p.toScript(rv.MapIndex(k).Interface(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.String(), err)
		}
		if err := obj.Set(k.String(), v); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// ToHost converts a script value to a Go value of type t.
func (p *Projector) ToHost(v goja.Value, t reflect.Type) (any, error) {
	rv, err := p.toHost(v, t, 0)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// Export converts a script value to its natural Go representation.
func (p *Projector) Export(v goja.Value) (any, error) {
	return p.export(v, 0)
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// TypeOf names the script type of v for diagnostics.
func TypeOf(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, ok := goja.AssertFunction(obj); ok {
			return "function"
		}
		if obj.ClassName() == "Array" {
			return "array"
		}
		return "object"
	}
	switch v.Export().(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case int64, float64:
		return "number"
	}
	return v.ExportType().String()
}

func number(v goja.Value) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if _, ok := v.(*goja.Object); ok {
		return 0, false
	}
	switch n := v.Export().(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func (p *Projector) toHost(v goja.Value, t reflect.Type, depth int) (reflect.Value, error) {
	if depth > maxDepth {
		return reflect.Value{}, conversionError(TypeOf(v), t, "value nested too deeply")
	}

	if p.hooks.Adopt != nil {
		x, ok, err := p.hooks.Adopt(v, t)
		if err != nil {
			return reflect.Value{}, err
		}
		if ok {
			return assignable(x, t, TypeOf(v))
		}
	}

	switch t {
	case valueType:
		if v == nil {
			v = goja.Undefined()
		}
		return reflect.ValueOf(&v).Elem(), nil
	case completionType:
		if isNullish(v) {
			return reflect.Zero(t), nil
		}
		if p.hooks.Await == nil {
			return reflect.Value{}, conversionError(TypeOf(v), t, "no promise bridge")
		}
		c, err := p.hooks.Await(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(c), nil
	case timeType:
		if obj, ok := v.(*goja.Object); ok {
			if tm, ok := obj.Export().(time.Time); ok {
				return reflect.ValueOf(tm), nil
			}
		}
		return reflect.Value{}, conversionError(TypeOf(v), t, "expected Date")
	}

	switch t.Kind() {
	case reflect.Interface:
		if isNullish(v) {
			return reflect.Zero(t), nil
		}
		x, err := p.export(v, depth)
		if err != nil {
			return reflect.Value{}, err
		}
		return assignable(x, t, TypeOf(v))

	case reflect.Pointer:
		if isNullish(v) {
			return reflect.Zero(t), nil
		}
		if obj, ok := v.(*goja.Object); ok {
			if ptr, ok := p.hostOf(obj); ok {
				if ptr.Type().AssignableTo(t) {
					return ptr, nil
				}
				return reflect.Value{}, conversionError(ptr.Type().String(), t, "host type mismatch")
			}
		}
		elem, err := p.toHost(v, t.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil

	case reflect.Bool:
		b, ok := exportAs[bool](v)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "")
		}
		return reflect.ValueOf(b).Convert(t), nil

	case reflect.String:
		s, ok := exportAs[string](v)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "")
		}
		return reflect.ValueOf(s).Convert(t), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := number(v)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "")
		}
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return reflect.Value{}, conversionError("number", t, fmt.Sprintf("%v is not an integer", f))
		}
		out := reflect.New(t).Elem()
		if f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
			return reflect.Value{}, conversionError("number", t, fmt.Sprintf("%v out of range", f))
		}
		out.SetInt(int64(f))
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		f, ok := number(v)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "")
		}
		if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
			return reflect.Value{}, conversionError("number", t, fmt.Sprintf("%v is not an integer", f))
		}
		out := reflect.New(t).Elem()
		if f < 0 || f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
			return reflect.Value{}, conversionError("number", t, fmt.Sprintf("%v out of range", f))
		}
		out.SetUint(uint64(f))
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, ok := number(v)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "")
		}
		out := reflect.New(t).Elem()
		if !math.IsInf(f, 0) && !math.IsNaN(f) && out.OverflowFloat(f) {
			return reflect.Value{}, conversionError("number", t, fmt.Sprintf("%v out of range", f))
		}
		out.SetFloat(f)
		return out, nil

	case reflect.Slice:
		if isNullish(v) {
			return reflect.Zero(t), nil
		}
		return p.toSlice(v, t, depth)

	case reflect.Array:
		obj, ok := v.(*goja.Object)
		if !ok || obj.ClassName() != "Array" {
			return reflect.Value{}, conversionError(TypeOf(v), t, "expected array")
		}
		n := int(obj.Get("length").ToInteger())
		if n != t.Len() {
			return reflect.Value{}, conversionError("array", t, fmt.Sprintf("length %d", n))
		}
		out := reflect.New(t).Elem()
		for i := 0; i < n; i++ {
			elem, err := p.toHost(obj.Get(fmt.Sprint(i)), t.Elem(), depth+1)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Map:
		if isNullish(v) {
			return reflect.Zero(t), nil
		}
		if t.Key().Kind() != reflect.String {
			return reflect.Value{}, conversionError(TypeOf(v), t, "map keys must be strings")
		}
		obj, ok := v.(*goja.Object)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "expected object")
		}
		out := reflect.MakeMap(t)
		for _, key := range obj.Keys() {
			elem, err := p.toHost(obj.Get(key), t.Elem(), depth+1)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %q: %w", key, err)
			}
			out.SetMapIndex(reflect.ValueOf(key).Convert(t.Key()), elem)
		}
		return out, nil

	case reflect.Struct:
		obj, ok := v.(*goja.Object)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "expected object")
		}
		if ptr, ok := p.hostOf(obj); ok {
			if ptr.Type().Elem() == t {
				return ptr.Elem(), nil
			}
			return reflect.Value{}, conversionError(ptr.Type().String(), t, "host type mismatch")
		}
		desc, err := Describe(t)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		if err := p.assign(out, desc, obj, depth); err != nil {
			return reflect.Value{}, err
		}
		return out, nil

	case reflect.Func:
		if isNullish(v) {
			return reflect.Zero(t), nil
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return reflect.Value{}, conversionError(TypeOf(v), t, "not callable")
		}
		return p.goFunc(fn, t), nil
	}

	return reflect.Value{}, conversionError(TypeOf(v), t, "unsupported kind "+t.Kind().String())
}

// assign copies the properties of a plain object into a struct value.
func (p *Projector) assign(out reflect.Value, desc *TypeDescriptor, obj *goja.Object, depth int) error {
	for _, m := range desc.Fields() {
		pv := obj.Get(m.Name)
		if pv == nil || goja.IsUndefined(pv) {
			continue
		}
		fv, err := out.FieldByIndexErr(m.Index)
		if err != nil {
			return &ProjectionError{Type: desc.Type, Member: m.GoName, Err: err}
		}
		hv, err := p.toHost(pv, m.Type, depth+1)
		if err != nil {
			return fmt.Errorf("field %s: %w", m.Name, err)
		}
		fv.Set(hv)
	}
	return nil
}

func exportAs[T any](v goja.Value) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	if _, ok := v.(*goja.Object); ok {
		return zero, false
	}
	x, ok := v.Export().(T)
	return x, ok
}

func assignable(x any, t reflect.Type, from string) (reflect.Value, error) {
	if x == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(x)
	switch {
	case rv.Type().AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	case rv.Type().ConvertibleTo(t) && rv.Kind() == t.Kind():
		return rv.Convert(t), nil
	}
	return reflect.Value{}, conversionError(from, t, "")
}

func (p *Projector) export(v goja.Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, conversionError(TypeOf(v), anyType, "value nested too deeply")
	}
	if isNullish(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.Export(), nil
	}

	if ptr, ok := p.hostOf(obj); ok {
		return ptr.Interface(), nil
	}

	switch x := obj.Export().(type) {
	case time.Time:
		return x, nil
	case *goja.Promise:
		if p.hooks.Await != nil {
			return p.hooks.Await(v)
		}
		return x, nil
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), nil
	}

	if slice, ok := p.typedSlice(obj, nil); ok {
		return slice.Interface(), nil
	}

	if fn, ok := goja.AssertFunction(obj); ok {
		return func(args ...any) (any, error) {
			jsArgs := make([]goja.Value, len(args))
			for i, a := range args {
				jv, err := p.ToScript(a)
				if err != nil {
					return nil, err
				}
				jsArgs[i] = jv
			}
			res, err := fn(goja.Undefined(), jsArgs...)
			if err != nil {
				return nil, err
			}
			return p.Export(res)
		}, nil
	}

	if obj.ClassName() == "Array" {
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := range out {
			x, err := p.export(obj.Get(fmt.Sprint(i)), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	}

	out := make(map[string]any)
	for _, key := range obj.Keys() {
		x, err := p.export(obj.Get(key), depth+1)
		if err != nil {
			return nil, err
		}
		out[key] = x
	}
	return out, nil
}

func (p *Projector) toSlice(v goja.Value, t reflect.Type, depth int) (reflect.Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return reflect.Value{}, conversionError(TypeOf(v), t, "expected array")
	}

	if slice, ok := p.typedSlice(obj, t); ok {
		return slice, nil
	}
	if t.Elem().Kind() == reflect.Uint8 {
		if ab, ok := obj.Export().(goja.ArrayBuffer); ok {
			return reflect.ValueOf(append([]byte(nil), ab.Bytes()...)).Convert(t), nil
		}
	}
	if obj.ClassName() != "Array" {
		return reflect.Value{}, conversionError(TypeOf(v), t, "expected array")
	}

	n := int(obj.Get("length").ToInteger())
	out := reflect.MakeSlice(t, n, n)
	for i := 0; i < n; i++ {
		elem, err := p.toHost(obj.Get(fmt.Sprint(i)), t.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
		}
		out.Index(i).Set(elem)
	}
	return out, nil
}
