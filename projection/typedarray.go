package projection

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/dop251/goja"
)

var typedArrayNames = map[reflect.Kind]string{
	reflect.Int8:    "Int8Array",
	reflect.Uint8:   "Uint8Array",
	reflect.Int16:   "Int16Array",
	reflect.Uint16:  "Uint16Array",
	reflect.Int32:   "Int32Array",
	reflect.Uint32:  "Uint32Array",
	reflect.Float32: "Float32Array",
	reflect.Float64: "Float64Array",
}

var typedArrayKinds = map[string]reflect.Type{
	"Int8Array":         reflect.TypeFor[[]int8](),
	"Uint8Array":        reflect.TypeFor[[]uint8](),
	"Uint8ClampedArray": reflect.TypeFor[[]uint8](),
	"Int16Array":        reflect.TypeFor[[]int16](),
	"Uint16Array":       reflect.TypeFor[[]uint16](),
	"Int32Array":        reflect.TypeFor[[]int32](),
	"Uint32Array":       reflect.TypeFor[[]uint32](),
	"Float32Array":      reflect.TypeFor[[]float32](),
	"Float64Array":      reflect.TypeFor[[]float64](),
}

func (p *Projector) typedArray(name string, data []byte) (goja.Value, error) {
	buf := p.vm.NewArrayBuffer(data)
	return p.vm.New(p.vm.Get(name), p.vm.ToValue(buf))
}

// encodeNumeric lays out a numeric slice in native byte order, which is
// what typed arrays over the same buffer read.
func encodeNumeric(rv reflect.Value) []byte {
	size := int(rv.Type().Elem().Size())
	out := make([]byte, rv.Len()*size)
	order := binary.NativeEndian
	for i := 0; i < rv.Len(); i++ {
		b := out[i*size:]
		e := rv.Index(i)
		switch e.Kind() {
		case reflect.Int8:
			b[0] = byte(e.Int())
		case reflect.Uint8:
			b[0] = byte(e.Uint())
		case reflect.Int16:
			order.PutUint16(b, uint16(e.Int()))
		case reflect.Uint16:
			order.PutUint16(b, uint16(e.Uint()))
		case reflect.Int32:
			order.PutUint32(b, uint32(e.Int()))
		case reflect.Uint32:
			order.PutUint32(b, uint32(e.Uint()))
		case reflect.Float32:
			order.PutUint32(b, math.Float32bits(float32(e.Float())))
		case reflect.Float64:
			order.PutUint64(b, math.Float64bits(e.Float()))
		}
	}
	return out
}

// typedSlice decodes a typed array. With a nil target the slice type follows
// the array's constructor; otherwise the element kinds must match.
func (p *Projector) typedSlice(obj *goja.Object, target reflect.Type) (reflect.Value, bool) {
	bufVal := obj.Get("buffer")
	if bufVal == nil {
		return reflect.Value{}, false
	}
	buf, ok := bufVal.Export().(goja.ArrayBuffer)
	if !ok {
		return reflect.Value{}, false
	}
	ctor, ok := obj.Get("constructor").(*goja.Object)
	if !ok {
		return reflect.Value{}, false
	}
	natural, ok := typedArrayKinds[ctor.Get("name").String()]
	if !ok {
		return reflect.Value{}, false
	}
	t := natural
	if target != nil {
		if target.Elem().Kind() != natural.Elem().Kind() {
			return reflect.Value{}, false
		}
		t = target
	}

	offset := int(obj.Get("byteOffset").ToInteger())
	length := int(obj.Get("length").ToInteger())
	size := int(t.Elem().Size())
	data := buf.Bytes()
	if offset < 0 || offset+length*size > len(data) {
		return reflect.Value{}, false
	}
	data = data[offset : offset+length*size]

	out := reflect.MakeSlice(t, length, length)
	order := binary.NativeEndian
	for i := 0; i < length; i++ {
		b := data[i*size:]
		e := out.Index(i)
		switch e.Kind() {
		case reflect.Int8:
			e.SetInt(int64(int8(b[0])))
		case reflect.Uint8:
			e.SetUint(uint64(b[0]))
		case reflect.Int16:
			e.SetInt(int64(int16(order.Uint16(b))))
		case reflect.Uint16:
			e.SetUint(uint64(order.Uint16(b)))
		case reflect.Int32:
			e.SetInt(int64(int32(order.Uint32(b))))
		case reflect.Uint32:
			e.SetUint(uint64(order.Uint32(b)))
		case reflect.Float32:
			e.SetFloat(float64(math.Float32frombits(order.Uint32(b))))
		case reflect.Float64:
			e.SetFloat(math.Float64frombits(order.Uint64(b)))
		}
	}
	return out, true
}
