package projection

import (
	"reflect"
	"strings"
	"unicode"
)

// Module marks a type that can be imported by scripts.
type Module interface {
	ModuleName() string
	ModuleDescription() string
}

// Named overrides the constructor name scripts see.
type Named interface {
	JSName() string
}

// MethodNamer renames exported methods. Mapping a Go method name to "-"
// hides it.
type MethodNamer interface {
	JSMethods() map[string]string
}

// ModuleInfo is the metadata of an importable host module.
type ModuleInfo struct {
	Name        string
	Description string
}

// ModuleInfoOf returns the module metadata of v.
func ModuleInfoOf(v any) (ModuleInfo, error) {
	var t reflect.Type
	if v != nil {
		t = reflect.TypeOf(v)
	}
	m, ok := v.(Module)
	if !ok && v != nil {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Pointer {
			ptr := reflect.New(rv.Type())
			ptr.Elem().Set(rv)
			m, ok = ptr.Interface().(Module)
		}
	}
	if !ok {
		return ModuleInfo{}, &ProjectionError{Type: t, Err: ErrMissingModuleMetadata}
	}
	info := ModuleInfo{Name: m.ModuleName(), Description: m.ModuleDescription()}
	if strings.TrimSpace(info.Name) == "" {
		return ModuleInfo{}, &ProjectionError{Type: t, Member: "ModuleName", Err: ErrMissingModuleMetadata}
	}
	return info, nil
}

// reserved methods are part of the projection protocol or of Go's
// formatting and encoding conventions and are never exposed.
var reserved = map[string]bool{
	"ModuleName":        true,
	"ModuleDescription": true,
	"JSName":            true,
	"JSMethods":         true,
	"GoString":          true,
	"Format":            true,
	"Error":             true,
	"MarshalJSON":       true,
	"UnmarshalJSON":     true,
	"MarshalText":       true,
	"UnmarshalText":     true,
}

type fieldTag struct {
	name     string
	ignore   bool
	readonly bool
	noenum   bool
	noconfig bool
}

func parseTag(tag string) fieldTag {
	if tag == "-" {
		return fieldTag{ignore: true}
	}
	parts := strings.Split(tag, ",")
	ft := fieldTag{name: parts[0]}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "readonly":
			ft.readonly = true
		case "noenum":
			ft.noenum = true
		case "noconfig":
			ft.noconfig = true
		}
	}
	return ft
}

// lowerCamel converts a Go identifier to script naming:
// Name -> name, URLPath -> urlPath, ID -> id, IDs -> ids.
func lowerCamel(s string) string {
	runes := []rune(s)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return s
	case n == len(runes) || string(runes[n:]) == "s":
		return strings.ToLower(s)
	case n > 1:
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}
