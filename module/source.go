package module

import (
	"context"
	"path"
	"strings"
)

// Kind identifies how a fetched source becomes a module body.
type Kind int

const (
	KindScript Kind = iota
	KindJSON
	KindYAML
	KindBytes
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindJSON:
		return "json"
	case KindYAML:
		return "yaml"
	case KindBytes:
		return "bytes"
	case KindHost:
		return "host"
	default:
		return "unknown"
	}
}

// Source is what a Loader returns for a specifier.
type Source struct {
	Kind Kind
	// Name is the resolved location (file path, URL) used in diagnostics and
	// to pick a script dialect. Empty means the module key.
	Name  string
	Text  string
	Bytes []byte
	// Value is the Go value exported by a KindHost module.
	Value any
}

// Script returns a script source.
func Script(text string) Source { return Source{Kind: KindScript, Text: text} }

// JSON returns a JSON document source.
func JSON(text string) Source { return Source{Kind: KindJSON, Text: text} }

// YAML returns a YAML document source.
func YAML(text string) Source { return Source{Kind: KindYAML, Text: text} }

// Bytes returns a binary source. WebAssembly binaries are instantiated;
// anything else is exposed as a Uint8Array.
func Bytes(b []byte) Source { return Source{Kind: KindBytes, Bytes: b} }

// HostValue returns a source exporting a Go value. The value must carry
// module metadata.
func HostValue(v any) Source { return Source{Kind: KindHost, Value: v} }

// KindForPath picks a source kind from a file extension.
func KindForPath(p string) Kind {
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return KindJSON
	case ".yaml", ".yml":
		return KindYAML
	case ".wasm", ".bin":
		return KindBytes
	default:
		return KindScript
	}
}

func sourceFromData(name string, data []byte) Source {
	kind := KindForPath(name)
	src := Source{Kind: kind, Name: name}
	if kind == KindBytes {
		src.Bytes = data
	} else {
		src.Text = string(data)
	}
	return src
}

// Loader fetches module sources by canonical key.
//
// Loaders return an error wrapping ErrNotFound when they do not know the
// specifier; Chain relies on that to fall through.
type Loader interface {
	Fetch(ctx context.Context, specifier string) (Source, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, specifier string) (Source, error)

func (f LoaderFunc) Fetch(ctx context.Context, specifier string) (Source, error) {
	return f(ctx, specifier)
}
