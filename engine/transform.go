package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
)

// Module sources are compiled to CommonJS-shaped function bodies. Every
// import stays external and is served by the module's require function, so
// the resolver sees the same graph the source declares.
const (
	wrapperPrefix = "(function (exports, require, module, __filename, __dirname) {"
	wrapperSuffix = "\n})"
)

type transformed struct {
	code    string
	imports []string // static imports, first occurrence order
}

var externalImports = api.Plugin{
	Name: "external-imports",
	Setup: func(build api.PluginBuild) {
		build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
			return api.OnResolveResult{Path: args.Path, External: true}, nil
		})
	},
}

func loaderFor(name string) api.Loader {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

func transform(source, name string) (*transformed, error) {
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   source,
			Sourcefile: name,
			Loader:     loaderFor(name),
		},
		Bundle:         true,
		Write:          false,
		Format:         api.FormatCommonJS,
		Platform:       api.PlatformNeutral,
		Target:         api.ES2017,
		Metafile:       true,
		LogLevel:       api.LogLevelSilent,
		Sourcemap:      api.SourceMapInline,
		SourcesContent: api.SourcesContentExclude,
		Supported:      map[string]bool{"dynamic-import": false},
		Plugins:        []api.Plugin{externalImports},
	})
	if len(result.Errors) > 0 {
		return nil, parseError(name, result.Errors[0])
	}
	if len(result.OutputFiles) == 0 {
		return nil, &ParseError{Name: name, Message: "no output produced"}
	}

	imports, err := staticImports(result.Metafile)
	if err != nil {
		return nil, fmt.Errorf("read metafile for %s: %w", name, err)
	}
	return &transformed{
		code:    string(result.OutputFiles[0].Contents),
		imports: imports,
	}, nil
}

func parseError(name string, msg api.Message) *ParseError {
	pe := &ParseError{Name: name, Message: msg.Text}
	if msg.Location != nil {
		pe.Line = msg.Location.Line
		pe.Column = msg.Location.Column + 1
	}
	return pe
}

type metafile struct {
	Inputs map[string]struct {
		Imports []struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		} `json:"imports"`
	} `json:"inputs"`
}

// staticImports lists import statements and re-exports. Dynamic imports
// and require calls resolve lazily when they run.
func staticImports(raw string) ([]string, error) {
	var meta metafile
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, input := range meta.Inputs {
		for _, imp := range input.Imports {
			if imp.Kind != "import-statement" || seen[imp.Path] {
				continue
			}
			seen[imp.Path] = true
			out = append(out, imp.Path)
		}
	}
	return out, nil
}

// compileModule compiles transformed code and returns the module function.
func (c *Context) compileModule(name, code string) (goja.Callable, error) {
	prog, err := goja.Compile(name, wrapperPrefix+code+wrapperSuffix, false)
	if err != nil {
		var syntax *goja.CompilerSyntaxError
		if errors.As(err, &syntax) {
			return nil, &ParseError{Name: name, Message: syntax.Message}
		}
		return nil, &ParseError{Name: name, Message: err.Error()}
	}
	fnVal, err := c.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", name)
	}
	return fn, nil
}
