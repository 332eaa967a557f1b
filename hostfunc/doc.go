// Package hostfunc provides host capabilities for script contexts.
//
// Script code has no implicit access to system resources. Each capability
// must be enabled explicitly, either as global functions through a
// [Registry] or as importable host modules.
//
// # Registry
//
// The [Registry] holds functions installed as globals in every new context:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//	hostfunc.RegisterBuiltins(registry)
//
//	eng, err := engine.New(engine.WithHostFuncs(registry))
//
// # Host Modules
//
// [HTTP], [Files] and [KVStore] carry module metadata and can be served to
// scripts through module.NewHost:
//
//	host, err := module.NewHost(
//	    hostfunc.NewHTTP(hostfunc.HTTPConfig{AllowedHosts: []string{"api.example.com"}}),
//	    hostfunc.NewFiles([]hostfunc.Mount{
//	        {VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly},
//	    }),
//	    hostfunc.NewKV(hostfunc.DefaultKVConfig()),
//	)
//
// Scripts then import them by name:
//
//	import http from "http";
//	http.get("https://api.example.com/items").then(res => res.body);
//
// HTTP requests return promises and run off the script thread.
//
// # Security Model
//
//   - HTTP requests are limited to explicitly allowed hosts
//   - Filesystem access is restricted to mounted paths with specific permissions
//   - Operations have configurable size limits
package hostfunc
