// Package jshost embeds a JavaScript engine for hosting ES modules in Go
// programs.
//
// # Overview
//
// An [engine.Engine] owns shared state: the wasm compilation cache, the
// promise tracker and the handle release queue. Each [engine.Context] is an
// isolated global environment. Operations on a context require it to be
// active on the calling chain, either through Enter/Exit or Do.
//
// # Basic Usage
//
//	eng, _ := engine.New(engine.WithLoader(module.NewFS(
//	    []module.Mount{{VirtualPath: "/", HostPath: "./scripts"}},
//	)))
//	defer eng.Dispose()
//
//	c, _ := eng.NewContext()
//	defer c.Dispose(ctx)
//
//	err := c.Do(ctx, func(ctx context.Context) error {
//	    v, err := c.EvaluateModule(ctx, `
//	        import { total } from "./cart.js";
//	        export default total([1, 2, 3]);
//	    `, "main.js")
//	    if err != nil {
//	        return err
//	    }
//	    n, err := engine.As[int](ctx, v)
//	    fmt.Println(n)
//	    return err
//	})
//
// # Host Capabilities
//
// Scripts reach nothing outside the context unless the host provides it:
// Go values passed with engine.WithGlobals, functions from a
// [hostfunc.Registry], or host modules served by [module.Host].
//
// See the [engine], [module], [projection], [promise] and [hostfunc]
// packages for detailed API documentation.
package jshost
