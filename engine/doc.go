// Package engine hosts JavaScript modules for Go programs.
//
// An [Engine] owns process-level resources: the wasm runtime used for
// .wasm modules, the release queue that frees value handles, and the
// unhandled rejection tracker. Each [Context] created from it is an
// isolated global environment with its own module records.
//
// # Scopes
//
// A Context is used by one activation chain at a time. Activation is
// explicit: [Context.Enter] returns a derived context.Context that every
// operation takes, and [Scope.Exit] ends it.
//
//	ctx, scope, err := c.Enter(ctx)
//	if err != nil {
//		return err
//	}
//	defer scope.Exit()
//
//	v, err := c.EvaluateModule(ctx, "export default 6 * 7", "main.js")
//
// Operations called with a context.Context that does not carry the active
// scope fail with [ErrContextNotActive] before touching the runtime. A
// scoped context.Context belongs to one goroutine; host goroutines started
// by script calls must not reuse it for engine operations.
//
// # Modules
//
// Imports resolve through a [module.Loader]. Static imports are fetched and
// linked before evaluation; fetches release the scope while they wait.
// Dynamic import() resolves when it runs and, because a running script
// cannot be parked, fetches while holding the scope. Top-level await is not
// supported; export a promise and evaluate with [WithAwait] instead.
//
// # Values
//
// Script values returned to Go are [Value] handles. Dispose them when done;
// a handle that is garbage collected is released through the same queue.
// Build with the jshostdebug tag to turn failed releases into panics.
package engine
