// Package projection converts values between Go and a goja runtime.
//
// Structs are projected as instances of a script class built once per
// runtime from a TypeDescriptor. Descriptors are derived from the Go type and
// memoised process-wide, so reflection over a type happens once no matter
// how many contexts use it.
//
// Field rules come from the js struct tag:
//
//	Name    string `js:"title"`            // rename
//	ID      string `js:",readonly"`        // getter only
//	Secret  string `js:"-"`                // never projected
//	Cache   []byte `js:"cache,noenum"`     // hidden from Object.keys
//	Fixed   int    `js:",noconfig"`        // cannot be redefined or deleted
//
// Exported methods of *T become prototype methods named in lowerCamelCase;
// String becomes toString. A type may rename or hide methods by implementing
// MethodNamer and rename its constructor with Named. Types offered as
// importable modules implement Module.
package projection
