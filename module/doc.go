// Package module implements module resolution for script contexts.
//
// Every import is canonicalised into a Key from the importing module's key
// and the import specifier. A Resolver keeps one Record per Key; the record
// moves through a small state machine:
//
//	Requested -> Fetching -> Declared -> Ready
//	     \           \           \
//	      `-----------`-----------`--> Errored
//
// Sources are obtained from a Loader outside the caller's engine scope and
// handed to a Declarer, which turns them into an engine-specific module body
// and reports the module's static imports. Link walks those imports
// depth-first, in the order they were first observed, and marks the whole
// graph Ready or Errored. Cycles and diamonds are safe: a key is fetched at
// most once per Resolver.
//
// Stock loaders:
//
//	Map     in-memory sources
//	FS      files under explicit mount points
//	HTTP    http(s) URLs from an allow-list of hosts
//	Host    Go values carrying module metadata
//	Chain   first loader that knows the specifier
//	Cached  shared source cache with concurrent fetch dedupe
package module
