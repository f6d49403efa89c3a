// Package sandbox runs plugin code in isolated execution contexts and
// exchanges correlation-keyed messages with them.
//
// Each loaded plugin gets one context: a dedicated goroutine that
// exclusively owns a gopher-lua state. No memory is shared across the
// boundary; the host and the context communicate only through Envelope
// values, and every payload is copied during Go/Lua conversion.
//
// The host side keeps a per-plugin table from correlation id to a pending
// reply handle. Replies are dispatched strictly by id: an id the host
// never registered is dropped, and an id that timed out is forgotten so
// a late reply cannot resolve a foreign handle. Exactly one load and one
// initialize may be outstanding per plugin at a time.
//
// Capability exposure is bidirectional. Host to plugin: the loaded reply
// lists the plugin's exported methods, event handlers, and UI components,
// and the Instance builds one cached forwarding function per method.
// Plugin to host: every host API table inside the Lua state is a proxy
// whose method calls become api-call messages answered by api-result or
// api-error.
//
// If a context terminates unexpectedly, every pending correlation for
// that plugin is rejected with CrashError and the context is discarded.
// A crashed context is not respawned: partial initialization state cannot
// be trusted, so recovery requires an explicit reload.
package sandbox
