// Package plugin implements the plugin subsystem: manifest validation,
// the plugin registry with its dependency graph, the loader with its
// fetch-and-cache pipeline, and the manager that drives the lifecycle
// from registration through unload.
//
// Plugin code never runs in the host's address space of trust: each
// plugin executes inside a sandbox (see the sandbox subpackage) and
// reaches host functionality only through permission-checked capability
// proxies (see the capability subpackage).
package plugin
