// Package capability implements the permission model and the
// permission-checked, plugin-namespaced wrappers around host APIs
// (storage, eventing, UI, dashboard registration, computation).
//
// A plugin's declared permission set is turned into an immutable Set at
// registration. One APISet is built per plugin and every api-call message
// crossing the isolation boundary is authorized here before it touches a
// host service.
package capability
