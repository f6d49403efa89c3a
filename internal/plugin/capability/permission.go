package capability

import (
	"fmt"
	"strings"
	"sync"
)

// Permission identifies a host capability a plugin may request in its
// manifest. Permissions are hierarchical: granting a parent permission
// implicitly grants its dot-separated children, with one exception noted
// on PermComputationIntensive.
type Permission string

// Permissions plugins can declare.
const (
	// PermStorage grants access to the storage service.
	PermStorage Permission = "storage"

	// PermStorageLocal grants access to the session/local storage tier.
	PermStorageLocal Permission = "storage.local"

	// PermStorageCloud grants access to the cloud storage tier.
	PermStorageCloud Permission = "storage.cloud"

	// PermComputation grants access to the numeric computation capability.
	PermComputation Permission = "computation"

	// PermComputationIntensive grants access to bulk/long-running numeric
	// work. It is never implied by PermComputation and must be listed
	// explicitly in the manifest.
	PermComputationIntensive Permission = "computation.intensive"

	// PermNetwork grants network access.
	PermNetwork Permission = "network"

	// PermClipboard grants clipboard access.
	PermClipboard Permission = "clipboard"

	// PermNotifications grants access to user-facing notifications.
	PermNotifications Permission = "notifications"
)

var knownPermissions = map[Permission]bool{
	PermStorage:              true,
	PermStorageLocal:         true,
	PermStorageCloud:         true,
	PermComputation:          true,
	PermComputationIntensive: true,
	PermNetwork:              true,
	PermClipboard:            true,
	PermNotifications:        true,
}

// IsValid reports whether p is a member of the fixed permission enum.
func IsValid(p Permission) bool {
	return knownPermissions[p]
}

// All returns every known permission.
func All() []Permission {
	perms := make([]Permission, 0, len(knownPermissions))
	for p := range knownPermissions {
		perms = append(perms, p)
	}
	return perms
}

// Parent returns the dot-separated parent of p, or "" if p has none.
func Parent(p Permission) Permission {
	s := string(p)
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return ""
	}
	return Permission(s[:i])
}

// Implies reports whether holding granted implies holding required.
// A permission implies itself and every dotted child, except that
// "computation" never implies "computation.intensive".
func Implies(granted, required Permission) bool {
	if granted == required {
		return true
	}
	if required == PermComputationIntensive {
		return false
	}
	return strings.HasPrefix(string(required), string(granted)+".")
}

// Set is an immutable collection of granted permissions. It is built once
// from the manifest's declared permission list at registration and is the
// sole input to every downstream authorization decision.
type Set struct {
	granted map[Permission]struct{}
}

// NewSet builds a Set from the declared permission list. Unknown
// permissions are ignored; the manifest validator rejects them before a
// Set is ever built.
func NewSet(perms []Permission) Set {
	granted := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		if knownPermissions[p] {
			granted[p] = struct{}{}
		}
	}
	return Set{granted: granted}
}

// Has reports whether p is granted, either verbatim or via a granted
// ancestor, honoring the computation.intensive exception.
func (s Set) Has(p Permission) bool {
	if _, ok := s.granted[p]; ok {
		return true
	}
	for g := range s.granted {
		if Implies(g, p) {
			return true
		}
	}
	return false
}

// List returns the verbatim grants in no particular order.
func (s Set) List() []Permission {
	perms := make([]Permission, 0, len(s.granted))
	for p := range s.granted {
		perms = append(perms, p)
	}
	return perms
}

// PermissionError reports a denied operation.
type PermissionError struct {
	PluginID   string
	Permission Permission
	Op         string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("plugin %s: permission %q required for %s", e.PluginID, e.Permission, e.Op)
}

// denyOnce suppresses repeated warnings for the same denied operation so a
// misbehaving plugin cannot flood the log.
type denyOnce struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *denyOnce) first(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}
