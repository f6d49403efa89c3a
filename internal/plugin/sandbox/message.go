package sandbox

import "github.com/google/uuid"

// MessageType enumerates every message that may cross the isolation
// boundary. No other channel between host and plugin exists.
type MessageType string

// Host -> context requests.
const (
	TypeLoad       MessageType = "load"
	TypeInitialize MessageType = "initialize"
	TypeCleanup    MessageType = "cleanup"
	TypeCallMethod MessageType = "call-method"
	TypeEvent      MessageType = "event"
)

// Context -> host requests and replies.
const (
	TypeAPICall      MessageType = "api-call"
	TypeAPIResult    MessageType = "api-result"
	TypeAPIError     MessageType = "api-error"
	TypeLoaded       MessageType = "loaded"
	TypeInitialized  MessageType = "initialized"
	TypeCleanedUp    MessageType = "cleaned-up"
	TypeMethodResult MessageType = "method-result"
	TypeError        MessageType = "error"
	TypeReady        MessageType = "ready"
)

// Envelope is the only unit exchanged across the isolation boundary. ID is
// the correlation key: a reply always echoes the ID of the request it
// answers, and the receiver dispatches strictly by it.
type Envelope struct {
	Type    MessageType
	ID      string
	Payload any
}

// newCorrelationID mints a fresh correlation key. Every request gets its
// own; the pending table guarantees an id resolves at most one handle.
func newCorrelationID() string {
	return uuid.New().String()
}

// LoadPayload carries the plugin source for a load request.
type LoadPayload struct {
	Source string
}

// LoadedPayload reports the surface the plugin exports after loading.
type LoadedPayload struct {
	Methods    []string
	Events     []string
	Components []string
}

// InitializePayload carries the plugin configuration for initialize.
type InitializePayload struct {
	Config map[string]any
}

// CallPayload names an exported plugin method and its arguments.
type CallPayload struct {
	Method string
	Args   []any
}

// ResultPayload carries a method's return value.
type ResultPayload struct {
	Value any
}

// EventPayload delivers a host event into the plugin.
type EventPayload struct {
	Name string
	Data map[string]any
}

// APICallPayload is a plugin-originated host API invocation.
type APICallPayload struct {
	API    string
	Method string
	Args   []any
}

// ErrorPayload carries a failure message for error and api-error replies.
// Kind distinguishes failure classes the host maps onto typed errors.
type ErrorPayload struct {
	Message string
	Kind    string
}

const (
	errKindRuntime        = "runtime"
	errKindMethodNotFound = "method-not-found"
)
