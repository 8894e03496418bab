// Package events defines event types and payloads for the worldgate event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle events
	EventConnectionAccepted   EventType = "connection_accepted"
	EventSessionAuthenticated EventType = "session_authenticated"
	EventSessionClosed        EventType = "session_closed"
	EventAuthFailed           EventType = "auth_failed"
	EventTamperDetected       EventType = "tamper_detected"
	EventSessionKicked        EventType = "session_kicked"

	// Realm events
	EventRealmStatusChanged EventType = "realm_status_changed"

	// Health events
	EventHeartbeat       EventType = "heartbeat"
	EventResourceWarning EventType = "resource_warning"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectionPayload describes a connection-level event.
type ConnectionPayload struct {
	ConnID         string `json:"conn_id"`
	RemoteAddr     string `json:"remote_addr"`
	AccountID      uint32 `json:"account_id,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// AuthFailedPayload is emitted when an authentication attempt is rejected.
type AuthFailedPayload struct {
	ConnID     string `json:"conn_id"`
	RemoteAddr string `json:"remote_addr"`
	AccountID  uint32 `json:"account_id,omitempty"`
	Result     string `json:"result"`
}

// RealmStatusPayload is emitted when the realm gate changes.
type RealmStatusPayload struct {
	RealmID          uint32 `json:"realm_id"`
	Closed           bool   `json:"closed"`
	RequiredSecurity string `json:"required_security"`
}

// HeartbeatPayload is the periodic liveness report.
type HeartbeatPayload struct {
	Connections int       `json:"connections"`
	Sessions    int       `json:"sessions"`
	RealmClosed bool      `json:"realm_closed"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResourceWarningPayload is emitted when host usage crosses a threshold.
type ResourceWarningPayload struct {
	Resource string  `json:"resource"`
	Percent  float64 `json:"percent"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
