package ws

import "time"

// ConnInfo describes a live connection for logs and audit events.
type ConnInfo struct {
	ConnID      string
	IdentityID  string
	DeviceID    string
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
