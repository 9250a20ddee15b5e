// Package audit records security events such as replayed or forged agent
// requests.
package audit

import "time"

// Event is one security-relevant rejection.
type Event struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Code       string    `json:"code"`
	AgentName  string    `json:"agent_name,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Query filters a listing of events.
type Query struct {
	Code      string
	AgentName string
	Since     time.Time
	Limit     int
}
