package job

import (
	"encoding/json"
	"errors"
	"time"
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// Job types accepted by agents.
const (
	TypeScan   = "scan"
	TypeUpdate = "update"
	TypeReport = "report"
	TypeConfig = "config"
)

// MalformedReason is recorded on claimed rows that cannot be delivered.
const MalformedReason = "malformed job row"

// ErrNotFound is returned when a job does not exist or is not visible to the
// caller.
var ErrNotFound = errors.New("job not found")

// Job is one row of the jobs table. Recurring templates share the table but
// are never delivered.
type Job struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	AgentName         string          `json:"agent_name"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Status            string          `json:"status"`
	Approved          bool            `json:"approved"`
	CreatedAt         time.Time       `json:"created_at"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ScheduledAt       *time.Time      `json:"scheduled_at,omitempty"`
	IsRecurring       bool            `json:"is_recurring"`
	RecurrencePattern *string         `json:"recurrence_pattern,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	ParentJobID       *string         `json:"parent_job_id,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
}

// Delivery is what an agent receives from a poll.
type Delivery struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Approved bool            `json:"approved"`
}

// Valid reports whether the delivery can be handed to an agent.
func (d Delivery) Valid() bool {
	if d.ID == "" || d.Type == "" || len(d.Payload) == 0 {
		return false
	}
	return json.Valid(d.Payload) && string(d.Payload) != "null"
}

// CreateInput is the admin request to create a job or a recurring template.
type CreateInput struct {
	TenantID          string          `json:"tenantId"`
	AgentName         string          `json:"agentName"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Approved          bool            `json:"approved"`
	ScheduledAt       *time.Time      `json:"scheduledAt"`
	IsRecurring       bool            `json:"isRecurring"`
	RecurrencePattern string          `json:"recurrencePattern"`

	// Filled in by the service for templates.
	NextRunAt *time.Time `json:"-"`
}

// Reclaimed identifies a job returned to the queue by the reclaimer.
type Reclaimed struct {
	ID        string `json:"id"`
	AgentName string `json:"agent_name"`
	Type      string `json:"type"`
}

// Materialized is the outcome of running one recurring template.
type Materialized struct {
	TemplateID string     `json:"template_id"`
	InstanceID string     `json:"instance_id"`
	NextRunAt  *time.Time `json:"next_run_at"`
}
