// Package report stores result files uploaded by agents.
package report

import (
	"errors"
	"time"
)

// MaxContentSize bounds a single report.
const MaxContentSize = 10 << 20

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// Report is the metadata of an uploaded report.
type Report struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	AgentName   string    `json:"agentName"`
	JobID       *string   `json:"jobId,omitempty"`
	Kind        string    `json:"kind"`
	Filename    string    `json:"file"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Upload is one report as received from an agent.
type Upload struct {
	TenantID    string
	AgentName   string
	JobID       string
	Kind        string
	Filename    string
	ContentType string
	Content     []byte
}

// ListParams filters a listing of reports.
type ListParams struct {
	TenantID  string
	AgentName string
	Limit     int
}
