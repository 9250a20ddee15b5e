package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

var validTypes = map[string]bool{
	TypeScan:   true,
	TypeUpdate: true,
	TypeReport: true,
	TypeConfig: true,
}

// ValidType reports whether t is a job type agents understand.
func ValidType(t string) bool {
	return validTypes[t]
}

// Validate checks a create request and normalizes its payload to a JSON
// object.
func (in *CreateInput) Validate() error {
	if in.TenantID == "" {
		return errors.New("tenantId is required")
	}
	if in.AgentName == "" {
		return errors.New("agentName is required")
	}
	if !ValidType(in.Type) {
		return fmt.Errorf("type must be one of scan, update, report, config")
	}

	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		in.Payload = json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(in.Payload, &obj); err != nil {
		return errors.New("payload must be a JSON object")
	}

	if in.IsRecurring {
		if in.RecurrencePattern == "" {
			return errors.New("recurrencePattern is required for recurring jobs")
		}
		if _, err := ParseRecurrence(in.RecurrencePattern); err != nil {
			return errors.New("recurrencePattern is not a valid schedule")
		}
	} else if in.RecurrencePattern != "" {
		return errors.New("recurrencePattern requires isRecurring")
	}
	return nil
}
