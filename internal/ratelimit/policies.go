package ratelimit

import (
	"time"

	"github.com/alecgard/outpost/internal/config"
)

// Endpoint names used as the second half of the rate-limit key.
const (
	EndpointEnroll       = "enroll"
	EndpointHeartbeat    = "heartbeat"
	EndpointPollJobs     = "poll-jobs"
	EndpointAckJob       = "ack-job"
	EndpointUploadReport = "upload-report"
	EndpointDefault      = "default"
)

// Policies maps endpoint names to their policy.
type Policies map[string]Policy

// PoliciesFromConfig converts the configured policies.
func PoliciesFromConfig(cfg map[string]config.RateLimitPolicy) Policies {
	ps := make(Policies, len(cfg))
	for name, p := range cfg {
		ps[name] = Policy{MaxRequests: p.MaxRequests, Window: p.Window, Block: p.Block}
	}
	return ps
}

// For returns the policy for endpoint, falling back to the "default" entry
// and finally to 60 requests per minute.
func (ps Policies) For(endpoint string) Policy {
	if p, ok := ps[endpoint]; ok {
		return p
	}
	if p, ok := ps[EndpointDefault]; ok {
		return p
	}
	return Policy{MaxRequests: 60, Window: time.Minute, Block: 5 * time.Minute}
}

// LongestWindow returns the largest window or block among the policies.
func (ps Policies) LongestWindow() time.Duration {
	var longest time.Duration
	for _, p := range ps {
		if p.Window > longest {
			longest = p.Window
		}
		if p.Block > longest {
			longest = p.Block
		}
	}
	return longest
}
