// Package quota checks per-tenant feature quotas owned by the tenant
// management service.
package quota

import (
	"context"
	"errors"
	"log/slog"
)

// FailOpen controls what happens when the feature lookup fails: the action
// is allowed and the error is logged.
const FailOpen = true

// FeatureMaxAgents caps the number of enrolled agents per tenant.
const FeatureMaxAgents = "max_agents"

// ErrFeatureNotFound is returned by a FeatureStore when the tenant has no row
// for the feature.
var ErrFeatureNotFound = errors.New("feature not found")

// Feature is one tenant's entitlement row. A nil Limit means unlimited.
type Feature struct {
	TenantID string `json:"tenant_id"`
	Key      string `json:"feature_key"`
	Enabled  bool   `json:"enabled"`
	Limit    *int64 `json:"quota_limit"`
	Used     int64  `json:"quota_used"`
}

// Result is the outcome of a quota check.
type Result struct {
	Allowed bool
	Current int64
	Limit   *int64
}

// FeatureStore reads tenant features.
type FeatureStore interface {
	GetFeature(ctx context.Context, tenantID, key string) (*Feature, error)
}

// Checker evaluates quotas against a FeatureStore.
type Checker struct {
	store FeatureStore
}

// NewChecker creates a Checker.
func NewChecker(store FeatureStore) *Checker {
	return &Checker{store: store}
}

// Check reports whether the tenant may consume one more unit of feature.
//
// A tenant with no row for the feature is allowed, since features are opt-in
// restrictions. A disabled feature is always denied.
func (c *Checker) Check(ctx context.Context, tenantID, feature string) Result {
	f, err := c.store.GetFeature(ctx, tenantID, feature)
	if errors.Is(err, ErrFeatureNotFound) {
		return Result{Allowed: true}
	}
	if err != nil {
		slog.Error("quota check failed", "tenant", tenantID, "feature", feature, "error", err)
		return Result{Allowed: FailOpen}
	}
	return Evaluate(f)
}

// Evaluate applies the quota rules to a feature row.
func Evaluate(f *Feature) Result {
	r := Result{Current: f.Used, Limit: f.Limit}
	switch {
	case !f.Enabled:
		r.Allowed = false
	case f.Limit == nil:
		r.Allowed = true
	default:
		r.Allowed = f.Used < *f.Limit
	}
	return r
}
