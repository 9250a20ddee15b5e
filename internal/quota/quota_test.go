package quota

import (
	"context"
	"errors"
	"testing"
)

type fakeFeatures struct {
	rows map[string]*Feature
	err  error
}

func (f *fakeFeatures) GetFeature(_ context.Context, tenantID, key string) (*Feature, error) {
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[tenantID+"/"+key]
	if !ok {
		return nil, ErrFeatureNotFound
	}
	return row, nil
}

func limit(n int64) *int64 { return &n }

func TestCheck(t *testing.T) {
	store := &fakeFeatures{rows: map[string]*Feature{
		"t1/max_agents": {TenantID: "t1", Key: FeatureMaxAgents, Enabled: true, Limit: limit(5), Used: 5},
		"t2/max_agents": {TenantID: "t2", Key: FeatureMaxAgents, Enabled: true, Limit: limit(5), Used: 4},
		"t3/max_agents": {TenantID: "t3", Key: FeatureMaxAgents, Enabled: true, Limit: nil, Used: 1000},
		"t4/max_agents": {TenantID: "t4", Key: FeatureMaxAgents, Enabled: false, Limit: limit(100), Used: 0},
	}}
	c := NewChecker(store)

	tests := []struct {
		tenant  string
		allowed bool
	}{
		{"t1", false}, // at limit
		{"t2", true},
		{"t3", true},  // unlimited
		{"t4", false}, // disabled
		{"t5", true},  // no row
	}
	for _, tt := range tests {
		t.Run(tt.tenant, func(t *testing.T) {
			r := c.Check(context.Background(), tt.tenant, FeatureMaxAgents)
			if r.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", r.Allowed, tt.allowed)
			}
		})
	}
}

func TestCheckReportsUsage(t *testing.T) {
	store := &fakeFeatures{rows: map[string]*Feature{
		"t1/max_agents": {Enabled: true, Limit: limit(5), Used: 5},
	}}
	r := NewChecker(store).Check(context.Background(), "t1", FeatureMaxAgents)
	if r.Current != 5 || r.Limit == nil || *r.Limit != 5 {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestCheckFailsOpen(t *testing.T) {
	c := NewChecker(&fakeFeatures{err: errors.New("connection refused")})
	if r := c.Check(context.Background(), "t1", FeatureMaxAgents); !r.Allowed {
		t.Fatal("lookup errors must allow the action")
	}
}
