package memstore

import (
	"context"

	"github.com/alecgard/outpost/internal/quota"
)

// Features implements quota.FeatureStore.
type Features struct{ *db }

// GetFeature returns the feature row or quota.ErrFeatureNotFound.
func (s *Features) GetFeature(_ context.Context, tenantID, key string) (*quota.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[tenantID+"/"+key]
	if !ok {
		return nil, quota.ErrFeatureNotFound
	}
	return &f, nil
}

// SetFeature upserts a feature row.
func (s *Features) SetFeature(_ context.Context, f quota.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.TenantID+"/"+f.Key] = f
	return nil
}
