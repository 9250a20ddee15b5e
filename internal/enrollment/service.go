// Package enrollment turns one-time enrollment keys into long-lived agent
// credentials.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/crypto"
	"github.com/alecgard/outpost/internal/quota"
)

// KeyStore is the persistence needed by Service.
type KeyStore interface {
	CreateKey(ctx context.Context, in NewKey) (*Key, error)
	GetKeyByHash(ctx context.Context, codeHash string) (*Key, error)
	DeactivateKey(ctx context.Context, id string) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	PurgeInactive(ctx context.Context, horizon time.Time) (int64, error)
	Redeem(ctx context.Context, in RedeemInput) (string, error)
}

// AgentNames reports whether an agent name is already taken in a tenant.
type AgentNames interface {
	ExistsByName(ctx context.Context, tenantID, name string) (bool, error)
}

// QuotaChecker is satisfied by *quota.Checker.
type QuotaChecker interface {
	Check(ctx context.Context, tenantID, feature string) quota.Result
}

// Service implements enrollment and key administration.
type Service struct {
	keys     KeyStore
	agents   AgentNames
	quotas   QuotaChecker
	sealer   *crypto.Sealer
	tokenTTL time.Duration
	now      func() time.Time
	generate func() (string, error)
}

const maxCodeAttempts = 3

// NewService creates a Service. sealer may be nil.
func NewService(keys KeyStore, agents AgentNames, quotas QuotaChecker, sealer *crypto.Sealer, tokenTTL time.Duration) *Service {
	return &Service{
		keys:     keys,
		agents:   agents,
		quotas:   quotas,
		sealer:   sealer,
		tokenTTL: tokenTTL,
		now:      time.Now,
		generate: GenerateCode,
	}
}

// Enroll redeems an enrollment key for agentName and returns its new
// credentials. Errors are *apierr.Error values.
func (s *Service) Enroll(ctx context.Context, in EnrollInput) (*Result, error) {
	code := NormalizeCode(in.EnrollmentKey)
	if !ValidCode(code) {
		return nil, apierr.New(apierr.CodeInvalidEnrollmentKey, "invalid enrollment key")
	}
	if err := ValidateAgentName(in.AgentName); err != nil {
		return nil, apierr.New(apierr.CodeValidation, err.Error())
	}

	now := s.now()
	key, err := s.keys.GetKeyByHash(ctx, HashCode(code))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, apierr.New(apierr.CodeInvalidEnrollmentKey, "invalid enrollment key")
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if !key.Active {
		return nil, apierr.New(apierr.CodeInvalidEnrollmentKey, "invalid enrollment key")
	}
	if !now.Before(key.ExpiresAt) {
		if err := s.keys.DeactivateKey(ctx, key.ID); err != nil {
			slog.Warn("failed to deactivate expired enrollment key", "key_id", key.ID, "error", err)
		}
		return nil, apierr.New(apierr.CodeExpiredEnrollmentKey, "enrollment key expired")
	}
	if key.CurrentUses >= key.MaxUses {
		return nil, apierr.New(apierr.CodeKeyUsageExceeded, "enrollment key usage limit reached")
	}

	exists, err := s.agents.ExistsByName(ctx, key.TenantID, in.AgentName)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if !exists {
		if r := s.quotas.Check(ctx, key.TenantID, quota.FeatureMaxAgents); !r.Allowed {
			return nil, apierr.QuotaExceeded(r.Current, r.Limit)
		}
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, apierr.Internal(err)
	}
	sealed, err := s.sealer.Seal(secret, agent.SecretOwner(key.TenantID, in.AgentName))
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("sealing secret: %w", err))
	}
	token, tokenHash, err := auth.GenerateAgentToken()
	if err != nil {
		return nil, apierr.Internal(err)
	}

	expiresAt := now.Add(s.tokenTTL)
	agentID, err := s.keys.Redeem(ctx, RedeemInput{
		KeyID:          key.ID,
		TenantID:       key.TenantID,
		AgentName:      in.AgentName,
		SealedSecret:   sealed,
		TokenHash:      tokenHash,
		TokenExpiresAt: expiresAt,
		Now:            now,
	})
	if errors.Is(err, ErrKeyExhausted) {
		return nil, apierr.New(apierr.CodeKeyUsageExceeded, "enrollment key usage limit reached")
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}

	slog.Info("agent enrolled",
		"agent", in.AgentName,
		"agent_id", agentID,
		"tenant", key.TenantID,
		"key_id", key.ID,
		"new_agent", !exists)

	return &Result{AgentID: agentID, AgentToken: token, HMACSecret: secret, ExpiresAt: expiresAt}, nil
}

// CreateKey issues a new enrollment key. MaxUses defaults to 1.
func (s *Service) CreateKey(ctx context.Context, in CreateKeyInput) (*IssuedKey, error) {
	if in.TenantID == "" {
		return nil, apierr.New(apierr.CodeValidation, "tenantId is required")
	}
	if in.ExpiresInHours <= 0 {
		return nil, apierr.New(apierr.CodeValidation, "expiresInHours must be positive")
	}
	if in.MaxUses == 0 {
		in.MaxUses = 1
	}
	if in.MaxUses < 0 {
		return nil, apierr.New(apierr.CodeValidation, "maxUses must be positive")
	}

	expiresAt := s.now().Add(time.Duration(in.ExpiresInHours) * time.Hour)
	for attempt := 0; ; attempt++ {
		code, err := s.generate()
		if err != nil {
			return nil, apierr.Internal(err)
		}
		key, err := s.keys.CreateKey(ctx, NewKey{
			CodeHash:    HashCode(code),
			TenantID:    in.TenantID,
			Description: in.Description,
			MaxUses:     in.MaxUses,
			ExpiresAt:   expiresAt,
		})
		if errors.Is(err, ErrDuplicateCode) && attempt < maxCodeAttempts-1 {
			slog.Warn("enrollment code collision, regenerating", "tenant", in.TenantID)
			continue
		}
		if err != nil {
			return nil, apierr.Internal(err)
		}
		return &IssuedKey{Key: *key, Code: code}, nil
	}
}

// Revoke deactivates a key.
func (s *Service) Revoke(ctx context.Context, id string) error {
	err := s.keys.DeactivateKey(ctx, id)
	if errors.Is(err, ErrKeyNotFound) {
		return apierr.New(apierr.CodeNotFound, "enrollment key not found")
	}
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

// PurgeExpired deactivates expired keys and deletes inactive keys that
// expired more than grace ago.
func (s *Service) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	now := s.now()
	if _, err := s.keys.DeactivateExpired(ctx, now); err != nil {
		return 0, err
	}
	return s.keys.PurgeInactive(ctx, now.Add(-grace))
}
