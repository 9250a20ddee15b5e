package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/outpost/internal/apierr"
)

// SignatureStore records consumed signatures.
type SignatureStore interface {
	Seen(ctx context.Context, sig string) (bool, error)
	// Consume records sig, returning false if it was already recorded.
	Consume(ctx context.Context, sig, agentName string, usedAt time.Time) (bool, error)
}

// Cleaner is notified after each accepted request so it can purge expired
// signatures in the background.
type Cleaner interface {
	Trigger()
}

// Request is the material of one signed agent call.
type Request struct {
	Token     string
	Signature string
	Timestamp string
	Nonce     string
	Body      []byte

	// Reported on failure; not part of verification.
	ClientIP  string
	Endpoint  string
	RequestID string
}

// Failure describes a rejected request for security logging.
type Failure struct {
	Code      apierr.Code
	AgentName string
	ClientIP  string
	Endpoint  string
	RequestID string
	At        time.Time
}

// Guard verifies signed agent requests.
type Guard struct {
	creds     CredentialLookup
	sigs      SignatureStore
	cleaner   Cleaner
	maxSkew   time.Duration
	now       func() time.Time
	onFailure []func(Failure)
}

// NewGuard creates a Guard. cleaner may be nil.
func NewGuard(creds CredentialLookup, sigs SignatureStore, cleaner Cleaner, maxSkew time.Duration) *Guard {
	return &Guard{
		creds:   creds,
		sigs:    sigs,
		cleaner: cleaner,
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// OnFailure registers fn to be called for every rejected request.
func (g *Guard) OnFailure(fn func(Failure)) {
	g.onFailure = append(g.onFailure, fn)
}

// Verify authenticates req and returns the calling agent. The signature is
// recorded before Verify returns, so the same request cannot be accepted
// twice.
func (g *Guard) Verify(ctx context.Context, req Request) (*Agent, error) {
	agent, err := g.verify(ctx, req)
	if err != nil {
		f := Failure{
			Code:      apierr.From(err).Code,
			ClientIP:  req.ClientIP,
			Endpoint:  req.Endpoint,
			RequestID: req.RequestID,
			At:        g.now(),
		}
		if agent != nil {
			f.AgentName = agent.Name
		}
		for _, fn := range g.onFailure {
			fn(f)
		}
		return nil, err
	}
	return agent, nil
}

func (g *Guard) verify(ctx context.Context, req Request) (*Agent, error) {
	if req.Token == "" || req.Signature == "" || req.Timestamp == "" || req.Nonce == "" {
		return nil, apierr.New(apierr.CodeMissingHeaders, "missing authentication headers")
	}
	tsMillis, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return nil, apierr.New(apierr.CodeMissingHeaders, "malformed timestamp header")
	}

	now := g.now()
	skew := now.Sub(time.UnixMilli(tsMillis))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew {
		e := apierr.New(apierr.CodeTimestampOutOfRange, "request timestamp outside allowed window")
		e.Transient = true
		return nil, e
	}

	sig := strings.ToLower(req.Signature)
	seen, err := g.sigs.Seen(ctx, sig)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	if seen {
		return nil, apierr.New(apierr.CodeReplayDetected, "request signature already used")
	}

	cred, err := g.creds.LookupCredential(ctx, HashToken(req.Token))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, apierr.New(apierr.CodeInvalidToken, "invalid agent token")
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	agent := &cred.Agent
	if !cred.Active || !now.Before(cred.ExpiresAt) {
		return agent, apierr.New(apierr.CodeInvalidToken, "agent token expired or revoked")
	}
	if cred.Secret == "" {
		return agent, apierr.Wrap(apierr.CodeInternal, "internal server error",
			errors.New("agent has no hmac secret"))
	}

	if !validSignature(cred.Secret, req.Timestamp, req.Nonce, req.Body, sig) {
		return agent, apierr.New(apierr.CodeInvalidSignature, "invalid request signature")
	}

	fresh, err := g.sigs.Consume(ctx, sig, agent.Name, now)
	if err != nil {
		return agent, apierr.Internal(err)
	}
	if !fresh {
		return agent, apierr.New(apierr.CodeReplayDetected, "request signature already used")
	}

	if err := g.creds.TouchToken(ctx, cred, now); err != nil {
		slog.Warn("failed to record token use", "agent", agent.Name, "error", err)
	}
	if g.cleaner != nil {
		g.cleaner.Trigger()
	}

	return agent, nil
}
