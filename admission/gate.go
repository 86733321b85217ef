package admission

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// Authenticator resolves a presented API key
type Authenticator interface {
	Authenticate(ctx context.Context, plaintext string) (*AuthContext, error)
}

// SpendChecker enforces spending caps
type SpendChecker interface {
	CheckSpendingCap(ctx context.Context, organizationID string, spend Spend) error
}

// ParseFunc reads and fully validates the request for the authenticated
// caller and returns the value it would move. It runs only after
// authentication and rate limiting pass.
type ParseFunc func(auth *AuthContext) (Spend, error)

// Gate runs the admission checks strictly in order; the first failure is
// terminal and later checks never run.
type Gate struct {
	keys    Authenticator
	limiter *RateLimiter
	spend   SpendChecker
	logger  *zap.SugaredLogger
}

// NewGate creates a gate
func NewGate(keys Authenticator, limiter *RateLimiter, spend SpendChecker, log *zap.SugaredLogger) *Gate {
	return &Gate{
		keys:    keys,
		limiter: limiter,
		spend:   spend,
		logger:  logger.AddGateSymbol(log),
	}
}

// Authenticate runs only the first check, for endpoints that need a caller
// but do not execute anything.
func (g *Gate) Authenticate(ctx context.Context, bearer string) (*AuthContext, error) {
	return g.keys.Authenticate(ctx, bearer)
}

// Admit authenticates, rate limits, parses and checks the spending cap.
func (g *Gate) Admit(ctx context.Context, bearer string, parse ParseFunc) (*AuthContext, error) {
	auth, err := g.keys.Authenticate(ctx, bearer)
	if err != nil {
		g.logger.Debugw("Admission rejected", "stage", "authenticate", logger.FieldError, err)
		return nil, err
	}

	if allowed, retryAfter := g.limiter.Allow(auth.APIKeyID); !allowed {
		g.logger.Infow("Admission rejected",
			"stage", "rate_limit",
			logger.FieldAPIKeyID, auth.APIKeyID,
			"retry_after", retryAfter.String())
		return auth, errors.NewRateLimitError(retryAfter)
	}

	spend, err := parse(auth)
	if err != nil {
		return auth, err
	}

	if g.spend != nil {
		if err := g.spend.CheckSpendingCap(ctx, auth.OrganizationID, spend); err != nil {
			g.logger.Infow("Admission rejected",
				"stage", "spending_cap",
				logger.FieldOrganizationID, auth.OrganizationID,
				"asset", spend.Asset,
				logger.FieldError, err)
			return auth, err
		}
	}
	return auth, nil
}

// BearerToken extracts the key from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
