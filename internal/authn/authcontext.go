package authn

import (
	"context"
	"fmt"

	"github.com/diagramflow/core/internal/domain"
)

// AuthContext is the detached result of authenticating one inbound
// request: who the caller is, which organization (if any) they belong
// to, and their present quota standing. Built once at request entry and
// carried by value — nothing downstream holds a database connection or
// re-queries the relational store mid-request.
type AuthContext struct {
	UserID     domain.UserID
	OrgID      domain.OrgID
	Role       domain.Role
	QuotaState domain.QuotaState
}

// UserLookup is the narrow relational-store surface the JWT path needs.
// Implemented by internal/pgstore.UserStore.
type UserLookup interface {
	GetByID(ctx context.Context, id domain.UserID) (domain.User, error)
}

// OrganizationLookup is the narrow relational-store surface both auth
// paths need to check lock/expiry. Implemented by
// internal/pgstore.OrganizationStore.
type OrganizationLookup interface {
	GetByID(ctx context.Context, id domain.OrgID) (domain.Organization, error)
}

// ApiKeyLookup is the narrow relational-store surface the API-key path
// needs. Implemented by internal/pgstore.ApiKeyStore.
type ApiKeyLookup interface {
	FindBySecretHash(ctx context.Context, hash []byte) (domain.ApiKey, error)
}

// Authenticator maps an inbound credential (bearer JWT or API key) to a
// detached AuthContext (SPEC_FULL §4.7).
type Authenticator struct {
	validator *Validator
	users     UserLookup
	orgs      OrganizationLookup
	apiKeys   ApiKeyLookup
	clock     domain.Clock
}

// AuthenticatorConfig holds the dependencies needed to construct an
// Authenticator.
type AuthenticatorConfig struct {
	Validator *Validator
	Users     UserLookup
	Orgs      OrganizationLookup
	ApiKeys   ApiKeyLookup
	Clock     domain.Clock
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Authenticator{
		validator: cfg.Validator,
		users:     cfg.Users,
		orgs:      cfg.Orgs,
		apiKeys:   cfg.ApiKeys,
		clock:     clock,
	}
}

// AuthenticateBearer validates a JWT access token and resolves it to an
// AuthContext. A disabled user or a locked/expired organization maps to
// domain.ErrForbidden.
func (a *Authenticator) AuthenticateBearer(ctx context.Context, token string) (AuthContext, error) {
	claims, err := a.validator.ValidateAccessToken(token)
	if err != nil {
		return AuthContext{}, fmt.Errorf("authenticate bearer: %w", domain.ErrUnauthorized)
	}

	userID, err := domain.NewUserID(claims.Subject)
	if err != nil {
		return AuthContext{}, fmt.Errorf("authenticate bearer: %w", domain.ErrUnauthorized)
	}

	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		if domain.IsNotFound(err) {
			return AuthContext{}, fmt.Errorf("authenticate bearer: %w", domain.ErrUnauthorized)
		}
		return AuthContext{}, fmt.Errorf("authenticate bearer: look up user: %w", err)
	}
	if !user.Active {
		return AuthContext{}, fmt.Errorf("authenticate bearer: %w", domain.ErrForbidden)
	}

	if err := a.checkOrg(ctx, user.OrgID); err != nil {
		return AuthContext{}, err
	}

	return AuthContext{
		UserID:     user.ID,
		OrgID:      user.OrgID,
		Role:       user.Role,
		QuotaState: domain.QuotaState{Unlimited: true},
	}, nil
}

// AuthenticateApiKey hashes and looks up the presented key and resolves
// it to an AuthContext. An inactive, expired, or over-quota key maps to
// domain.ErrForbidden or domain.ErrQuotaExceeded respectively.
func (a *Authenticator) AuthenticateApiKey(ctx context.Context, rawKey domain.SecretString) (AuthContext, error) {
	hash := HashSecret(rawKey)

	key, err := a.apiKeys.FindBySecretHash(ctx, hash)
	if err != nil {
		if domain.IsNotFound(err) {
			return AuthContext{}, fmt.Errorf("authenticate api key: %w", domain.ErrUnauthorized)
		}
		return AuthContext{}, fmt.Errorf("authenticate api key: look up key: %w", err)
	}

	now := a.clock.Now()
	if !key.Active || (!key.Expiry.IsZero() && key.Expiry.Before(now)) {
		return AuthContext{}, fmt.Errorf("authenticate api key: %w", domain.ErrForbidden)
	}
	if key.HasQuota && key.UsageCount >= key.QuotaLimit {
		return AuthContext{}, fmt.Errorf("authenticate api key: %w", domain.ErrQuotaExceeded)
	}

	if err := a.checkOrg(ctx, key.OrgID); err != nil {
		return AuthContext{}, err
	}

	quota := domain.QuotaState{Unlimited: true}
	if key.HasQuota {
		quota = domain.QuotaState{Limit: key.QuotaLimit, Used: key.UsageCount}
	}

	return AuthContext{
		OrgID:      key.OrgID,
		Role:       domain.RoleNormal,
		QuotaState: quota,
	}, nil
}

// checkOrg returns domain.ErrForbidden if orgID is non-zero and that
// organization is locked or expired.
func (a *Authenticator) checkOrg(ctx context.Context, orgID domain.OrgID) error {
	if orgID.IsZero() {
		return nil
	}
	org, err := a.orgs.GetByID(ctx, orgID)
	if err != nil {
		if domain.IsNotFound(err) {
			return fmt.Errorf("check organization: %w", domain.ErrForbidden)
		}
		return fmt.Errorf("check organization: %w", err)
	}
	if org.IsEffectivelyDisabled(a.clock.Now()) {
		return fmt.Errorf("check organization: %w", domain.ErrForbidden)
	}
	return nil
}
