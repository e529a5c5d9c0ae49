package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/diagramflow/core/internal/domain"
)

// apiKeyDB is the narrow pgx surface api key lookups and usage increments
// need.
type apiKeyDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ApiKeyStore retrieves and mutates ApiKey rows.
type ApiKeyStore struct {
	db apiKeyDB
}

// NewApiKeyStore builds an ApiKeyStore over db.
func NewApiKeyStore(db apiKeyDB) *ApiKeyStore {
	return &ApiKeyStore{db: db}
}

// FindBySecretHash returns the api key whose secret_hash matches hash, or
// domain.ErrNotFound if none exists.
func (s *ApiKeyStore) FindBySecretHash(ctx context.Context, hash []byte) (domain.ApiKey, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, org_id, quota_limit, usage_count, active, expiry
		FROM api_keys
		WHERE secret_hash = $1`, hash)

	var (
		rawID      string
		orgIDRaw   *string
		quotaLimit *int64
		usageCount int64
		active     bool
		expiry     *time.Time
	)
	if err := row.Scan(&rawID, &orgIDRaw, &quotaLimit, &usageCount, &active, &expiry); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ApiKey{}, fmt.Errorf("api key store: %w", domain.ErrNotFound)
		}
		return domain.ApiKey{}, fmt.Errorf("api key store: scan: %w", err)
	}

	id, err := domain.NewApiKeyID(rawID)
	if err != nil {
		return domain.ApiKey{}, fmt.Errorf("api key store: parse api key id: %w", err)
	}

	key := domain.ApiKey{ID: id, Active: active, UsageCount: usageCount}
	if orgIDRaw != nil {
		key.OrgID, err = domain.NewOrgID(*orgIDRaw)
		if err != nil {
			return domain.ApiKey{}, fmt.Errorf("api key store: parse org id: %w", err)
		}
	}
	if quotaLimit != nil {
		key.HasQuota = true
		key.QuotaLimit = *quotaLimit
	}
	if expiry != nil {
		key.Expiry = *expiry
	}
	return key, nil
}

// IncrementUsage bumps usage_count by one, the only mutation allowed
// against an api key outside of revoke (spec.md §3's ApiKey invariant).
func (s *ApiKeyStore) IncrementUsage(ctx context.Context, id domain.ApiKeyID) error {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET usage_count = usage_count + 1 WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("api key store: increment usage: %w", err)
	}
	return nil
}
