package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/diagramflow/core/internal/domain"
)

// orgQuerier is the narrow pgx surface organization lookups need.
type orgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OrganizationStore retrieves Organization rows from the relational store.
type OrganizationStore struct {
	db orgQuerier
}

// NewOrganizationStore builds an OrganizationStore over db.
func NewOrganizationStore(db orgQuerier) *OrganizationStore {
	return &OrganizationStore{db: db}
}

// GetByID returns the organization with the given ID, or domain.ErrNotFound
// if none exists.
func (s *OrganizationStore) GetByID(ctx context.Context, id domain.OrgID) (domain.Organization, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, expiry, locked
		FROM organizations
		WHERE id = $1`, id.String())

	var (
		rawID  string
		name   string
		expiry *time.Time
		locked bool
	)
	if err := row.Scan(&rawID, &name, &expiry, &locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Organization{}, fmt.Errorf("organization store: %w", domain.ErrNotFound)
		}
		return domain.Organization{}, fmt.Errorf("organization store: scan: %w", err)
	}

	orgID, err := domain.NewOrgID(rawID)
	if err != nil {
		return domain.Organization{}, fmt.Errorf("organization store: parse org id: %w", err)
	}

	org := domain.Organization{ID: orgID, Name: name, Locked: locked}
	if expiry != nil {
		org.Expiry = *expiry
	}
	return org, nil
}
