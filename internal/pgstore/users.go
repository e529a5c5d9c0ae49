package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/diagramflow/core/internal/domain"
)

// userQuerier is a narrow, consumer-defined interface for the pgx
// operations the user lookups need. *pgxpool.Pool satisfies this.
type userQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserStore retrieves User rows from the relational store.
type UserStore struct {
	db userQuerier
}

// NewUserStore builds a UserStore over db (typically a Client's pool).
func NewUserStore(db userQuerier) *UserStore {
	return &UserStore{db: db}
}

// FindByPhone returns the user registered under phone, or domain.ErrNotFound
// if none exists.
func (s *UserStore) FindByPhone(ctx context.Context, phone domain.PhoneNumber) (domain.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, phone, role, active, org_id
		FROM users
		WHERE phone = $1`, phone.String())

	return scanUser(row)
}

// GetByID returns the user with the given ID, or domain.ErrNotFound if none
// exists.
func (s *UserStore) GetByID(ctx context.Context, id domain.UserID) (domain.User, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, phone, role, active, org_id
		FROM users
		WHERE id = $1`, id.String())

	return scanUser(row)
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		id       string
		phone    string
		role     string
		active   bool
		orgIDRaw *string
	)
	if err := row.Scan(&id, &phone, &role, &active, &orgIDRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("user store: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("user store: scan: %w", err)
	}

	userID, err := domain.NewUserID(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("user store: parse user id: %w", err)
	}
	phoneNum, err := domain.NewPhoneNumber(phone)
	if err != nil {
		return domain.User{}, fmt.Errorf("user store: parse phone: %w", err)
	}

	var orgID domain.OrgID
	if orgIDRaw != nil {
		orgID, err = domain.NewOrgID(*orgIDRaw)
		if err != nil {
			return domain.User{}, fmt.Errorf("user store: parse org id: %w", err)
		}
	}

	return domain.User{
		ID:     userID,
		Phone:  phoneNum,
		Role:   domain.Role(role),
		Active: active,
		OrgID:  orgID,
	}, nil
}
