package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/domain"
)

const validUUID = "550e8400-e29b-41d4-a716-446655440000"

func TestUserID(t *testing.T) {
	t.Run("valid UUID", func(t *testing.T) {
		id, err := domain.NewUserID(validUUID)
		require.NoError(t, err)
		assert.Equal(t, validUUID, id.String())
		assert.False(t, id.IsZero())
	})

	t.Run("empty string returns error", func(t *testing.T) {
		_, err := domain.NewUserID("")
		assert.ErrorIs(t, err, domain.ErrEmptyID)
	})

	t.Run("invalid format returns error", func(t *testing.T) {
		_, err := domain.NewUserID("not-a-uuid")
		assert.ErrorIs(t, err, domain.ErrInvalidID)
	})

	t.Run("zero value is zero", func(t *testing.T) {
		var id domain.UserID
		assert.True(t, id.IsZero())
		assert.Empty(t, id.String())
	})

	t.Run("generate creates a parseable ID", func(t *testing.T) {
		id := domain.GenerateUserID()
		assert.False(t, id.IsZero())
		_, err := domain.NewUserID(id.String())
		require.NoError(t, err)
	})

	t.Run("MustUserID panics on invalid", func(t *testing.T) {
		assert.Panics(t, func() {
			domain.MustUserID("invalid")
		})
	})
}

func TestOrgID(t *testing.T) {
	t.Run("valid UUID", func(t *testing.T) {
		id, err := domain.NewOrgID(validUUID)
		require.NoError(t, err)
		assert.Equal(t, validUUID, id.String())
	})

	t.Run("empty string returns error", func(t *testing.T) {
		_, err := domain.NewOrgID("")
		assert.ErrorIs(t, err, domain.ErrEmptyID)
	})

	t.Run("generate creates a parseable ID", func(t *testing.T) {
		id := domain.GenerateOrgID()
		_, err := domain.NewOrgID(id.String())
		require.NoError(t, err)
	})
}

func TestApiKeyID(t *testing.T) {
	t.Run("invalid format returns error", func(t *testing.T) {
		_, err := domain.NewApiKeyID("nope")
		assert.ErrorIs(t, err, domain.ErrInvalidID)
	})

	t.Run("generate creates a parseable ID", func(t *testing.T) {
		id := domain.GenerateApiKeyID()
		_, err := domain.NewApiKeyID(id.String())
		require.NoError(t, err)
	})
}

func TestPaletteSessionID(t *testing.T) {
	t.Run("opaque non-UUID strings are accepted", func(t *testing.T) {
		id, err := domain.NewPaletteSessionID("client-chosen-opaque-id")
		require.NoError(t, err)
		assert.Equal(t, "client-chosen-opaque-id", id.String())
	})

	t.Run("empty string returns error", func(t *testing.T) {
		_, err := domain.NewPaletteSessionID("")
		assert.ErrorIs(t, err, domain.ErrEmptyID)
	})

	t.Run("generate creates a non-zero ID", func(t *testing.T) {
		id := domain.GeneratePaletteSessionID()
		assert.False(t, id.IsZero())
	})
}

func TestProviderID(t *testing.T) {
	t.Run("accepts configuration-driven names", func(t *testing.T) {
		id, err := domain.NewProviderID("anthropic-claude")
		require.NoError(t, err)
		assert.Equal(t, "anthropic-claude", id.String())
	})

	t.Run("empty string returns error", func(t *testing.T) {
		_, err := domain.NewProviderID("")
		assert.ErrorIs(t, err, domain.ErrEmptyID)
	})
}

func TestConnectionID(t *testing.T) {
	t.Run("generate creates a non-zero ID", func(t *testing.T) {
		id := domain.GenerateConnectionID()
		assert.False(t, id.IsZero())
	})
}
