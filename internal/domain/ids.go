// Package domain contains pure business logic and types used across the
// core: no external dependencies beyond uuid generation are allowed here.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID is a value object representing a unique user identifier.
type UserID struct {
	value string
}

// NewUserID creates a UserID from a raw string, validating it is a valid UUID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return UserID{}, fmt.Errorf("invalid user ID %q: %w", raw, ErrInvalidID)
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateUserID creates a new random UserID.
func GenerateUserID() UserID {
	return UserID{value: uuid.NewString()}
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// OrgID is a value object representing a unique organization identifier.
type OrgID struct {
	value string
}

// NewOrgID creates an OrgID from a raw string, validating it is a valid UUID.
func NewOrgID(raw string) (OrgID, error) {
	if raw == "" {
		return OrgID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return OrgID{}, fmt.Errorf("invalid org ID %q: %w", raw, ErrInvalidID)
	}
	return OrgID{value: raw}, nil
}

// MustOrgID creates an OrgID, panicking on invalid input. Use only in tests.
func MustOrgID(raw string) OrgID {
	id, err := NewOrgID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateOrgID creates a new random OrgID.
func GenerateOrgID() OrgID {
	return OrgID{value: uuid.NewString()}
}

func (id OrgID) String() string { return id.value }
func (id OrgID) IsZero() bool   { return id.value == "" }

// ApiKeyID is a value object representing a unique API key identifier.
type ApiKeyID struct {
	value string
}

// NewApiKeyID creates an ApiKeyID from a raw string, validating it is a valid UUID.
func NewApiKeyID(raw string) (ApiKeyID, error) {
	if raw == "" {
		return ApiKeyID{}, ErrEmptyID
	}
	if _, err := uuid.Parse(raw); err != nil {
		return ApiKeyID{}, fmt.Errorf("invalid api key ID %q: %w", raw, ErrInvalidID)
	}
	return ApiKeyID{value: raw}, nil
}

// GenerateApiKeyID creates a new random ApiKeyID.
func GenerateApiKeyID() ApiKeyID {
	return ApiKeyID{value: uuid.NewString()}
}

func (id ApiKeyID) String() string { return id.value }
func (id ApiKeyID) IsZero() bool   { return id.value == "" }

// PaletteSessionID is a value object representing a node-palette session.
// Unlike the other IDs it is opaque per spec ("session id (opaque string)")
// rather than required to be a UUID, since a client may reconnect with a
// session id it was handed verbatim.
type PaletteSessionID struct {
	value string
}

// NewPaletteSessionID creates a PaletteSessionID from a raw, non-empty string.
func NewPaletteSessionID(raw string) (PaletteSessionID, error) {
	if raw == "" {
		return PaletteSessionID{}, ErrEmptyID
	}
	return PaletteSessionID{value: raw}, nil
}

// GeneratePaletteSessionID creates a new random PaletteSessionID.
func GeneratePaletteSessionID() PaletteSessionID {
	return PaletteSessionID{value: uuid.NewString()}
}

func (id PaletteSessionID) String() string { return id.value }
func (id PaletteSessionID) IsZero() bool   { return id.value == "" }

// ProviderID identifies an LLM provider (e.g. "openai-gpt4", "anthropic-claude").
// Provider ids are configuration-driven strings, not UUIDs.
type ProviderID struct {
	value string
}

// NewProviderID creates a ProviderID from a raw, non-empty string.
func NewProviderID(raw string) (ProviderID, error) {
	if raw == "" {
		return ProviderID{}, ErrEmptyID
	}
	return ProviderID{value: raw}, nil
}

func (id ProviderID) String() string { return id.value }
func (id ProviderID) IsZero() bool   { return id.value == "" }

// ConnectionID is a value object representing a unique client WebSocket
// connection identifier.
type ConnectionID struct {
	value string
}

// GenerateConnectionID creates a new random ConnectionID.
func GenerateConnectionID() ConnectionID {
	return ConnectionID{value: uuid.NewString()}
}

func (id ConnectionID) String() string { return id.value }
func (id ConnectionID) IsZero() bool   { return id.value == "" }
