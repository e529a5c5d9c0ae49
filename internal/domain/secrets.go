package domain

import "log/slog"

// SecretString wraps sensitive string values (API keys, provider bearer
// tokens, SMS codes) so that accidental logging or string formatting never
// exposes the plaintext value.
type SecretString string

// String returns a redacted placeholder, never the actual value.
func (s SecretString) String() string {
	return "[REDACTED]"
}

// LogValue implements slog.LogValuer so secrets are never logged in plaintext
// even if a call site forgets to redact explicitly.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret value. Use only where the secret must be
// used directly (provider bearer header, SMS gateway signature).
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}

// SecretBytes wraps sensitive byte slice values (JWT signing keys) with the
// same protections as SecretString.
type SecretBytes []byte

func (s SecretBytes) String() string {
	return "[REDACTED]"
}

func (s SecretBytes) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret bytes.
func (s SecretBytes) Expose() []byte {
	return []byte(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretBytes) IsEmpty() bool {
	return len(s) == 0
}

var (
	_ slog.LogValuer = SecretString("")
	_ slog.LogValuer = SecretBytes{}
)
