package authn

import (
	"crypto/sha256"

	"github.com/diagramflow/core/internal/domain"
)

// HashSecret computes the comparison hash for a presented API key secret.
// Only the hash is ever persisted or compared; the raw secret never
// touches the relational store.
func HashSecret(secret domain.SecretString) []byte {
	sum := sha256.Sum256([]byte(secret.Expose()))
	return sum[:]
}
