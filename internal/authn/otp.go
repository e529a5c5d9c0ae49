package authn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/diagramflow/core/internal/domain"
)

var otpMax = computeOTPMax(domain.SMSCodeDigits)

func computeOTPMax(digits int) *big.Int {
	max := big.NewInt(1)
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		max.Mul(max, ten)
	}
	return max
}

// GenerateOTP generates a cryptographically random, zero-padded
// domain.SMSCodeDigits-digit code. Uses crypto/rand with rejection
// sampling (via big.Int) to avoid modulo bias.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpMax)
	if err != nil {
		return "", fmt.Errorf("generate OTP: %w", err)
	}
	return fmt.Sprintf("%0*d", domain.SMSCodeDigits, n.Int64()), nil
}

// HashPhone returns the SHA-256 hex digest of an E.164 phone number.
// Used as the coordination-store key suffix so raw phone numbers never
// appear in keys or logs.
func HashPhone(phone string) string {
	h := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(h[:])
}

// ComputeOTPMAC computes HMAC-SHA256(pepper, otp || phoneHash || expiresAt).
// The MAC binds the code to the specific request context (phone and
// expiry window) so a stored MAC cannot be replayed against a different
// phone number or window.
func ComputeOTPMAC(pepper []byte, otp, phoneHash, expiresAt string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(otp))
	mac.Write([]byte(phoneHash))
	mac.Write([]byte(expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyOTPMAC verifies a code candidate against a stored MAC using
// constant-time comparison to prevent timing side-channels.
func VerifyOTPMAC(pepper []byte, otpCandidate, phoneHash, expiresAt, storedMAC string) bool {
	candidateMAC := ComputeOTPMAC(pepper, otpCandidate, phoneHash, expiresAt)
	return subtle.ConstantTimeCompare([]byte(candidateMAC), []byte(storedMAC)) == 1
}
