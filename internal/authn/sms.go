package authn

import "context"

// SMSProvider abstracts verification-code delivery for vendor independence.
type SMSProvider interface {
	// SendOTP delivers the code to the given phone number. Returns nil on
	// successful delivery acceptance (not necessarily receipt).
	SendOTP(ctx context.Context, phone string, otp string) error
}
