package smscode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/diagramflow/core/internal/authn"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations the SMS gateway needs. *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var (
	_ authn.SMSProvider = (*SNSGateway)(nil)
	_ authn.SMSProvider = (*LogGateway)(nil)
)

// SNSGateway delivers verification codes via Amazon SNS SMS.
type SNSGateway struct {
	client snsPublisher
}

// NewSNSGateway creates an SNSGateway backed by the given SNS client.
func NewSNSGateway(client snsPublisher) *SNSGateway {
	return &SNSGateway{client: client}
}

// SendOTP publishes a verification code to phone via SNS.
func (g *SNSGateway) SendOTP(ctx context.Context, phone, otp string) error {
	message := fmt.Sprintf("Your verification code is: %s", otp)

	_, err := g.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: &phone,
		Message:     &message,
	})
	if err != nil {
		return fmt.Errorf("sns gateway: send otp to %s: %w", phone, err)
	}
	return nil
}

// LogGateway is a fake gateway that logs verification codes instead of
// sending real SMS. Suitable for local development.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a LogGateway writing to logger.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

// SendOTP logs the code delivery with a masked phone number. Never sends a
// real SMS.
func (g *LogGateway) SendOTP(ctx context.Context, phone, otp string) error {
	g.logger.InfoContext(ctx, "sms delivery (log-only)",
		slog.String("phone", maskPhone(phone)),
		slog.String("otp", otp),
	)
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
