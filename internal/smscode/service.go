// Package smscode implements the SMS Code Service (spec.md §4.6): issue a
// short numeric code to a phone, store it with a TTL, and allow exactly
// one successful verification per code.
package smscode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/domain"
)

var tracer = otel.Tracer("internal/smscode")

var (
	sentTotal     metric.Int64Counter
	verifiedTotal metric.Int64Counter
	failuresTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("internal/smscode")
	sentTotal, _ = m.Int64Counter("smscode_sent_total",
		metric.WithDescription("Total send_code outcomes, by status"))
	verifiedTotal, _ = m.Int64Counter("smscode_verified_total",
		metric.WithDescription("Total verify_code outcomes, by status"))
	failuresTotal, _ = m.Int64Counter("smscode_failures_total",
		metric.WithDescription("Total send/verify failures, by reason"))
}

// Store is the narrow coordination.Store surface the service needs: TTL
// strings for the code record, compare-and-delete for atomic verification,
// and counters with TTL for cooldown/hourly-cap/attempt tracking.
type Store interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	IncrWithTTL(ctx context.Context, key string, ttlSeconds int) (int64, error)
}

// record is the stored representation of an active code: the MAC binds the
// code to this phone and this expiry window (internal/authn.ComputeOTPMAC),
// so the raw code never needs to be held server-side between send and
// verify.
type record struct {
	MAC       string `json:"mac"`
	ExpiresAt string `json:"expires_at"`
}

// Service implements send_code/verify_code.
type Service struct {
	store   Store
	gateway authn.SMSProvider
	pepper  []byte
	clock   domain.Clock
	logger  *slog.Logger
}

// Config holds the dependencies needed to construct a Service.
type Config struct {
	Store   Store
	Gateway authn.SMSProvider
	Pepper  []byte
	Clock   domain.Clock
	Logger  *slog.Logger
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Service{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		pepper:  cfg.Pepper,
		clock:   clock,
		logger:  cfg.Logger,
	}
}

func codeKey(phone, purpose string) string {
	return fmt.Sprintf("sms:code:%s:%s", authn.HashPhone(phone), purpose)
}

func attemptsKey(phone, purpose string) string {
	return fmt.Sprintf("sms:attempts:%s:%s", authn.HashPhone(phone), purpose)
}

func cooldownKey(phone, purpose string) string {
	return fmt.Sprintf("sms:cooldown:%s:%s", authn.HashPhone(phone), purpose)
}

func hourlyKey(phone, purpose string) string {
	return fmt.Sprintf("sms:hourly:%s:%s", authn.HashPhone(phone), purpose)
}

func lockoutKey(phone, purpose string) string {
	return fmt.Sprintf("sms:lockout:%s:%s", authn.HashPhone(phone), purpose)
}

// SendCode validates phone, enforces the per-phone cooldown and hourly cap,
// generates a code, stores it under a MAC-bound record with TTL
// domain.SMSCodeLifetime, and delivers it through the configured gateway.
// On gateway failure the stored code is deleted; the cooldown and hourly
// cap are charged only after the gateway accepts the message, so a fresh
// send is possible at once.
func (s *Service) SendCode(ctx context.Context, phone domain.PhoneNumber, purpose string) error {
	ctx, span := tracer.Start(ctx, "smscode.send_code")
	defer span.End()

	raw := phone.String()

	cdKey := cooldownKey(raw, purpose)
	if _, active, err := s.store.Get(ctx, cdKey); err != nil {
		return fmt.Errorf("smscode: check cooldown: %w", err)
	} else if active {
		sentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "cooldown_active")))
		return domain.ErrSMSCooldownActive
	}

	hKey := hourlyKey(raw, purpose)
	sentSoFar, err := s.peekHourlyCount(ctx, hKey)
	if err != nil {
		return fmt.Errorf("smscode: check hourly cap: %w", err)
	}
	if sentSoFar >= domain.SMSHourlyCap {
		sentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "hourly_cap_reached")))
		return domain.ErrSMSHourlyCapReached
	}

	otp, err := authn.GenerateOTP()
	if err != nil {
		return fmt.Errorf("smscode: generate code: %w", err)
	}

	now := s.clock.Now().UTC()
	expiresAt := now.Add(domain.SMSCodeLifetime).Format(time.RFC3339)
	phoneHash := authn.HashPhone(raw)
	mac := authn.ComputeOTPMAC(s.pepper, otp, phoneHash, expiresAt)

	payload, err := json.Marshal(record{MAC: mac, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("smscode: marshal record: %w", err)
	}

	cKey := codeKey(raw, purpose)
	if err := s.store.SetWithTTL(ctx, cKey, string(payload), domain.SMSCodeLifetime); err != nil {
		return fmt.Errorf("smscode: store code: %w", err)
	}

	if err := s.gateway.SendOTP(ctx, raw, otp); err != nil {
		if delErr := s.store.Delete(ctx, cKey); delErr != nil {
			s.logger.WarnContext(ctx, "smscode: failed to delete code after gateway failure",
				slog.String("error", delErr.Error()))
		}
		failuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "gateway")))
		sentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "gateway_unavailable")))
		return fmt.Errorf("smscode: gateway send: %w", domain.ErrSMSGatewayFailed)
	}

	// Charge the hourly cap only for a delivery the gateway actually
	// accepted, so a flaky gateway can't exhaust a phone's cap with zero
	// codes delivered.
	if _, err := s.store.IncrWithTTL(ctx, hKey, int(time.Hour.Seconds())); err != nil {
		s.logger.WarnContext(ctx, "smscode: failed to record hourly cap usage", slog.String("error", err.Error()))
	}

	if err := s.store.SetWithTTL(ctx, cdKey, "1", domain.SMSResendCooldown); err != nil {
		s.logger.WarnContext(ctx, "smscode: failed to set cooldown", slog.String("error", err.Error()))
	}

	sentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "sent")))
	return nil
}

// peekHourlyCount reads the current hourly-cap counter without incrementing
// it, so SendCode can reject over-cap requests before doing any work. A
// missing key means no sends have been charged this window.
func (s *Service) peekHourlyCount(ctx context.Context, hKey string) (int, error) {
	val, exists, err := s.store.Get(ctx, hKey)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse hourly cap counter %q: %w", val, err)
	}
	return n, nil
}

// VerifyCode atomically consumes an active code if provided matches: the
// candidate's MAC is computed and compared against the stored record via a
// single compare-and-delete round-trip, so two concurrent verifies with the
// correct code yield exactly one consumption. Incorrect attempts are
// counted; after domain.SMSMaxVerifyAttempts within the code's lifetime the
// code is force-deleted and a lockout window begins.
func (s *Service) VerifyCode(ctx context.Context, phone domain.PhoneNumber, purpose, candidate string) error {
	ctx, span := tracer.Start(ctx, "smscode.verify_code")
	defer span.End()

	raw := phone.String()

	lKey := lockoutKey(raw, purpose)
	if _, locked, err := s.store.Get(ctx, lKey); err != nil {
		return fmt.Errorf("smscode: check lockout: %w", err)
	} else if locked {
		verifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "too_many_attempts")))
		return domain.ErrSMSTooManyAttempts
	}

	cKey := codeKey(raw, purpose)
	storedPayload, exists, err := s.store.Get(ctx, cKey)
	if err != nil {
		return fmt.Errorf("smscode: get code: %w", err)
	}
	if !exists {
		verifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "no_active_code")))
		return domain.ErrSMSNoActiveCode
	}

	var rec record
	if err := json.Unmarshal([]byte(storedPayload), &rec); err != nil {
		return fmt.Errorf("smscode: unmarshal record: %w", err)
	}

	phoneHash := authn.HashPhone(raw)
	candidateMAC := authn.ComputeOTPMAC(s.pepper, candidate, phoneHash, rec.ExpiresAt)

	consumed, err := s.store.CompareAndDelete(ctx, cKey, marshalForCompare(candidateMAC, rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("smscode: compare-and-delete: %w", err)
	}
	if consumed {
		verifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "verified")))
		return nil
	}

	attempts, attErr := s.store.IncrWithTTL(ctx, attemptsKey(raw, purpose), int(domain.SMSCodeLifetime.Seconds()))
	if attErr != nil {
		s.logger.WarnContext(ctx, "smscode: failed to increment attempts", slog.String("error", attErr.Error()))
	}
	if attempts >= domain.SMSMaxVerifyAttempts {
		if delErr := s.store.Delete(ctx, cKey); delErr != nil {
			s.logger.WarnContext(ctx, "smscode: failed to force-delete code", slog.String("error", delErr.Error()))
		}
		if lockErr := s.store.SetWithTTL(ctx, lKey, "1", domain.SMSLockoutWindow); lockErr != nil {
			s.logger.WarnContext(ctx, "smscode: failed to set lockout", slog.String("error", lockErr.Error()))
		}
		verifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "too_many_attempts")))
		return domain.ErrSMSTooManyAttempts
	}

	verifiedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "incorrect")))
	return domain.ErrSMSCodeIncorrect
}

// marshalForCompare re-serializes a record with the same field order
// json.Marshal produces, so the stored payload byte-for-byte matches what
// CompareAndDelete's expected argument must equal.
func marshalForCompare(mac, expiresAt string) string {
	payload, _ := json.Marshal(record{MAC: mac, ExpiresAt: expiresAt})
	return string(payload)
}
