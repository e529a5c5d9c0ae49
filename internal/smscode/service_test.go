package smscode

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/domain/domaintest"
)

// fakeStore is an in-process stand-in for the coordination store, enough to
// exercise TTL expiry, counters, and compare-and-delete semantics without a
// real Redis instance.
type fakeStore struct {
	mu       sync.Mutex
	clock    domain.Clock
	strings  map[string]string
	counters map[string]int64
	expiry   map[string]time.Time
}

func newFakeStore(clock domain.Clock) *fakeStore {
	return &fakeStore{
		clock:    clock,
		strings:  map[string]string{},
		counters: map[string]int64{},
		expiry:   map[string]time.Time{},
	}
}

func (s *fakeStore) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && !s.clock.Now().Before(exp)
}

func (s *fakeStore) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	s.expiry[key] = s.clock.Now().Add(ttl)
	return nil
}

func (s *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.strings, key)
		delete(s.counters, key)
		delete(s.expiry, key)
		return "", false, nil
	}
	if v, ok := s.strings[key]; ok {
		return v, true, nil
	}
	if n, ok := s.counters[key]; ok {
		return strconv.FormatInt(n, 10), true, nil
	}
	return "", false, nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.expiry, key)
	return nil
}

func (s *fakeStore) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.strings, key)
		delete(s.expiry, key)
		return false, nil
	}
	if s.strings[key] != expected {
		return false, nil
	}
	delete(s.strings, key)
	delete(s.expiry, key)
	return true, nil
}

func (s *fakeStore) IncrWithTTL(_ context.Context, key string, ttlSeconds int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		delete(s.counters, key)
		delete(s.expiry, key)
	}
	if _, ok := s.expiry[key]; !ok {
		s.expiry[key] = s.clock.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	s.counters[key]++
	return s.counters[key], nil
}

var _ Store = (*fakeStore)(nil)

type fakeGateway struct {
	mu        sync.Mutex
	sent      []string
	shouldErr bool
}

func (g *fakeGateway) SendOTP(_ context.Context, phone, otp string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shouldErr {
		return assert.AnError
	}
	g.sent = append(g.sent, phone+":"+otp)
	return nil
}

func newTestService(store Store, gateway *fakeGateway, clock domain.Clock) *Service {
	return New(Config{
		Store:   store,
		Gateway: gateway,
		Pepper:  []byte("test-pepper"),
		Clock:   clock,
		Logger:  slog.New(slog.DiscardHandler),
	})
}

func TestService_SendAndVerifyCode(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	require.NoError(t, svc.SendCode(context.Background(), phone, "login"))
	require.Len(t, gateway.sent, 1)

	otp := gateway.sent[0][len(gateway.sent[0])-domain.SMSCodeDigits:]

	require.NoError(t, svc.VerifyCode(context.Background(), phone, "login", otp))
}

func TestService_VerifyCode_Incorrect(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	require.NoError(t, svc.SendCode(context.Background(), phone, "login"))

	err := svc.VerifyCode(context.Background(), phone, "login", "000000")
	require.ErrorIs(t, err, domain.ErrSMSCodeIncorrect)
}

func TestService_VerifyCode_NoActiveCode(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	svc := newTestService(store, &fakeGateway{}, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	err := svc.VerifyCode(context.Background(), phone, "login", "123456")
	require.ErrorIs(t, err, domain.ErrSMSNoActiveCode)
}

func TestService_SendCode_CooldownActive(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	svc := newTestService(store, &fakeGateway{}, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	require.NoError(t, svc.SendCode(context.Background(), phone, "login"))
	err := svc.SendCode(context.Background(), phone, "login")
	require.ErrorIs(t, err, domain.ErrSMSCooldownActive)

	clock.Advance(domain.SMSResendCooldown + time.Second)
	require.NoError(t, svc.SendCode(context.Background(), phone, "login"))
}

func TestService_SendCode_HourlyCap(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	svc := newTestService(store, &fakeGateway{}, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	for i := 0; i < domain.SMSHourlyCap; i++ {
		require.NoError(t, svc.SendCode(context.Background(), phone, "login"))
		clock.Advance(domain.SMSResendCooldown + time.Second)
	}

	err := svc.SendCode(context.Background(), phone, "login")
	require.ErrorIs(t, err, domain.ErrSMSHourlyCapReached)
}

func TestService_VerifyCode_TooManyAttemptsLocksOut(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	require.NoError(t, svc.SendCode(context.Background(), phone, "login"))

	var lastErr error
	for i := 0; i < domain.SMSMaxVerifyAttempts; i++ {
		lastErr = svc.VerifyCode(context.Background(), phone, "login", "000000")
	}
	require.ErrorIs(t, lastErr, domain.ErrSMSTooManyAttempts)

	otp := gateway.sent[0][len(gateway.sent[0])-domain.SMSCodeDigits:]
	err := svc.VerifyCode(context.Background(), phone, "login", otp)
	require.ErrorIs(t, err, domain.ErrSMSTooManyAttempts)
}

func TestService_SendCode_GatewayFailureDeletesCode(t *testing.T) {
	clock := domaintest.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeStore(clock)
	gateway := &fakeGateway{shouldErr: true}
	svc := newTestService(store, gateway, clock)
	phone := domain.MustPhoneNumber("+15551234567")

	err := svc.SendCode(context.Background(), phone, "login")
	require.ErrorIs(t, err, domain.ErrSMSGatewayFailed)

	_, exists, getErr := store.Get(context.Background(), codeKey(phone.String(), "login"))
	require.NoError(t, getErr)
	assert.False(t, exists)
}
