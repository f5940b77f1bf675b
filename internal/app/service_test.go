package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/transfa/banking-engine/internal/domain"
	"github.com/transfa/banking-engine/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

func testPolicy() Policy {
	return Policy{
		MinAmount:         decimal.NewFromInt(100),
		ApprovalThreshold: decimal.NewFromInt(1_000_000),
		DailyLimit:        decimal.NewFromInt(5_000_000),
		Commission:        FlatCommission(decimal.NewFromInt(500), decimal.NewFromInt(1000), decimal.Zero),
		Location:          time.UTC,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	t         *testing.T
	store     *store.MemoryStore
	clock     *fakeClock
	publisher *recordingPublisher
	svc       *Service
	client    uuid.UUID
	accounts  int
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		store:     store.NewMemoryStore(),
		clock:     newFakeClock(),
		publisher: &recordingPublisher{},
		client:    uuid.New(),
	}
	f.svc = f.newService(f.store, opts...)
	return f
}

func (f *fixture) newService(st store.Store, opts ...Option) *Service {
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(discardLogger()),
		WithPublisher(f.publisher),
	}
	svc := NewService(st, ServiceConfig{Policy: testPolicy()}, append(base, opts...)...)
	f.t.Cleanup(svc.Close)
	return svc
}

func (f *fixture) account(balance int64, mutate ...func(*domain.Account)) *domain.Account {
	f.t.Helper()
	f.accounts++
	a := &domain.Account{
		ID:       uuid.New(),
		Number:   accountNumber(f.accounts),
		Type:     domain.AccountTypeSavings,
		Currency: domain.CurrencyCRC,
		Balance:  decimal.NewFromInt(balance),
		Status:   domain.AccountStatusActive,
		ClientID: f.client,
	}
	for _, m := range mutate {
		m(a)
	}
	require.NoError(f.t, f.store.CreateAccount(context.Background(), a))
	return a
}

func (f *fixture) beneficiary(state domain.BeneficiaryState) *domain.Beneficiary {
	f.t.Helper()
	b := &domain.Beneficiary{
		ID:            uuid.New(),
		ClientID:      f.client,
		Alias:         "Proveedor " + uuid.NewString()[:6],
		AccountNumber: "20000000000001",
		Currency:      domain.CurrencyCRC,
		State:         state,
	}
	require.NoError(f.t, f.store.CreateBeneficiary(context.Background(), b))
	return b
}

func (f *fixture) balance(id uuid.UUID) decimal.Decimal {
	f.t.Helper()
	a, err := f.store.FindAccountByID(context.Background(), id)
	require.NoError(f.t, err)
	return a.Balance
}

func (f *fixture) transfer(src, dst *domain.Account, amount int64, key string) ExecuteRequest {
	dstID := dst.ID
	return ExecuteRequest{
		ClientID:             f.client,
		SourceAccountID:      src.ID,
		DestinationAccountID: &dstID,
		Amount:               decimal.NewFromInt(amount),
		IdempotencyKey:       key,
	}
}

func accountNumber(n int) string {
	const base = "100000000000"
	s := []byte(base)
	for i := len(s) - 1; n > 0 && i >= 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}

func requireDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.NewFromInt(want).Equal(got), "expected %d, got %s", want, got)
}
