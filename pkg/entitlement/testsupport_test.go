package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/fithub/premium/pkg/billing"
)

// memKV is an in-memory KV used by cache and controller tests.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// fakeAuthority implements billing.Authority with per-call hooks.
type fakeAuthority struct {
	entitlements func(ctx context.Context) ([]billing.Transaction, error)
	renewal      func(ctx context.Context, originalID string) (*bool, error)
	history      func(ctx context.Context, cursor string) (billing.HistoryPage, error)
	purchase     func(ctx context.Context, productID string) (billing.Transaction, error)
	finish       func(ctx context.Context, transactionID string) error
}

func (f *fakeAuthority) CurrentEntitlements(ctx context.Context) ([]billing.Transaction, error) {
	if f.entitlements == nil {
		return nil, nil
	}
	return f.entitlements(ctx)
}

func (f *fakeAuthority) RenewalStatus(ctx context.Context, originalID string) (*bool, error) {
	if f.renewal == nil {
		return nil, nil
	}
	return f.renewal(ctx, originalID)
}

func (f *fakeAuthority) TransactionHistory(ctx context.Context, cursor string) (billing.HistoryPage, error) {
	if f.history == nil {
		return billing.HistoryPage{}, nil
	}
	return f.history(ctx, cursor)
}

func (f *fakeAuthority) Purchase(ctx context.Context, productID string) (billing.Transaction, error) {
	if f.purchase == nil {
		return billing.Transaction{}, nil
	}
	return f.purchase(ctx, productID)
}

func (f *fakeAuthority) FinishTransaction(ctx context.Context, transactionID string) error {
	if f.finish == nil {
		return nil
	}
	return f.finish(ctx, transactionID)
}

func timePtr(t time.Time) *time.Time { return &t }

func boolPtr(b bool) *bool { return &b }
