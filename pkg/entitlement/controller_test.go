package entitlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fithub/premium/pkg/billing"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (Result, error)
}

func (f *fakeResolver) Resolve(ctx context.Context) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx)
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUpdates struct {
	ch chan billing.TransactionUpdate
}

func (f *fakeUpdates) Updates() <-chan billing.TransactionUpdate {
	return f.ch
}

// newTestController returns a controller whose backoff sleeps are captured
// instead of waited out.
func newTestController(res resolver, kv *memKV, authority billing.Authority, updates billing.UpdateSource) (*Controller, *[]time.Duration) {
	cache := NewCache(kv, zerolog.Nop())
	c := NewController(res, cache, authority, updates, ControllerConfig{}, zerolog.Nop())

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func timeoutError() error {
	return &billing.AuthorityError{Op: "current_entitlements", Code: billing.CodeTimeout, Retryable: true}
}

func TestRefreshSuccessPublishesAndCaches(t *testing.T) {
	exp := time.Now().Add(30 * 24 * time.Hour)
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{
			Entitlement: Subscribed("txn-1", &exp, boolPtr(true)),
			Tier:        TierYearly,
		}, nil
	}}
	kv := newMemKV()
	c, _ := newTestController(res, kv, &fakeAuthority{}, nil)

	c.RefreshEntitlement(context.Background())

	assert.True(t, c.Entitlement().IsPremium)
	assert.Equal(t, TierYearly, c.MembershipTier())
	assert.Empty(t, c.ErrorMessage())

	record, err := NewCache(kv, zerolog.Nop()).Load()
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, TierYearly, record.Tier)
}

func TestRefreshRetryBound(t *testing.T) {
	// An always-failing resolver is called exactly 4 times with delays
	// 2s, 4s, 6s between calls.
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, timeoutError()
	}}
	c, delays := newTestController(res, newMemKV(), &fakeAuthority{}, nil)

	c.RefreshEntitlement(context.Background())

	assert.Equal(t, 4, res.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, *delays)
}

func TestRefreshNonRetryableFailsFast(t *testing.T) {
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, newResolutionError(KindPaymentDeclined, errors.New("card declined"))
	}}
	c, delays := newTestController(res, newMemKV(), &fakeAuthority{}, nil)

	c.RefreshEntitlement(context.Background())

	assert.Equal(t, 1, res.callCount())
	assert.Empty(t, *delays)
	assert.Equal(t, TierFree, c.MembershipTier())
	assert.Equal(t, KindPaymentDeclined.UserMessage(), c.ErrorMessage())
}

func TestRefreshDegradesToCachedPremium(t *testing.T) {
	// Scenario: 4 consecutive timeouts, cache holds a lifetime record
	// validated 2 days ago. Lifetime cache never expires.
	kv := newMemKV()
	cache := NewCache(kv, zerolog.Nop())
	cache.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	require.NoError(t, cache.Save(Lifetime("txn-l"), TierLifetime))

	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, timeoutError()
	}}
	c, _ := newTestController(res, kv, &fakeAuthority{}, nil)

	c.RefreshEntitlement(context.Background())

	assert.Equal(t, 4, res.callCount())
	assert.True(t, c.Entitlement().IsPremium)
	assert.Equal(t, TierLifetime, c.MembershipTier())
	assert.Equal(t, degradedMessage, c.ErrorMessage())
}

// seedGraceRecord writes a cache record whose entitlement blob is not
// adoptable on its own (desynced from the tier keys), which is exactly the
// case the grace window exists for.
func seedGraceRecord(t *testing.T, kv *memKV, tier MembershipTier, lastValidated time.Time, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, kv.Set(keyEntitlement, `{"is_premium":false}`))
	require.NoError(t, kv.Set(keyTier, string(tier)))
	require.NoError(t, kv.Set(keyLastValidated, lastValidated.UTC().Format(time.RFC3339Nano)))
	require.NoError(t, kv.Set(keyExpiresAt, expiresAt.UTC().Format(time.RFC3339Nano)))
}

func TestRefreshGracePeriodBoundary(t *testing.T) {
	// 29 minutes since last validation -> the monthly tier is trusted;
	// 31 minutes -> free.
	tests := []struct {
		name     string
		age      time.Duration
		wantTier MembershipTier
	}{
		{name: "within_grace", age: 29 * time.Minute, wantTier: TierMonthly},
		{name: "past_grace", age: 31 * time.Minute, wantTier: TierFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := newMemKV()
			now := time.Now()
			seedGraceRecord(t, kv, TierMonthly, now.Add(-tt.age), now.Add(24*time.Hour))

			res := &fakeResolver{fn: func(context.Context) (Result, error) {
				return Result{}, timeoutError()
			}}
			c, _ := newTestController(res, kv, &fakeAuthority{}, nil)

			c.RefreshEntitlement(context.Background())

			assert.Equal(t, tt.wantTier, c.MembershipTier())
			if tt.wantTier == TierFree {
				assert.False(t, c.Entitlement().IsPremium)
			} else {
				assert.True(t, c.Entitlement().IsPremium)
				assert.Equal(t, degradedMessage, c.ErrorMessage())
			}
		})
	}
}

func TestRefreshGraceIgnoresExpiredRecord(t *testing.T) {
	kv := newMemKV()
	now := time.Now()
	seedGraceRecord(t, kv, TierMonthly, now.Add(-5*time.Minute), now.Add(-time.Hour))

	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, timeoutError()
	}}
	c, _ := newTestController(res, kv, &fakeAuthority{}, nil)

	c.RefreshEntitlement(context.Background())

	assert.Equal(t, TierFree, c.MembershipTier())
}

func TestRefreshDegradedNeverWritesCache(t *testing.T) {
	kv := newMemKV()
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, timeoutError()
	}}
	c, _ := newTestController(res, kv, &fakeAuthority{}, nil)

	c.RefreshEntitlement(context.Background())

	record, err := NewCache(kv, zerolog.Nop()).Load()
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestPublishSequenceGuard(t *testing.T) {
	c, _ := newTestController(&fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, nil
	}}, newMemKV(), &fakeAuthority{}, nil)

	require.True(t, c.publish(2, State{Tier: TierYearly}))
	// A result from an older refresh must not overwrite a newer one.
	assert.False(t, c.publish(1, State{Tier: TierFree}))
	assert.Equal(t, TierYearly, c.MembershipTier())
}

func TestRunConsumesUpdatesAndSurvivesAckFailure(t *testing.T) {
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{Entitlement: Free(), Tier: TierFree}, nil
	}}

	var finishCalls int
	authority := &fakeAuthority{
		finish: func(_ context.Context, id string) error {
			finishCalls++
			if id == "bad" {
				return errors.New("finalize failed")
			}
			return nil
		},
	}
	updates := &fakeUpdates{ch: make(chan billing.TransactionUpdate)}
	c, _ := newTestController(res, newMemKV(), authority, updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	updates.ch <- billing.TransactionUpdate{Transaction: billing.Transaction{ID: "bad"}}
	updates.ch <- billing.TransactionUpdate{Transaction: billing.Transaction{ID: "good"}}

	require.Eventually(t, func() bool {
		return res.callCount() == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, finishCalls)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestRunStopsWhenStreamCloses(t *testing.T) {
	updates := &fakeUpdates{ch: make(chan billing.TransactionUpdate)}
	c, _ := newTestController(&fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, nil
	}}, newMemKV(), &fakeAuthority{}, updates)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	close(updates.ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop when the stream closed")
	}
}

func TestBuyUserCancellationIsSilent(t *testing.T) {
	authority := &fakeAuthority{
		purchase: func(context.Context, string) (billing.Transaction, error) {
			return billing.Transaction{}, &billing.AuthorityError{Op: "purchase", Code: billing.CodeUserCancelled}
		},
	}
	c, _ := newTestController(&fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, nil
	}}, newMemKV(), authority, nil)

	err := c.Buy(context.Background(), "com.fithub.premium.monthly")
	require.NoError(t, err)
	assert.Empty(t, c.ErrorMessage())
}

func TestBuyDeclinedSurfacesMessage(t *testing.T) {
	authority := &fakeAuthority{
		purchase: func(context.Context, string) (billing.Transaction, error) {
			return billing.Transaction{}, &billing.AuthorityError{Op: "purchase", Code: billing.CodePaymentDeclined}
		},
	}
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{}, nil
	}}
	c, _ := newTestController(res, newMemKV(), authority, nil)

	err := c.Buy(context.Background(), "com.fithub.premium.monthly")
	require.Error(t, err)
	assert.Equal(t, KindPaymentDeclined.UserMessage(), c.ErrorMessage())
	assert.Equal(t, 0, res.callCount())
}

func TestBuySuccessFinalizesAndRefreshes(t *testing.T) {
	var finished []string
	authority := &fakeAuthority{
		purchase: func(_ context.Context, productID string) (billing.Transaction, error) {
			return billing.Transaction{ID: "txn-7", ProductID: productID, OriginalID: "txn-7"}, nil
		},
		finish: func(_ context.Context, id string) error {
			finished = append(finished, id)
			return nil
		},
	}
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		return Result{Entitlement: Lifetime("txn-7"), Tier: TierLifetime}, nil
	}}
	c, _ := newTestController(res, newMemKV(), authority, nil)

	err := c.Buy(context.Background(), "com.fithub.premium.lifetime")
	require.NoError(t, err)
	assert.Equal(t, []string{"txn-7"}, finished)
	assert.Equal(t, 1, res.callCount())
	assert.Equal(t, TierLifetime, c.MembershipTier())
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	release := make(chan struct{})
	res := &fakeResolver{fn: func(context.Context) (Result, error) {
		<-release
		return Result{Entitlement: Free(), Tier: TierFree}, nil
	}}
	c, _ := newTestController(res, newMemKV(), &fakeAuthority{}, nil)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(1)
			c.RefreshEntitlement(context.Background())
		}()
	}

	// Let every caller reach the singleflight barrier, then release the
	// single in-flight resolution.
	require.Eventually(t, func() bool {
		return started.Load() == 5 && res.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, res.callCount())
}
