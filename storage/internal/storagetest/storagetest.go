// Package storagetest holds the behaviour every entitlement store must share.
// Backend tests call Run with a constructor for a clean store.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Factory returns an empty store. Each call must not observe data written
// through stores returned by earlier calls for the same user ids; tests use
// unique user ids per subtest to make that easy for shared backends.
type Factory func(t *testing.T) entitlement.Storage

// Run executes the shared store tests.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), userID(t))
		assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)
	})

	t.Run("SetGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := paidSubscription(userID(t))

		require.NoError(t, store.Set(ctx, want))
		got, err := store.Get(ctx, want.UserID)
		require.NoError(t, err)

		assert.Equal(t, want.UserID, got.UserID)
		assert.Equal(t, want.Tier, got.Tier)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.PreviousTier, got.PreviousTier)
		assert.Equal(t, want.ProviderPaymentID, got.ProviderPaymentID)
		assert.Equal(t, want.ProviderOrderID, got.ProviderOrderID)
		assert.Equal(t, want.Provider, got.Provider)
		assert.Equal(t, want.LastEventKey, got.LastEventKey)
		assert.True(t, want.StartDate.Equal(got.StartDate), "start date %v != %v", want.StartDate, got.StartDate)
		require.NotNil(t, got.EndDate)
		assert.True(t, want.EndDate.Equal(*got.EndDate), "end date %v != %v", *want.EndDate, *got.EndDate)
	})

	t.Run("SetNilEndDate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := entitlement.NewFreeSubscription(userID(t), time.Now())

		require.NoError(t, store.Set(ctx, want))
		got, err := store.Get(ctx, want.UserID)
		require.NoError(t, err)
		assert.Nil(t, got.EndDate)
		assert.Equal(t, entitlement.TierFree, got.Tier)
	})

	t.Run("IdempotencyKeyRecordedOnce", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := userID(t)

		fresh, err := store.CheckAndRecordIdempotencyKey(ctx, id, "pay_123")
		require.NoError(t, err)
		assert.True(t, fresh)

		fresh, err = store.CheckAndRecordIdempotencyKey(ctx, id, "pay_123")
		require.NoError(t, err)
		assert.False(t, fresh)

		fresh, err = store.CheckAndRecordIdempotencyKey(ctx, id+"-other", "pay_123")
		require.NoError(t, err)
		assert.True(t, fresh, "keys are scoped per user")
	})

	t.Run("IdempotencyKeyRelease", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := userID(t)

		require.NoError(t, store.ReleaseIdempotencyKey(ctx, id, "pay_unknown"))

		fresh, err := store.CheckAndRecordIdempotencyKey(ctx, id, "pay_released")
		require.NoError(t, err)
		require.True(t, fresh)
		require.NoError(t, store.ReleaseIdempotencyKey(ctx, id, "pay_released"))

		fresh, err = store.CheckAndRecordIdempotencyKey(ctx, id, "pay_released")
		require.NoError(t, err)
		assert.True(t, fresh, "a released key can be recorded again")
	})

	t.Run("IdempotencyKeyConcurrent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		id := userID(t)

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fresh, err := store.CheckAndRecordIdempotencyKey(ctx, id, "pay_concurrent")
				if err == nil && fresh {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("Transactor", func(t *testing.T) {
		if _, ok := newStore(t).(entitlement.Transactor); !ok {
			t.Skip("store does not implement entitlement.Transactor")
		}
		runTransactor(t, newStore)
	})
}

func runTransactor(t *testing.T, newStore Factory) {
	t.Run("CreatesMissingRecord", func(t *testing.T) {
		tx := newStore(t).(entitlement.Transactor)
		id := userID(t)

		var sawNil bool
		got, err := tx.Update(context.Background(), id, "", func(current *entitlement.Subscription) (*entitlement.Subscription, error) {
			sawNil = current == nil
			return entitlement.NewFreeSubscription(id, time.Now()), nil
		})
		require.NoError(t, err)
		assert.True(t, sawNil)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("BumpsVersion", func(t *testing.T) {
		store := newStore(t)
		tx := store.(entitlement.Transactor)
		ctx := context.Background()
		id := userID(t)
		require.NoError(t, store.Set(ctx, withVersion(paidSubscription(id), 4)))

		got, err := tx.Update(ctx, id, "", func(current *entitlement.Subscription) (*entitlement.Subscription, error) {
			next := current.Clone()
			next.Status = entitlement.StatusCancelled
			return next, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.Version)

		stored, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCancelled, stored.Status)
		assert.Equal(t, int64(5), stored.Version)
	})

	t.Run("NilResultAbortsWrite", func(t *testing.T) {
		store := newStore(t)
		tx := store.(entitlement.Transactor)
		ctx := context.Background()
		id := userID(t)

		got, err := tx.Update(ctx, id, "", func(*entitlement.Subscription) (*entitlement.Subscription, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, got)

		_, err = store.Get(ctx, id)
		assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)
	})

	t.Run("FuncErrorAbortsWrite", func(t *testing.T) {
		store := newStore(t)
		tx := store.(entitlement.Transactor)
		ctx := context.Background()
		id := userID(t)
		boom := errors.New("boom")

		_, err := tx.Update(ctx, id, "pay_err", func(*entitlement.Subscription) (*entitlement.Subscription, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		// the key must not have been consumed by the failed update
		_, err = tx.Update(ctx, id, "pay_err", func(*entitlement.Subscription) (*entitlement.Subscription, error) {
			return paidSubscription(id), nil
		})
		assert.NoError(t, err)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		tx := newStore(t).(entitlement.Transactor)
		ctx := context.Background()
		id := userID(t)

		calls := 0
		fn := func(*entitlement.Subscription) (*entitlement.Subscription, error) {
			calls++
			return paidSubscription(id), nil
		}
		_, err := tx.Update(ctx, id, "pay_dup", fn)
		require.NoError(t, err)
		_, err = tx.Update(ctx, id, "pay_dup", fn)
		assert.ErrorIs(t, err, entitlement.ErrDuplicateEvent)
		assert.Equal(t, 1, calls)
	})

	t.Run("ConcurrentSameKeyAppliesOnce", func(t *testing.T) {
		tx := newStore(t).(entitlement.Transactor)
		ctx := context.Background()
		id := userID(t)

		var applied, duplicates int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tx.Update(ctx, id, "pay_race", func(*entitlement.Subscription) (*entitlement.Subscription, error) {
					return paidSubscription(id), nil
				})
				switch {
				case err == nil:
					atomic.AddInt32(&applied, 1)
				case errors.Is(err, entitlement.ErrDuplicateEvent):
					atomic.AddInt32(&duplicates, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), applied)
		assert.Equal(t, int32(7), duplicates)
	})
}

func paidSubscription(userID string) *entitlement.Subscription {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)
	return &entitlement.Subscription{
		UserID:            userID,
		Tier:              entitlement.TierPlus,
		Status:            entitlement.StatusActive,
		StartDate:         start,
		EndDate:           &end,
		PreviousTier:      entitlement.TierFree,
		ProviderPaymentID: "pay_123",
		ProviderOrderID:   "order_123",
		Provider:          "razorpay",
		LastEventKey:      "pay_123",
		Version:           1,
		UpdatedAt:         start,
	}
}

func withVersion(sub *entitlement.Subscription, v int64) *entitlement.Subscription {
	sub.Version = v
	return sub
}

func userID(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return "storagetest-" + name + "-" + time.Now().Format("150405.000000000")
}
