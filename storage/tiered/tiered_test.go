package tiered

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/internal/storagetest"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// storageOnly hides the Transactor implementation of the wrapped store.
type storageOnly struct {
	entitlement.Storage
}

// failingHot fails every write.
type failingHot struct {
	*memory.Storage
}

func (f failingHot) Set(context.Context, *entitlement.Subscription) error {
	return errors.New("hot down")
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("cold without transactor", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: storageOnly{memory.New()}})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotFill: true})
		require.NoError(t, err)
		assert.Equal(t, 1000, storage.conf.SyncBufferSize)
		assert.NoError(t, storage.Close())
		assert.NoError(t, storage.Close(), "close is idempotent")
	})
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(*testing.T) entitlement.Storage {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		return storage
	})
}

func TestGet_ReadThroughPopulatesHot(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.Set(ctx, entitlement.NewFreeSubscription("user1", time.Now())))

	got, err := storage.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "user1", got.UserID)

	cached, err := hot.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, cached.Tier)
}

func TestUpdate_WritesColdThenHot(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = storage.Update(ctx, "user1", "pay_1", func(*entitlement.Subscription) (*entitlement.Subscription, error) {
		sub := entitlement.NewFreeSubscription("user1", time.Now())
		sub.Tier = entitlement.TierPlus
		return sub, nil
	})
	require.NoError(t, err)

	for name, s := range map[string]*memory.Storage{"hot": hot, "cold": cold} {
		got, err := s.Get(ctx, "user1")
		require.NoError(t, err, name)
		assert.Equal(t, entitlement.TierPlus, got.Tier, name)
	}

	// key lives in cold only
	fresh, err := cold.CheckAndRecordIdempotencyKey(ctx, "user1", "pay_1")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestAsyncHotFill(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold, AsyncHotFill: true})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, entitlement.NewFreeSubscription("user1", time.Now())))
	require.NoError(t, storage.Close())

	_, err = hot.Get(ctx, "user1")
	assert.NoError(t, err, "queue is drained on close")
}

func TestHotFailureReported(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	storage, err := New(Config{
		Hot:  failingHot{memory.New()},
		Cold: memory.New(),
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		},
	})
	require.NoError(t, err)

	require.NoError(t, storage.Set(context.Background(), entitlement.NewFreeSubscription("user1", time.Now())))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "hot down")
}

// switchableHot fails writes while down is set.
type switchableHot struct {
	*memory.Storage
	down atomic.Bool
}

func (h *switchableHot) Set(ctx context.Context, sub *entitlement.Subscription) error {
	if h.down.Load() {
		return errors.New("hot down")
	}
	return h.Storage.Set(ctx, sub)
}

func TestFailedHotFillIsNotServed(t *testing.T) {
	hot := &switchableHot{Storage: memory.New()}
	storage, err := New(Config{Hot: hot, Cold: memory.New()})
	require.NoError(t, err)
	manager, err := entitlement.NewManager(storage, entitlement.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.Ensure(ctx, "user1")
	require.NoError(t, err)
	eff, err := manager.Effective(ctx, "user1")
	require.NoError(t, err)
	require.Equal(t, entitlement.TierFree, eff.Tier())

	hot.down.Store(true)
	_, err = manager.Apply(ctx, &entitlement.Event{
		Kind:           entitlement.EventGrant,
		UserID:         "user1",
		Tier:           entitlement.TierPremium,
		DurationDays:   30,
		IdempotencyKey: "pay_1",
		PaymentID:      "pay_1",
	})
	require.NoError(t, err)

	eff, err = manager.Effective(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, eff.Tier(), "reads bypass the outdated hot record")

	// once hot recovers, a read repairs it and hot serves again
	hot.down.Store(false)
	_, err = storage.Get(ctx, "user1")
	require.NoError(t, err)
	cached, err := hot.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, cached.Tier)
	_, stale := storage.readGen("user1")
	assert.False(t, stale)
}

func TestHotFillNeverRegressesVersion(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	storage, err := New(Config{Hot: hot, Cold: cold, AsyncHotFill: true})
	require.NoError(t, err)
	ctx := context.Background()

	newer := entitlement.NewFreeSubscription("user1", time.Now())
	newer.Tier = entitlement.TierPremium
	newer.Version = 3
	require.NoError(t, hot.Set(ctx, newer))

	older := entitlement.NewFreeSubscription("user1", time.Now())
	older.Version = 2
	storage.fillHot(older, 0)
	require.NoError(t, storage.Close())

	got, err := hot.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, entitlement.TierPremium, got.Tier)
}

// hookedCold runs beforeUpdate ahead of every Update.
type hookedCold struct {
	*memory.Storage
	beforeUpdate func()
}

func (c *hookedCold) Update(ctx context.Context, userID, key string,
	fn entitlement.UpdateFunc) (*entitlement.Subscription, error) {
	c.beforeUpdate()
	return c.Storage.Update(ctx, userID, key, fn)
}

func TestReadDuringColdWriteKeepsUserStale(t *testing.T) {
	cold := &hookedCold{Storage: memory.New()}
	storage, err := New(Config{Hot: memory.New(), Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.Set(ctx, entitlement.NewFreeSubscription("user1", time.Now())))

	cold.beforeUpdate = func() {
		// a concurrent reader sees the pre-write record
		got, err := storage.Get(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierFree, got.Tier)
		_, stale := storage.readGen("user1")
		assert.True(t, stale, "a read cannot settle a write still in flight")
	}
	_, err = storage.Update(ctx, "user1", "", func(current *entitlement.Subscription) (*entitlement.Subscription, error) {
		next := current.Clone()
		next.Tier = entitlement.TierPlus
		return next, nil
	})
	require.NoError(t, err)

	got, err := storage.Get(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPlus, got.Tier)
}
