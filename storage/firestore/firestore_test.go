package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/internal/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
// and skips the test when it is not set.
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testCollection(t *testing.T) string {
	return fmt.Sprintf("test_subscriptions_%d", time.Now().UnixNano())
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	client := &firestore.Client{}
	storage, err := New(client, Config{})
	require.NoError(t, err)
	assert.Equal(t, "billing_subscriptions", storage.subscriptionsCollection)
}

func TestStorage(t *testing.T) {
	client := setupFirestoreClient(t)
	storagetest.Run(t, func(t *testing.T) entitlement.Storage {
		storage, err := New(client, Config{SubscriptionsCollection: testCollection(t)})
		require.NoError(t, err)
		return storage
	})
}

func TestStorage_KeyWithSlash(t *testing.T) {
	client := setupFirestoreClient(t)
	storage, err := New(client, Config{SubscriptionsCollection: testCollection(t), KeyTTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	fresh, err := storage.CheckAndRecordIdempotencyKey(ctx, "user1", "order/123")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = storage.CheckAndRecordIdempotencyKey(ctx, "user1", "order/123")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestDataRoundTrip(t *testing.T) {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sub := &entitlement.Subscription{
		UserID:       "user1",
		Tier:         entitlement.TierPremium,
		Status:       entitlement.StatusCancelled,
		StartDate:    end.Add(-30 * 24 * time.Hour),
		EndDate:      &end,
		PreviousTier: entitlement.TierPremium,
		Provider:     "razorpay",
		Version:      7,
	}
	data := toData(sub)
	assert.Equal(t, "premium", getString(data, "tier"))
	assert.Equal(t, int64(7), getInt64(data, "version"))
	assert.Equal(t, end, getTime(data, "endDate"))

	data["version"] = float64(7)
	assert.Equal(t, int64(7), getInt64(data, "version"))
}
