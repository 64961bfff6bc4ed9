package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var machineNow = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)

func grant(tier Tier, key string) *Event {
	return &Event{
		Kind:           EventGrant,
		UserID:         "u1",
		Tier:           tier,
		DurationDays:   30,
		IdempotencyKey: key,
		PaymentID:      key,
		Provider:       "razorpay",
		Name:           "payment.captured",
		ReceivedAt:     machineNow,
	}
}

func paid(tier Tier, end time.Time) *Subscription {
	return &Subscription{
		UserID:    "u1",
		Tier:      tier,
		Status:    StatusActive,
		StartDate: end.Add(-30 * 24 * time.Hour),
		EndDate:   &end,
		Version:   3,
	}
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ev      *Event
		wantErr error
	}{
		{"nil", nil, ErrInvalidEvent},
		{"missing user", &Event{Kind: EventComplete}, ErrInvalidEvent},
		{"grant free", &Event{Kind: EventGrant, UserID: "u1", Tier: TierFree, DurationDays: 30}, ErrInvalidTier},
		{"grant unknown tier", &Event{Kind: EventGrant, UserID: "u1", Tier: "gold", DurationDays: 30}, ErrInvalidTier},
		{"grant zero days", &Event{Kind: EventGrant, UserID: "u1", Tier: TierPlus}, ErrInvalidEvent},
		{"revoke without reason", &Event{Kind: EventRevoke, UserID: "u1"}, ErrInvalidEvent},
		{"unknown kind", &Event{Kind: "teleport", UserID: "u1"}, ErrInvalidEvent},
		{"valid grant", grant(TierPlus, "pay_1"), nil},
		{"valid refund", &Event{Kind: EventRevoke, Reason: RevokeRefund, UserID: "u1"}, nil},
		{"valid expire notice", &Event{Kind: EventExpireNotice, UserID: "u1"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTransition_GrantFromNothing(t *testing.T) {
	next, outcome, err := Transition(nil, grant(TierPlus, "pay_123"), machineNow)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, TierPlus, next.Tier)
	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, machineNow, next.StartDate)
	require.NotNil(t, next.EndDate)
	assert.Equal(t, machineNow.Add(30*24*time.Hour), *next.EndDate)
	assert.Equal(t, "pay_123", next.LastEventKey)
	assert.Equal(t, "pay_123", next.ProviderPaymentID)
	assert.Equal(t, "razorpay", next.Provider)
}

func TestTransition_GrantReplacesEndDate(t *testing.T) {
	// a renewal recomputes from receipt; it never stacks on the old end date
	current := paid(TierPlus, machineNow.Add(20*24*time.Hour))
	next, _, err := Transition(current, grant(TierPremium, "pay_2"), machineNow)
	require.NoError(t, err)

	assert.Equal(t, TierPremium, next.Tier)
	assert.Equal(t, machineNow.Add(30*24*time.Hour), *next.EndDate)
	assert.Equal(t, TierPlus, current.Tier, "input is not mutated")
}

func TestTransition_GrantWithoutReceivedAtUsesNow(t *testing.T) {
	ev := grant(TierPlus, "pay_3")
	ev.ReceivedAt = time.Time{}
	next, _, err := Transition(nil, ev, machineNow)
	require.NoError(t, err)
	assert.Equal(t, machineNow.Add(30*24*time.Hour), *next.EndDate)
}

func TestTransition_Revoke(t *testing.T) {
	end := machineNow.Add(10 * 24 * time.Hour)

	t.Run("cancel keeps tier", func(t *testing.T) {
		next, outcome, err := Transition(paid(TierPremium, end),
			&Event{Kind: EventRevoke, Reason: RevokeCancel, UserID: "u1"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, StatusCancelled, next.Status)
		assert.Equal(t, TierPremium, next.Tier)
		assert.Equal(t, TierPremium, next.PreviousTier)
		assert.Equal(t, DefaultTiers[TierFree], LimitsFor(next))
	})

	t.Run("refund drops to free", func(t *testing.T) {
		next, outcome, err := Transition(paid(TierPlus, end),
			&Event{Kind: EventRevoke, Reason: RevokeRefund, UserID: "u1", PaymentID: "pay_9"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, StatusRefunded, next.Status)
		assert.Equal(t, TierFree, next.Tier)
		assert.Equal(t, TierPlus, next.PreviousTier)
		assert.Equal(t, "pay_9", next.ProviderPaymentID)
	})

	t.Run("revoke on free is ignored", func(t *testing.T) {
		current := NewFreeSubscription("u1", machineNow)
		next, outcome, err := Transition(current,
			&Event{Kind: EventRevoke, Reason: RevokeCancel, UserID: "u1"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
		assert.Same(t, current, next)
	})

	t.Run("revoke on cancelled is ignored", func(t *testing.T) {
		current := paid(TierPlus, end)
		current.Status = StatusCancelled
		_, outcome, err := Transition(current,
			&Event{Kind: EventRevoke, Reason: RevokeRefund, UserID: "u1"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	})
}

func TestTransition_Complete(t *testing.T) {
	next, outcome, err := Transition(paid(TierPremium, machineNow.Add(time.Hour)),
		&Event{Kind: EventComplete, UserID: "u1"}, machineNow)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, TierFree, next.Tier)
	assert.Equal(t, TierPremium, next.PreviousTier)
}

func TestTransition_LazyExpiryFirst(t *testing.T) {
	lapsedSub := paid(TierPlus, machineNow.Add(-time.Millisecond))

	t.Run("cancel after end date only expires", func(t *testing.T) {
		next, outcome, err := Transition(lapsedSub,
			&Event{Kind: EventRevoke, Reason: RevokeCancel, UserID: "u1"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeExpired, outcome)
		assert.Equal(t, StatusExpired, next.Status)
		assert.Equal(t, TierPlus, next.Tier)
	})

	t.Run("expire notice writes back expiry", func(t *testing.T) {
		next, outcome, err := Transition(lapsedSub, &Event{Kind: EventExpireNotice, UserID: "u1"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeExpired, outcome)
		assert.Equal(t, StatusExpired, next.Status)
	})

	t.Run("expire notice on live grant is ignored", func(t *testing.T) {
		_, outcome, err := Transition(paid(TierPlus, machineNow.Add(time.Hour)),
			&Event{Kind: EventExpireNotice, UserID: "u1"}, machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	})

	t.Run("grant after expiry reactivates", func(t *testing.T) {
		next, outcome, err := Transition(lapsedSub, grant(TierPlus, "pay_new"), machineNow)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, StatusActive, next.Status)
	})
}

func TestTransition_InvalidEvent(t *testing.T) {
	current := NewFreeSubscription("u1", machineNow)
	next, outcome, err := Transition(current, &Event{Kind: EventGrant, UserID: "u1", Tier: TierFree}, machineNow)
	assert.ErrorIs(t, err, ErrInvalidTier)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Same(t, current, next)
}
