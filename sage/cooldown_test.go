package sage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldownGateArmsOnAllow(t *testing.T) {
	db := newTestDB(t)
	gate := NewCooldownGate(db, 3*time.Second, nil)
	ctx := context.Background()
	now := time.Now()

	first, err := gate.CheckAndArm(ctx, "user1", now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	// immediately after, the same user is on cooldown
	second, err := gate.CheckAndArm(ctx, "user1", now.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, 3, second.RemainingSeconds)
}

func TestCooldownGateExpires(t *testing.T) {
	db := newTestDB(t)
	gate := NewCooldownGate(db, 3*time.Second, nil)
	ctx := context.Background()
	now := time.Now()

	first, err := gate.CheckAndArm(ctx, "user1", now)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// after the cooldown lapses the check allows and re-arms
	later := now.Add(3*time.Second + time.Millisecond)
	second, err := gate.CheckAndArm(ctx, "user1", later)
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	// the re-arm covers a fresh interval from the second check
	third, err := gate.CheckAndArm(ctx, "user1", later.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, 2, third.RemainingSeconds)
}

func TestCooldownGatePerUser(t *testing.T) {
	db := newTestDB(t)
	gate := NewCooldownGate(db, 3*time.Second, nil)
	ctx := context.Background()
	now := time.Now()

	first, err := gate.CheckAndArm(ctx, "user1", now)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	other, err := gate.CheckAndArm(ctx, "user2", now)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestCooldownGateSurvivesRestart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	gate := NewCooldownGate(db, time.Minute, nil)
	first, err := gate.CheckAndArm(ctx, "user1", now)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// a fresh gate over the same database still sees the cooldown
	restarted := NewCooldownGate(db, time.Minute, nil)
	second, err := restarted.CheckAndArm(ctx, "user1", now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, second.Allowed)
}

func TestCeilSeconds(t *testing.T) {
	assert.Equal(t, 0, ceilSeconds(0))
	assert.Equal(t, 0, ceilSeconds(-50))
	assert.Equal(t, 1, ceilSeconds(1))
	assert.Equal(t, 1, ceilSeconds(1000))
	assert.Equal(t, 2, ceilSeconds(1001))
	assert.Equal(t, 3, ceilSeconds(2500))
}
