package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	b := NewBreaker(time.Minute, 3, 5*time.Minute)
	now := time.Now()

	assert.False(t, b.RecordFailure(now))
	assert.False(t, b.Open(now))
	assert.False(t, b.RecordFailure(now.Add(time.Second)))
	assert.False(t, b.Open(now.Add(time.Second)))

	// Boundary behavior: opens at the failure that makes the in-window
	// count equal the threshold.
	opened := b.RecordFailure(now.Add(2 * time.Second))
	assert.True(t, opened)
	assert.True(t, b.Open(now.Add(2*time.Second)))
}

func TestBreakerWindowPrunesOldFailures(t *testing.T) {
	b := NewBreaker(time.Minute, 2, 5*time.Minute)
	now := time.Now()

	b.RecordFailure(now)
	// The first failure ages out before the second lands.
	assert.False(t, b.RecordFailure(now.Add(2*time.Minute)))
	assert.False(t, b.Open(now.Add(2*time.Minute)))
}

func TestBreakerCooldownExpires(t *testing.T) {
	b := NewBreaker(time.Minute, 1, 5*time.Minute)
	now := time.Now()

	require.True(t, b.RecordFailure(now))
	assert.True(t, b.Open(now.Add(4*time.Minute)))
	assert.False(t, b.Open(now.Add(5*time.Minute+time.Second)))
}

func TestBreakerSuccessCloses(t *testing.T) {
	b := NewBreaker(time.Minute, 1, 5*time.Minute)
	now := time.Now()

	require.True(t, b.RecordFailure(now))
	b.RecordSuccess(now.Add(time.Second))
	assert.False(t, b.Open(now.Add(2*time.Second)))
	// Window restarts clean after a success.
	assert.True(t, b.RecordFailure(now.Add(3*time.Second)))
}
