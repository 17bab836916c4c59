package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	// Configure for fast testing: 3 failures, 100ms timeout
	cb := NewCircuitBreaker("test", 3, 100*time.Millisecond)

	require.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "should allow requests in closed state")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "should remain closed after 2 failures")

	cb.Failure()
	require.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "should not allow requests in open state")

	time.Sleep(150 * time.Millisecond)

	assert.True(t, cb.Allow(), "should allow a probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	// Probe fails: open again.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	require.True(t, cb.Allow())

	// Probe succeeds: closed.
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb := NewCircuitBreaker("do", 1, time.Hour)
	boom := errors.New("boom")

	require.NoError(t, cb.Do(func() error { return nil }))
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State().String())
}
