package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextNeverExceedsMax(t *testing.T) {
	p := New(10*time.Millisecond, 50*time.Millisecond)
	for i := 0; i < 10; i++ {
		d := p.next()
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestResetZeroesAttemptCounter(t *testing.T) {
	p := New(time.Millisecond, time.Second)
	p.next()
	p.next()
	require.Equal(t, 2, p.Attempts())

	p.Reset()
	assert.Equal(t, 0, p.Attempts())
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	p := New(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDurationsGrowAcrossAttempts(t *testing.T) {
	p := New(5*time.Millisecond, 5*time.Second)
	first := p.next()
	for i := 0; i < 5; i++ {
		next := p.next()
		assert.Greater(t, next, first/2) // later attempts wait longer than the first
	}
}
