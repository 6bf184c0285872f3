package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry_Success(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false, // Disable for predictable tests
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil // Success on third attempt
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryable(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := Do(ctx, DefaultConfig(), func() error {
		attempts++
		return NonRetryable(errors.New("bad input"))
	})

	assert.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel() // Cancel during retry
	}()

	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5) // Should not complete all attempts
}

func TestRetry_DoWithResult(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	result, err := DoWithResult(ctx, cfg, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, attempts)
}

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	})

	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	// Capped at MaxDelay from here on.
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 4, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    true,
	})

	for i := 0; i < 100; i++ {
		d := b.Next()
		// Base delay plus at most 25% jitter.
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
