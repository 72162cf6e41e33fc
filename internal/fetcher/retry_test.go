package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetrier(maxRetries int) *Retrier {
	return NewRetrier(RetrierOptions{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	})
}

func TestRetryWithValue_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	v, err := RetryWithValue(context.Background(), fastRetrier(3), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, domain.NewFetchError("https://h/x", 503, errors.New("unavailable"))
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithValue_PermanentErrorStops(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := RetryWithValue(context.Background(), fastRetrier(3), func() (int, error) {
		attempts++
		return 0, domain.NewFetchError("https://h/x", 404, errors.New("not found"))
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithValue_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := RetryWithValue(context.Background(), fastRetrier(2), func() (int, error) {
		attempts++
		return 0, domain.NewFetchError("https://h/x", 0, errors.New("connection refused"))
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithValue_ContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryWithValue(ctx, fastRetrier(3), func() (int, error) {
		return 0, domain.NewFetchError("https://h/x", 503, errors.New("unavailable"))
	})
	assert.Error(t, err)
}

func TestShouldRetryStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, ShouldRetryStatus(429))
	assert.True(t, ShouldRetryStatus(502))
	assert.True(t, ShouldRetryStatus(503))
	assert.True(t, ShouldRetryStatus(504))
	assert.False(t, ShouldRetryStatus(200))
	assert.False(t, ShouldRetryStatus(304))
	assert.False(t, ShouldRetryStatus(404))
}
