package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	}, 3, 10*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "should succeed on first try")
}

func TestDo_EventualSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, 5, time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "should succeed on third attempt")
}

func TestDo_AllAttemptsFail(t *testing.T) {
	attempts := 0
	expectedErr := errors.New("persistent error")
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return expectedErr
	}, 3, time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, expectedErr, err, "should return the original error")
	assert.Equal(t, 3, attempts, "should attempt exactly maxAttempts times")
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, func(context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("error")
	}, 10, 10*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, attempts, 2, "should stop when context is canceled")
}

func TestDo_InvalidMaxAttempts(t *testing.T) {
	for _, n := range []int{0, -1} {
		attempts := 0
		err := Do(context.Background(), func(context.Context) error {
			attempts++
			return nil
		}, n, time.Millisecond)

		assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
		assert.Equal(t, 0, attempts)
	}
}

func TestDelay(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, Delay(1, base, 0))
	assert.Equal(t, 200*time.Millisecond, Delay(2, base, 0))
	assert.Equal(t, 400*time.Millisecond, Delay(3, base, 0))
	assert.Equal(t, 100*time.Millisecond, Delay(0, base, 0), "attempt below 1 is treated as 1")

	t.Run("capped", func(t *testing.T) {
		assert.Equal(t, 300*time.Millisecond, Delay(3, base, 300*time.Millisecond))
		assert.Equal(t, 300*time.Millisecond, Delay(30, base, 300*time.Millisecond))
	})
}
