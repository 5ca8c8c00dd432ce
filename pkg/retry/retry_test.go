package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var notified []int
	err := Do(context.Background(), fastConfig(5), "postgres", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_GivesUp(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	err := Do(context.Background(), fastConfig(3), "redis", func(context.Context) error {
		calls++
		return boom
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "redis: gave up after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	bad := errors.New("authentication failed")
	calls := 0
	err := Do(context.Background(), fastConfig(5), "amqp", func(context.Context) error {
		calls++
		return Permanent(bad)
	}, nil)

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(5), "postgres", func(context.Context) error {
		t.Fatal("op must not run on a cancelled context")
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_MaxElapsed(t *testing.T) {
	cfg := Config{MaxAttempts: 100, InitialDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 1, MaxElapsed: 50 * time.Millisecond}
	err := Do(context.Background(), cfg, "postgres", func(context.Context) error {
		return errors.New("down")
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfig_Delay(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Delay(4))
	assert.Equal(t, 10*time.Second, cfg.Delay(20))
}
