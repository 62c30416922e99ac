package governance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 400*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, time.Second, cfg.Delay(10))
	assert.Equal(t, time.Second, cfg.Delay(5000))
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := BackoffConfig{
			Initial:    time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "initial")),
			Max:        10 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		}
		retry := rapid.IntRange(0, 20).Draw(t, "retry")

		base := BackoffConfig{Initial: cfg.Initial, Max: cfg.Max, Multiplier: cfg.Multiplier}.Delay(retry)
		got := cfg.Delay(retry)
		if got < base || got > base+base/4 {
			t.Fatalf("delay %v outside [%v, %v]", got, base, base+base/4)
		}
	})
}

func TestBackoffNormalize(t *testing.T) {
	cfg := BackoffConfig{}.Normalize()
	def := DefaultBackoffConfig()
	assert.Equal(t, def.Initial, cfg.Initial)
	assert.Equal(t, def.Max, cfg.Max)
	assert.Equal(t, def.Multiplier, cfg.Multiplier)
	assert.False(t, cfg.Jitter)
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	d, ok := ParseRetryAfter("3", now)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, d)

	_, ok = ParseRetryAfter("", now)
	assert.False(t, ok)
	_, ok = ParseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = ParseRetryAfter("-1", now)
	assert.False(t, ok)
}

func TestIsIdempotent(t *testing.T) {
	assert.True(t, IsIdempotent(http.MethodGet))
	assert.True(t, IsIdempotent(""))
	assert.True(t, IsIdempotent(http.MethodPut))
	assert.False(t, IsIdempotent(http.MethodPost))
	assert.False(t, IsIdempotent(http.MethodPatch))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("send: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"dns text", errors.New("dial tcp: lookup nowhere: no such host"), true},
		{"other", errors.New("tls: bad certificate"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestRetryBudget_RefillsOverTime(t *testing.T) {
	now := time.Unix(0, 0)
	budget := NewRetryBudget(BudgetConfig{RetriesPerSecond: 1, Burst: 2})
	budget.now = func() time.Time { return now }

	assert.True(t, budget.Allow("a.test"))
	assert.True(t, budget.Allow("a.test"))
	assert.False(t, budget.Allow("a.test"))
	assert.True(t, budget.Allow("b.test"), "hosts have independent buckets")

	now = now.Add(time.Second)
	assert.True(t, budget.Allow("a.test"))
	assert.False(t, budget.Allow("a.test"))

	now = now.Add(time.Hour)
	assert.InDelta(t, 2.0, budget.Available("a.test"), 0.001)
}

func TestRetryBudget_DisabledAllowsEverything(t *testing.T) {
	var nilBudget *RetryBudget
	assert.True(t, nilBudget.Allow("a.test"))
	assert.True(t, math.IsInf(nilBudget.Available("a.test"), 1))

	budget := NewRetryBudget(BudgetConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, budget.Allow("a.test"))
	}
	assert.True(t, math.IsInf(budget.Available("a.test"), 1))
}

func TestBreakerSet_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	breakers := NewBreakerSet(BreakerConfig{MaxFailures: 2, OpenTimeout: 10 * time.Second, HalfOpenProbes: 1})
	breakers.now = func() time.Time { return now }

	require.NoError(t, breakers.Allow("a.test"))
	breakers.Record("a.test", true)
	assert.Equal(t, StateClosed, breakers.State("a.test"))
	breakers.Record("a.test", true)
	assert.Equal(t, StateOpen, breakers.State("a.test"))
	assert.ErrorIs(t, breakers.Allow("a.test"), ErrCircuitOpen)
	assert.NoError(t, breakers.Allow("b.test"))

	now = now.Add(11 * time.Second)
	require.NoError(t, breakers.Allow("a.test"))
	assert.Equal(t, StateHalfOpen, breakers.State("a.test"))
	assert.ErrorIs(t, breakers.Allow("a.test"), ErrCircuitOpen, "only one probe in half-open")

	breakers.Record("a.test", false)
	assert.Equal(t, StateClosed, breakers.State("a.test"))
}

func TestBreakerSet_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	breakers := NewBreakerSet(BreakerConfig{MaxFailures: 1, OpenTimeout: time.Second})
	breakers.now = func() time.Time { return now }

	breakers.Record("a.test", true)
	now = now.Add(2 * time.Second)
	require.NoError(t, breakers.Allow("a.test"))
	breakers.Record("a.test", true)
	assert.Equal(t, StateOpen, breakers.State("a.test"))

	breakers.Reset()
	assert.Equal(t, StateClosed, breakers.State("a.test"))
}

func TestBreakerSet_NilIsClosed(t *testing.T) {
	var breakers *BreakerSet
	assert.NoError(t, breakers.Allow("a.test"))
	breakers.Record("a.test", true)
	assert.Equal(t, StateClosed, breakers.State("a.test"))
	breakers.Reset()
}

func TestBreakerSet_DisabledWhenNoThreshold(t *testing.T) {
	breakers := NewBreakerSet(BreakerConfig{})
	for i := 0; i < 10; i++ {
		breakers.Record("a.test", true)
	}
	assert.NoError(t, breakers.Allow("a.test"))
}
