package governance

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// BackoffConfig describes an exponential backoff schedule.
type BackoffConfig struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps every delay, including Retry-After hints.
	Max time.Duration
	// Multiplier is the growth factor between retries.
	Multiplier float64
	// Jitter adds up to 25% random delay to spread synchronized clients.
	Jitter bool
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Normalize fills zero or negative fields with defaults.
func (c BackoffConfig) Normalize() BackoffConfig {
	def := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = def.Initial
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// Delay returns the wait before retry number retry (0-based).
func (c BackoffConfig) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := c.Max
	if scaled := float64(c.Initial) * math.Pow(c.Multiplier, float64(retry)); scaled < float64(c.Max) {
		delay = time.Duration(scaled)
	}

	if c.Jitter && delay >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}
	return delay
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter interprets a Retry-After header given either as seconds or
// as an HTTP date. It reports false when the header is absent or malformed.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if d := when.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
