package conn

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 16 * time.Second
	DefaultDeviceDebounce = 500 * time.Millisecond
)

// Config tunes the app-level retry loop. The schedule is not a
// correctness requirement; only monotonic growth and the cap are.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	DeviceDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.DeviceDebounce <= 0 {
		c.DeviceDebounce = DefaultDeviceDebounce
	}
	return c
}

// backoff returns a fresh capped exponential schedule: base, 2*base, 4*base, ... max.
func (c Config) backoff() retry.Backoff {
	return retry.WithCappedDuration(c.MaxDelay, retry.NewExponential(c.BaseDelay))
}
