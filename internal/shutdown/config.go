package shutdown

import "time"

// Config bounds how long a graceful stop may take.
type Config struct {
	// Timeout caps the whole shutdown sequence.
	Timeout time.Duration

	// HookTimeout caps a single hook. A consumer hook should get enough time
	// for in-flight handlers to finish.
	HookTimeout time.Duration

	// SlowHookThreshold logs a warning for hooks that take longer.
	SlowHookThreshold time.Duration
}

// DefaultConfig returns the shutdown budget used by the worker and server.
func DefaultConfig() Config {
	return Config{
		Timeout:           45 * time.Second,
		HookTimeout:       30 * time.Second,
		SlowHookThreshold: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = def.HookTimeout
	}
	if c.HookTimeout > c.Timeout {
		c.HookTimeout = c.Timeout
	}
	if c.SlowHookThreshold <= 0 {
		c.SlowHookThreshold = def.SlowHookThreshold
	}
	return c
}
