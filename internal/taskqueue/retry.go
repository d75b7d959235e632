package taskqueue

import "time"

// Retry ceilings and base delays used by the pull consume paths.
const (
	DefaultMaxAttempts      = 3
	DefaultConsumeBaseDelay = 10 * time.Second
	DefaultServiceBaseDelay = 5 * time.Second
	DefaultMaxRetryDelay    = time.Hour
)

// RetryPolicy defines retry behavior for failed handlers.
type RetryPolicy struct {
	// MaxAttempts is the nack count at which a failing message is failed instead.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// ConsumeRetryPolicy is the policy of the generic backend consume loop:
// 10s * 2^attempts, failing once attempts reaches 3.
func ConsumeRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultConsumeBaseDelay,
		MaxDelay:     DefaultMaxRetryDelay,
		Multiplier:   2.0,
	}
}

// ServiceRetryPolicy is the policy of Service.ProcessOne: 5s * 2^attempts.
func ServiceRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultServiceBaseDelay,
		MaxDelay:     DefaultMaxRetryDelay,
		Multiplier:   2.0,
	}
}

// Delay calculates the delay before redelivery of a message that has already
// been nacked attempts times.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.InitialDelay
	}

	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := p.InitialDelay
	for i := 0; i < attempts; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Exhausted reports whether a message with the given attempts must be failed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
