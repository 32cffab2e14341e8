package metacache

import "time"

// linearBackoff returns the delay to wait before attempt n+1 (attempt
// is 0 for the first retry), growing linearly from initial up to max.
// The spec calls for linear, not exponential, backoff between
// transient slow-path retries.
func linearBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := initial * time.Duration(attempt+1)
	if d > max {
		return max
	}
	return d
}

// deadlineRemaining reports the time left until deadline, or 0 if it
// has already passed. A zero deadline means no deadline at all and is
// reported as the max possible duration.
func deadlineRemaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}
