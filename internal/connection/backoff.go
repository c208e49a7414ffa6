// ABOUTME: Pure backoff schedule for reconnection attempts.
// ABOUTME: Exponential doubling from a base delay, capped at a maximum.

package connection

import "time"

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// base doubled per prior attempt, capped at max.
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
