package engine

import "time"

// backoff returns the wait before retrying a failed send: base doubled
// per prior attempt, capped.
func backoff(base, cap time.Duration, attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	d := base
	for i := 1; i < attemptNumber; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
