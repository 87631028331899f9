package orchestrator

import (
	"math/rand"
	"time"
)

// nextDelay returns the jittered exponential backoff delay before retry
// number attempt (1-based). The exponential component doubles per
// attempt and is capped at max; half of the result is randomized so
// concurrent retries spread out.
func nextDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			d = max
			break
		}
		d *= 2
	}
	if d > max {
		d = max
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
