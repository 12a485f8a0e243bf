package jobqueue

import (
	"math/rand"
	"time"
)

const (
	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 1 * time.Hour
)

// backoffDelay computes the delay before the next run of a job that has
// already failed `attempts` times: base doubled per attempt, capped, plus up
// to 10% jitter so a burst of failures does not come back as a burst of
// retries.
func backoffDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	if jitterRange := int64(delay) / 10; jitterRange > 0 {
		delay += time.Duration(rand.Int63n(jitterRange + 1))
	}
	return delay
}
