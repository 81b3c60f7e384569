package signaling

import (
	"math/rand"
	"time"
)

const (
	backoffBase      = time.Second
	backoffCap       = 30 * time.Second
	backoffMaxShift  = 6
	backoffJitterMax = 700 * time.Millisecond
)

// backoffDelay computes the wait before reconnect attempt n (0-based):
// min(2^min(n,6) * 1s, 30s) plus up to 700ms of jitter. The jitter source is
// injectable so tests can pin it.
func backoffDelay(attempt int, jitter func() time.Duration) time.Duration {
	shift := attempt
	if shift > backoffMaxShift {
		shift = backoffMaxShift
	}
	d := backoffBase << uint(shift)
	if d > backoffCap {
		d = backoffCap
	}
	return d + jitter()
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(backoffJitterMax)))
}
