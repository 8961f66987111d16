package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const (
	maxStartupSpread = 5 * time.Second
	maxPollBackoff   = time.Minute
)

var spreadSeq uint64

// startupSpread delays the first poll by up to one poll interval (capped),
// so instances started together do not hit the store in lock step.
func startupSpread(instance string, every time.Duration) time.Duration {
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return 0
	}
	return time.Duration(newRand(instance).Int63n(int64(spreadMax)))
}

// pollBackoff is the wait after the n-th consecutive poll failure:
// base doubled per failure, capped, with +-20% jitter.
func pollBackoff(failures int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxPollBackoff {
			d = maxPollBackoff
			break
		}
	}
	r := (newRand("backoff").Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + r))
	if d > maxPollBackoff {
		d = maxPollBackoff
	}
	return d
}

func newRand(tag string) *rand.Rand {
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	return rand.New(rand.NewSource(seed))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
