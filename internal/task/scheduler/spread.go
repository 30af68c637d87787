package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// delayedFirst delegates to base after overriding the first run time.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// spreadFirstRun delays the first run of an interval schedule by a random
// share of the interval (capped) so restarts do not hit the source in lockstep.
func spreadFirstRun(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &delayedFirst{base: base, first: now.Add(every + jitter)}, jitter
}
