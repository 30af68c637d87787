package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrOverlapSkip = errors.New("run skipped: previous run still in flight")
	ErrUnknownJob  = errors.New("unknown schedule")
)

type Config struct {
	// Timezone is an IANA name; empty means the process local zone.
	Timezone       string
	DefaultTimeout time.Duration
}

type Job func(ctx context.Context) error

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Skips    uint64
	Failures uint64
	LastErr  string
	LastDur  time.Duration
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	st      *runState
}

type runState struct {
	running  atomic.Bool
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastDur time.Duration
}

func (r *runState) record(d time.Duration, err error) {
	r.runs.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDur = d
	if err != nil {
		r.failures.Add(1)
		r.lastErr = err.Error()
		return
	}
	r.lastErr = ""
}
