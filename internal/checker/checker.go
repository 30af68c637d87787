// Package checker drives one observation cycle: fetch, parse, hash per
// subject and publish the subjects that changed.
package checker

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"subwatch/internal/hashcache"
	"subwatch/internal/schedule"
	logx "subwatch/pkg/logx"
)

// ErrBusy is returned when a cycle is already running.
var ErrBusy = errors.New("checker: cycle already running")

// CrossChecker reports which candidates changed and persists them. Tracked
// lists the subjects whose last stored state still had lines.
type CrossChecker interface {
	CrossCheck(ctx context.Context, candidates []hashcache.Candidate) ([]hashcache.ChangedSubject, error)
	Tracked(ctx context.Context) ([]string, error)
}

// Publisher hands changed subjects to the dispatcher.
type Publisher interface {
	PublishWait(ctx context.Context, ev hashcache.ChangedSubject) error
}

type Config struct {
	// PublishTimeout bounds the wait for a full event queue per event.
	PublishTimeout time.Duration
	// Subjects restricts the cycle to these subjects; empty means all.
	Subjects []string
}

type Checker struct {
	cfg     Config
	loader  Loader
	parser  Parser
	cache   CrossChecker
	pub     Publisher
	log     logx.Logger
	running atomic.Bool
}

// New builds a Checker. pub may be nil, in which case changes are only returned.
func New(cfg Config, loader Loader, parser Parser, cache CrossChecker, pub Publisher, log logx.Logger) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Checker{cfg: cfg, loader: loader, parser: parser, cache: cache, pub: pub, log: log}
}

// Run is RunOnce shaped as a scheduler job.
func (c *Checker) Run(ctx context.Context) error {
	_, err := c.RunOnce(ctx)
	if errors.Is(err, ErrBusy) {
		c.log.Debug("checker cycle skipped, previous still running")
		return nil
	}
	return err
}

// RunOnce performs one cycle and returns the changed subjects. Only one
// cycle runs at a time per Checker.
func (c *Checker) RunOnce(ctx context.Context) ([]hashcache.ChangedSubject, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.running.Store(false)

	start := time.Now()
	raw, err := c.loader.Load(ctx)
	if err != nil {
		c.log.Warn("fetch failed", logx.Err(err))
		return nil, err
	}
	s, err := c.parser.Parse(raw)
	if err != nil {
		c.log.Warn("parse failed", logx.Int("bytes", len(raw)), logx.Err(err))
		return nil, err
	}

	candidates, err := c.candidates(ctx, s)
	if err != nil {
		return nil, err
	}
	changed, err := c.cache.CrossCheck(ctx, candidates)
	if err != nil {
		c.log.Warn("cross check failed", logx.Err(err))
		return nil, err
	}

	published := 0
	if c.pub != nil {
		for _, ev := range changed {
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
			err := c.pub.PublishWait(pctx, ev)
			cancel()
			if err != nil {
				c.log.Warn("event dropped", logx.String("subject", ev.Subject), logx.Err(err))
				continue
			}
			published++
		}
	}

	c.log.Info("check done",
		logx.Int("dates", len(s.Dates)),
		logx.Int("subjects", len(candidates)),
		logx.Int("changed", len(changed)),
		logx.Int("published", published),
		logx.Duration("dur", time.Since(start)),
	)
	return changed, nil
}

// candidates hashes every subject on the page. Without a configured subject
// list the tracked subjects missing from the page are added with no lines, so
// their withdrawal is reported.
func (c *Checker) candidates(ctx context.Context, s schedule.Schedule) ([]hashcache.Candidate, error) {
	subjects := s.Subjects()
	if len(c.cfg.Subjects) > 0 {
		subjects = c.cfg.Subjects
	} else {
		tracked, err := c.cache.Tracked(ctx)
		if err != nil {
			c.log.Warn("list tracked subjects failed", logx.Err(err))
			return nil, err
		}
		onPage := make(map[string]bool, len(subjects))
		for _, subj := range subjects {
			onPage[subj] = true
		}
		var vanished []string
		for _, subj := range tracked {
			if !onPage[subj] {
				vanished = append(vanished, subj)
			}
		}
		if len(vanished) > 0 {
			sort.Strings(vanished)
			c.log.Debug("subjects left the page", logx.Strings("subjects", vanished))
			subjects = append(subjects, vanished...)
		}
	}
	out := make([]hashcache.Candidate, 0, len(subjects))
	for _, subj := range subjects {
		cand, err := hashcache.NewCandidate(subj, s)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	return out, nil
}
