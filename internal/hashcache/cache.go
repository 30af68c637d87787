// Package hashcache remembers the last observed state of every subject and
// reports which subjects changed since.
package hashcache

import (
	"context"
	"sync"

	"subwatch/internal/schedule"
	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

// Record is the persisted state of one subject; the document id is the subject.
type Record struct {
	Subject  string            `json:"subject"`
	Hash     string            `json:"hash"`
	Snapshot schedule.Schedule `json:"snapshot"`
}

type Candidate struct {
	Subject  string
	Hash     string
	Schedule schedule.Schedule
}

// NewCandidate narrows s to subject and hashes the result.
func NewCandidate(subject string, s schedule.Schedule) (Candidate, error) {
	narrowed := s.ForSubject(subject)
	h, err := schedule.Digest(narrowed)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Subject: subject, Hash: h, Schedule: narrowed}, nil
}

// ChangedSubject carries both sides needed for a diff. Old is the zero
// Schedule on first observation.
type ChangedSubject struct {
	Subject string
	Hash    string
	New     schedule.Schedule
	Old     schedule.Schedule
}

type Cache struct {
	// mu keeps two CrossCheck calls of this process from racing on the same records.
	mu    sync.Mutex
	store *storage.Store
	log   logx.Logger
}

func New(store *storage.Store, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{store: store, log: log}
}

// CrossCheck returns the candidates whose hash differs from the stored one and
// persists their new state. When nothing changed no write happens. A failed
// write is logged and the subject is still reported.
func (c *Cache) CrossCheck(ctx context.Context, candidates []Candidate) ([]ChangedSubject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, err := c.store.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	type stored struct {
		rev string
		rec Record
	}
	known := make(map[string]stored, len(docs))
	for _, d := range docs {
		var rec Record
		if err := d.Decode(&rec); err != nil {
			c.log.Warn("hash record unreadable, treating as absent", logx.String("id", d.ID), logx.Err(err))
			rec = Record{}
		}
		known[d.ID] = stored{rev: d.Rev, rec: rec}
	}

	var (
		changed []ChangedSubject
		writes  []storage.Document
	)
	for _, cand := range candidates {
		prev, ok := known[cand.Subject]
		if ok && prev.rec.Hash == cand.Hash {
			continue
		}
		changed = append(changed, ChangedSubject{
			Subject: cand.Subject,
			Hash:    cand.Hash,
			New:     cand.Schedule,
			Old:     prev.rec.Snapshot,
		})
		doc, err := storage.NewDocument(cand.Subject, prev.rev, Record{
			Subject:  cand.Subject,
			Hash:     cand.Hash,
			Snapshot: cand.Schedule,
		})
		if err != nil {
			c.log.Error("encode hash record failed", logx.String("subject", cand.Subject), logx.Err(err))
			continue
		}
		writes = append(writes, doc)
	}
	if len(writes) == 0 {
		return changed, nil
	}

	res, err := c.store.Bulk(ctx, writes, storage.BulkOptions{})
	if err != nil {
		c.log.Error("persist hash records failed", logx.Int("records", len(writes)), logx.Err(err))
		return changed, nil
	}
	for _, r := range res {
		if r.Err != nil {
			c.log.Error("persist hash record failed", logx.String("subject", r.ID), logx.Err(r.Err))
		}
	}
	return changed, nil
}

// Tracked lists the stored subjects whose last snapshot still had lines.
// A subject that vanished from the page is only found through this list.
func (c *Cache) Tracked(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	docs, err := c.store.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range docs {
		var rec Record
		if err := d.Decode(&rec); err != nil {
			continue
		}
		if rec.Snapshot.HasItems() {
			out = append(out, d.ID)
		}
	}
	return out, nil
}
