package hashcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/diff"
	"subwatch/internal/schedule"
	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

// countingBackend counts writes and can fail Bulk.
type countingBackend struct {
	storage.Backend
	puts, bulks int
	failBulk    bool
}

func (c *countingBackend) Put(ctx context.Context, db string, d storage.Document) (storage.Document, error) {
	c.puts++
	return c.Backend.Put(ctx, db, d)
}

func (c *countingBackend) Bulk(ctx context.Context, db string, docs []storage.Document, o storage.BulkOptions) ([]storage.BulkResult, error) {
	c.bulks++
	if c.failBulk {
		return nil, errors.New("disk full")
	}
	return c.Backend.Bulk(ctx, db, docs, o)
}

func newCache(t *testing.T) (*Cache, *countingBackend) {
	t.Helper()
	b := &countingBackend{Backend: storage.NewMemory()}
	st := storage.New(b, "hashes", storage.DefaultRetryPolicy(), logx.Nop())
	return New(st, logx.Nop()), b
}

func page(items ...schedule.LineItem) schedule.Schedule {
	return schedule.Schedule{Dates: []schedule.DateEntry{
		{Title: "Montag, 20.10.2026", Subjects: []schedule.SubjectEntry{{Subject: "5A", Items: items}}},
		{Title: "Dienstag, 21.10.2026"},
	}}
}

func TestCrossCheckIsIdempotent(t *testing.T) {
	t.Parallel()
	c, b := newCache(t)
	ctx := context.Background()
	cand, err := NewCandidate("5A", page(schedule.LineItem{"1", "Entfall", "M"}))
	require.NoError(t, err)

	first, err := c.CrossCheck(ctx, []Candidate{cand})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].Old.IsZero())

	second, err := c.CrossCheck(ctx, []Candidate{cand})
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, b.bulks, "no write when nothing changed")
}

func TestCrossCheckKeepsRevisionChain(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t)
	ctx := context.Background()
	for i, course := range []string{"M", "D", "E"} {
		cand, err := NewCandidate("5A", page(schedule.LineItem{"1", "Entfall", course}))
		require.NoError(t, err)
		got, err := c.CrossCheck(ctx, []Candidate{cand})
		require.NoError(t, err)
		require.Len(t, got, 1, "round %d", i)
	}
	cand, err := NewCandidate("5A", page(schedule.LineItem{"1", "Entfall", "E"}))
	require.NoError(t, err)
	got, err := c.CrossCheck(ctx, []Candidate{cand})
	require.NoError(t, err)
	assert.Empty(t, got, "last write must be the stored state")

	cand, err = NewCandidate("5A", page(schedule.LineItem{"1", "Entfall", "M"}))
	require.NoError(t, err)
	got, err = c.CrossCheck(ctx, []Candidate{cand})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "E", got[0].Old.Dates[0].Items("5A")[0][2])
}

func TestTrackedSkipsEmptySnapshots(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t)
	ctx := context.Background()

	full, err := NewCandidate("5A", page(schedule.LineItem{"1", "Entfall", "M"}))
	require.NoError(t, err)
	empty, err := NewCandidate("6B", page(schedule.LineItem{"1", "Entfall", "M"}))
	require.NoError(t, err)
	_, err = c.CrossCheck(ctx, []Candidate{full, empty})
	require.NoError(t, err)

	got, err := c.Tracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"5A"}, got)
}

func TestCrossCheckReportsChangeWhenPersistFails(t *testing.T) {
	t.Parallel()
	c, b := newCache(t)
	b.failBulk = true
	cand, err := NewCandidate("5A", page(schedule.LineItem{"1", "Entfall", "M"}))
	require.NoError(t, err)

	got, err := c.CrossCheck(context.Background(), []Candidate{cand})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "5A", got[0].Subject)
}

// Stored record H0 for 5A, candidate H1: the change carries H0's schedule and
// diffing both sides gives the hand-checked delta.
func TestEndToEndChangedSubjectAndDelta(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t)
	ctx := context.Background()

	s0 := page(
		schedule.LineItem{"2", "Vertretung", "D", "", "101", "Mü"},
		schedule.LineItem{"4", "Entfall", "Sp", "", "", ""},
	)
	s1 := page(
		schedule.LineItem{"1", "Entfall", "M", "", "", ""},
		schedule.LineItem{"2", "Vertretung", "D", "", "105", "Mü"},
	)
	c0, err := NewCandidate("5A", s0)
	require.NoError(t, err)
	_, err = c.CrossCheck(ctx, []Candidate{c0})
	require.NoError(t, err)

	c1, err := NewCandidate("5A", s1)
	require.NoError(t, err)
	require.NotEqual(t, c0.Hash, c1.Hash)

	got, err := c.CrossCheck(ctx, []Candidate{c1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c0.Schedule, got[0].Old)

	delta, err := diff.New(diff.DefaultConfig(), logx.Nop()).Delta("5A", got[0].New, got[0].Old, nil)
	require.NoError(t, err)
	require.Len(t, delta, 3)
	assert.Equal(t, schedule.Added, delta[0].Kind)
	assert.Equal(t, "1", delta[0].New[0])
	assert.Equal(t, schedule.Changed, delta[1].Kind)
	assert.Equal(t, "105", delta[1].New[4])
	assert.Equal(t, "101", delta[1].Old[4])
	assert.Equal(t, schedule.Deleted, delta[2].Kind)
	assert.Equal(t, "4", delta[2].Old[0])
}
