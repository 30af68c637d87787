package storage

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "subwatch/pkg/logx"
)

// Store is one named database of a Backend with retry and error classification.
// It is safe for concurrent use.
type Store struct {
	backend Backend
	name    string
	policy  RetryPolicy
	log     logx.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

type Option func(*Store)

// WithSleep replaces the backoff wait (tests use it to avoid real sleeps).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Store) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func WithJitter(fn func() float64) Option {
	return func(s *Store) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

func New(backend Backend, name string, policy RetryPolicy, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		backend: backend,
		name:    name,
		policy:  policy.normalized(),
		log:     log.With(logx.String("store", name), logx.String("backend", backend.Name())),
		sleep:   sleepCtx,
		jitter:  rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Name() string { return s.name }

// Get returns the document, or the empty sentinel (Empty() == true) when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := s.do(ctx, "get", id, "", func(ctx context.Context) error {
		d, err := s.backend.Get(ctx, s.name, id)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		if KindOf(err) == KindNotFound {
			return Document{}, nil
		}
		return Document{}, err
	}
	return doc, nil
}

func (s *Store) Find(ctx context.Context, sel Selector) ([]Document, error) {
	var docs []Document
	err := s.do(ctx, "find", "", sel.String(), func(ctx context.Context) error {
		if err := sel.validate(); err != nil {
			return err
		}
		d, err := s.backend.Find(ctx, s.name, sel)
		if err != nil {
			return err
		}
		docs = d
		return nil
	})
	return docs, err
}

// InsertOrUpdate writes doc and returns it with the assigned id, the new
// revision and the store's write time. A missing id is generated.
func (s *Store) InsertOrUpdate(ctx context.Context, doc Document) (Document, error) {
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = uuid.NewString()
	}
	var out Document
	err := s.do(ctx, "insert", doc.ID, "", func(ctx context.Context) error {
		d, err := s.backend.Put(ctx, s.name, doc)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return doc, err
	}
	doc.ID = out.ID
	doc.Rev = out.Rev
	doc.UpdatedAt = out.UpdatedAt
	return doc, nil
}

func (s *Store) Destroy(ctx context.Context, doc Document) error {
	return s.do(ctx, "destroy", doc.ID, "", func(ctx context.Context) error {
		return s.backend.Delete(ctx, s.name, doc.ID, doc.Rev)
	})
}

// Bulk writes docs in one backend call. Per-document failures are reported in
// the results as *Error; the returned error covers the call as a whole.
func (s *Store) Bulk(ctx context.Context, docs []Document, opts BulkOptions) ([]BulkResult, error) {
	for i := range docs {
		if strings.TrimSpace(docs[i].ID) == "" {
			docs[i].ID = uuid.NewString()
		}
	}
	var res []BulkResult
	err := s.do(ctx, "bulk", "", "", func(ctx context.Context) error {
		r, err := s.backend.Bulk(ctx, s.name, docs, opts)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Err == nil {
			continue
		}
		e := &Error{Kind: Classify(res[i].Err), Store: s.name, Op: "bulk", DocID: res[i].ID, Attempts: 1, Err: res[i].Err}
		s.log.Warn("bulk document failed", logx.String("id", e.DocID), logx.String("kind", e.Kind.String()), logx.Err(res[i].Err))
		res[i].Err = e
	}
	return res, nil
}

func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) do(ctx context.Context, op, docID, view string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		e := &Error{Kind: Classify(err), Store: s.name, Op: op, DocID: docID, View: view, Attempts: attempt, Err: err}
		fields := []logx.Field{
			logx.String("op", op),
			logx.String("kind", e.Kind.String()),
			logx.Int("attempt", attempt),
			logx.Err(err),
		}
		if docID != "" {
			fields = append(fields, logx.String("id", docID))
		}
		if view != "" {
			fields = append(fields, logx.String("view", view))
		}

		switch {
		case e.Kind == KindNotFound:
			s.log.Debug("document not found", fields...)
			return e
		case e.Kind != KindRateLimited:
			s.log.Warn("store call failed", fields...)
			return e
		case attempt >= s.policy.Attempts:
			s.log.Warn("store call rate limited, retries exhausted", fields...)
			return e
		}

		delay := s.policy.Delay(attempt, s.jitter())
		s.log.Debug("store call rate limited, retrying", append(fields, logx.Duration("backoff", delay))...)
		if werr := s.sleep(ctx, delay); werr != nil {
			e.Kind = KindTransport
			e.Err = werr
			s.log.Warn("store retry aborted", fields...)
			return e
		}
	}
}
