package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memoryBackend keeps documents in process memory. Documents are copied on
// the way in and out so callers never share slices with the store.
type memoryBackend struct {
	mu   sync.Mutex
	dbs  map[string]map[string]Document
	now  func() time.Time
	name string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() Backend {
	return &memoryBackend{dbs: map[string]map[string]Document{}, now: time.Now, name: "memory"}
}

func (m *memoryBackend) Name() string { return m.name }

func (m *memoryBackend) Close() error { return nil }

func (m *memoryBackend) table(db string) map[string]Document {
	t := m.dbs[db]
	if t == nil {
		t = map[string]Document{}
		m.dbs[db] = t
	}
	return t
}

func (m *memoryBackend) Get(ctx context.Context, db, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.table(db)[id]
	if !ok {
		return Document{}, notFound(id)
	}
	return copyDoc(d), nil
}

func (m *memoryBackend) Find(ctx context.Context, db string, sel Selector) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for _, d := range m.table(db) {
		if sel.Match(d.Body) {
			out = append(out, copyDoc(d))
		}
	}
	sortDocs(out)
	return out, nil
}

func (m *memoryBackend) Put(ctx context.Context, db string, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(db, doc)
}

func (m *memoryBackend) putLocked(db string, doc Document) (Document, error) {
	t := m.table(db)
	cur, exists := t[doc.ID]
	if err := checkRev(doc.ID, exists, cur.Rev, doc.Rev); err != nil {
		return Document{}, err
	}
	stored := Document{ID: doc.ID, Rev: nextRev(cur.Rev), UpdatedAt: m.now().UTC(), Body: append([]byte(nil), doc.Body...)}
	t[doc.ID] = stored
	return copyDoc(stored), nil
}

func (m *memoryBackend) Delete(ctx context.Context, db, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(db, id, rev)
}

func (m *memoryBackend) deleteLocked(db, id, rev string) error {
	t := m.table(db)
	cur, ok := t[id]
	if !ok {
		return notFound(id)
	}
	if cur.Rev != rev {
		return conflict(id)
	}
	delete(t, id)
	return nil
}

func (m *memoryBackend) Bulk(ctx context.Context, db string, docs []Document, opts BulkOptions) ([]BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.AllOrNothing {
		t := m.table(db)
		for _, d := range docs {
			cur, exists := t[d.ID]
			if d.Deleted && !exists {
				return nil, notFound(d.ID)
			}
			if err := checkRev(d.ID, exists, cur.Rev, d.Rev); err != nil {
				return nil, err
			}
		}
	}

	out := make([]BulkResult, 0, len(docs))
	for _, d := range docs {
		if d.Deleted {
			out = append(out, BulkResult{ID: d.ID, Err: m.deleteLocked(db, d.ID, d.Rev)})
			continue
		}
		stored, err := m.putLocked(db, d)
		out = append(out, BulkResult{ID: d.ID, Rev: stored.Rev, UpdatedAt: stored.UpdatedAt, Err: err})
	}
	return out, nil
}

func sortDocs(d []Document) {
	sort.Slice(d, func(i, j int) bool { return d[i].ID < d[j].ID })
}

func copyDoc(d Document) Document {
	d.Body = append([]byte(nil), d.Body...)
	return d
}

var errClosed = errors.New("store closed")
