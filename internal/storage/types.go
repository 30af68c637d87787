package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Config configures the backend.
//
// Driver values:
//   - "memory": process-local maps (tests, dry runs)
//   - "file":   JSON snapshot + append-only journal
//   - "sqlite": SQLite database file (default)
//   - "redis":  Redis hashes, one per document
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Document is an opaque JSON body plus identity and revision.
type Document struct {
	ID        string          `json:"_id"`
	Rev       string          `json:"_rev,omitempty"`
	Deleted   bool            `json:"_deleted,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Empty reports whether d is the "no document" sentinel returned by Store.Get.
func (d Document) Empty() bool { return d.ID == "" }

// Decode unmarshals the body into v.
func (d Document) Decode(v any) error {
	if len(d.Body) == 0 {
		return nil
	}
	return json.Unmarshal(d.Body, v)
}

// NewDocument encodes body as JSON.
func NewDocument(id, rev string, body any) (Document, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Rev: rev, Body: b}, nil
}

type BulkOptions struct {
	// AllOrNothing applies no write at all when any document conflicts.
	AllOrNothing bool
}

// BulkResult is the per-document outcome of a bulk write.
type BulkResult struct {
	ID        string
	Rev       string
	UpdatedAt time.Time
	Err       error
}

// Backend is a raw document store. Implementations wrap their native failures
// with ErrRateLimited, ErrNotFound or ErrConflict where those apply; anything
// else is treated as a transport failure.
type Backend interface {
	Name() string
	Get(ctx context.Context, db, id string) (Document, error)
	Find(ctx context.Context, db string, sel Selector) ([]Document, error)
	// Put creates or replaces a document and returns it with the new revision
	// and the backend-observed write time.
	Put(ctx context.Context, db string, doc Document) (Document, error)
	Delete(ctx context.Context, db, id, rev string) error
	Bulk(ctx context.Context, db string, docs []Document, opts BulkOptions) ([]BulkResult, error)
	Close() error
}
