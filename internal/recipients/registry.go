// Package recipients stores who wants notifications for which subject.
package recipients

import (
	"context"
	"errors"
	"strings"
	"time"

	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

// Recipient is an addressable sink. The document id is the token.
type Recipient struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject"`
	Courses []string `json:"courses,omitempty"`

	Rev       string    `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Filtered reports whether r only wants changes for its own courses.
func (r Recipient) Filtered() bool { return len(r.Courses) > 0 }

var ErrInvalid = errors.New("recipient needs token and subject")

type Registry struct {
	store *storage.Store
	log   logx.Logger
}

func New(store *storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log}
}

func (r *Registry) FindBySubject(ctx context.Context, subject string) ([]Recipient, error) {
	docs, err := r.store.Find(ctx, storage.Selector{"subject": subject})
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs), nil
}

// All returns every registered recipient.
func (r *Registry) All(ctx context.Context) ([]Recipient, error) {
	docs, err := r.store.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(docs), nil
}

func (r *Registry) decodeAll(docs []storage.Document) []Recipient {
	out := make([]Recipient, 0, len(docs))
	for _, d := range docs {
		rec, err := decode(d)
		if err != nil {
			r.log.Warn("recipient unreadable, skipped", logx.String("id", d.ID), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Get returns the recipient for token; ok is false when it is not registered.
func (r *Registry) Get(ctx context.Context, token string) (Recipient, bool, error) {
	d, err := r.store.Get(ctx, token)
	if err != nil || d.Empty() {
		return Recipient{}, false, err
	}
	rec, err := decode(d)
	if err != nil {
		return Recipient{}, false, err
	}
	return rec, true, nil
}

// Upsert writes rec over whatever is stored for its token.
func (r *Registry) Upsert(ctx context.Context, rec Recipient) (Recipient, error) {
	rec.Token = strings.TrimSpace(rec.Token)
	rec.Subject = strings.TrimSpace(rec.Subject)
	if rec.Token == "" || rec.Subject == "" {
		return Recipient{}, ErrInvalid
	}
	if rec.Rev == "" {
		cur, ok, err := r.Get(ctx, rec.Token)
		if err != nil {
			return Recipient{}, err
		}
		if ok {
			rec.Rev = cur.Rev
		}
	}
	doc, err := storage.NewDocument(rec.Token, rec.Rev, rec)
	if err != nil {
		return Recipient{}, err
	}
	doc, err = r.store.InsertOrUpdate(ctx, doc)
	if err != nil {
		return Recipient{}, err
	}
	rec.Rev = doc.Rev
	rec.UpdatedAt = doc.UpdatedAt
	return rec, nil
}

func (r *Registry) Destroy(ctx context.Context, rec Recipient) error {
	return r.store.Destroy(ctx, storage.Document{ID: rec.Token, Rev: rec.Rev})
}

func decode(d storage.Document) (Recipient, error) {
	var rec Recipient
	if err := d.Decode(&rec); err != nil {
		return Recipient{}, err
	}
	if rec.Token == "" {
		rec.Token = d.ID
	}
	rec.Rev = d.Rev
	rec.UpdatedAt = d.UpdatedAt
	return rec, nil
}
