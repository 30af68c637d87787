package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "subwatch/pkg/logx"
)

// fileBackend is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of every database)
//   - <prefix>.journal.jsonl (append-only journal of writes since the snapshot)
//
// All reads are served from memory; the journal is compacted into the
// snapshot every compactEvery writes.
type fileBackend struct {
	mem *memoryBackend
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	DB      string   `json:"db"`
	Doc     Document `json:"doc"`
	Deleted bool     `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory().(*memoryBackend)
	mem.name = "file"
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(snapPath, mem.dbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("file store snapshot unreadable, starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem.dbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileBackend{
		mem:          mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (f *fileBackend) Name() string { return "file" }

func (f *fileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil
	}
	err := f.journal.Close()
	f.journal = nil
	return err
}

func (f *fileBackend) Get(ctx context.Context, db, id string) (Document, error) {
	return f.mem.Get(ctx, db, id)
}

func (f *fileBackend) Find(ctx context.Context, db string, sel Selector) ([]Document, error) {
	return f.mem.Find(ctx, db, sel)
}

func (f *fileBackend) Put(ctx context.Context, db string, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return Document{}, errClosed
	}
	f.mem.mu.Lock()
	stored, err := f.mem.putLocked(db, doc)
	f.mem.mu.Unlock()
	if err != nil {
		return Document{}, err
	}
	if err := f.appendLocked(journalRecord{DB: db, Doc: stored}); err != nil {
		return Document{}, err
	}
	return stored, nil
}

func (f *fileBackend) Delete(ctx context.Context, db, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return errClosed
	}
	f.mem.mu.Lock()
	err := f.mem.deleteLocked(db, id, rev)
	f.mem.mu.Unlock()
	if err != nil {
		return err
	}
	return f.appendLocked(journalRecord{DB: db, Doc: Document{ID: id}, Deleted: true})
}

func (f *fileBackend) Bulk(ctx context.Context, db string, docs []Document, opts BulkOptions) ([]BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.journal == nil {
		return nil, errClosed
	}
	res, err := f.mem.Bulk(ctx, db, docs, opts)
	if err != nil {
		return nil, err
	}
	for i, r := range res {
		if r.Err != nil {
			continue
		}
		rec := journalRecord{DB: db, Doc: Document{ID: r.ID}, Deleted: docs[i].Deleted}
		if !rec.Deleted {
			stored, gerr := f.mem.Get(ctx, db, r.ID)
			if gerr != nil {
				return nil, gerr
			}
			rec.Doc = stored
		}
		if err := f.appendLocked(rec); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (f *fileBackend) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(f.journal).Encode(rec); err != nil {
		return err
	}
	f.writes++
	if f.compactEvery > 0 && f.writes%f.compactEvery == 0 {
		// Best-effort compact.
		if err := f.compactLocked(); err != nil {
			f.log.Debug("file store compact failed", logx.Err(err))
		}
	}
	return nil
}

func (f *fileBackend) compactLocked() error {
	f.mem.mu.Lock()
	b, err := json.Marshal(f.mem.dbs)
	f.mem.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := f.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.snapshotPath); err != nil {
		return err
	}
	if err := f.journal.Truncate(0); err != nil {
		return err
	}
	_, err = f.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]map[string]Document) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]map[string]Document
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for db, docs := range m {
		out[db] = docs
	}
	return nil
}

func replayJournal(path string, out map[string]map[string]Document) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	s := bufio.NewScanner(fh)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for s.Scan() {
		var r journalRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Doc.ID == "" {
			continue
		}
		t := out[r.DB]
		if t == nil {
			t = map[string]Document{}
			out[r.DB] = t
		}
		if r.Deleted {
			delete(t, r.Doc.ID)
			continue
		}
		t[r.Doc.ID] = r.Doc
	}
	return s.Err()
}
