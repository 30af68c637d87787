package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "subwatch/pkg/logx"
)

// redisBackend stores each document as a hash {rev, body, updated_at} at
// <prefix><db>:doc:<id>; <prefix><db>:ids indexes the ids of one database.
type redisBackend struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Backend, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := rc.Prefix
	if prefix == "" {
		prefix = "subwatch:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisBackend{rdb: rdb, prefix: prefix, log: log}, nil
}

func (r *redisBackend) Name() string { return "redis" }

func (r *redisBackend) Close() error { return r.rdb.Close() }

func (r *redisBackend) key(db, id string) string { return r.prefix + db + ":doc:" + id }
func (r *redisBackend) ids(db string) string     { return r.prefix + db + ":ids" }

func (r *redisBackend) Get(ctx context.Context, db, id string) (Document, error) {
	m, err := r.rdb.HGetAll(ctx, r.key(db, id)).Result()
	if err != nil {
		return Document{}, classifyRedis(err)
	}
	if len(m) == 0 {
		return Document{}, notFound(id)
	}
	return docFromHash(id, m), nil
}

func (r *redisBackend) Find(ctx context.Context, db string, sel Selector) ([]Document, error) {
	ids, err := r.rdb.SMembers(ctx, r.ids(db)).Result()
	if err != nil {
		return nil, classifyRedis(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.key(db, id))
		}
		return nil
	})
	if err != nil {
		return nil, classifyRedis(err)
	}
	var out []Document
	for i, c := range cmds {
		m := c.Val()
		if len(m) == 0 {
			continue
		}
		d := docFromHash(ids[i], m)
		if sel.Match(d.Body) {
			out = append(out, d)
		}
	}
	sortDocs(out)
	return out, nil
}

func (r *redisBackend) Put(ctx context.Context, db string, doc Document) (Document, error) {
	var out Document
	key := r.key(db, doc.ID)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, exists, err := currentRev(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := checkRev(doc.ID, exists, cur, doc.Rev); err != nil {
			return err
		}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}
		out = Document{ID: doc.ID, Rev: nextRev(cur), UpdatedAt: now.UTC(), Body: doc.Body}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			r.queuePut(ctx, p, db, out)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Document{}, classifyRedis(err)
	}
	return out, nil
}

func (r *redisBackend) Delete(ctx context.Context, db, id, rev string) error {
	key := r.key(db, id)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, exists, err := currentRev(ctx, tx, key)
		if err != nil {
			return err
		}
		if !exists {
			return notFound(id)
		}
		if cur != rev {
			return conflict(id)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, r.ids(db), id)
			return nil
		})
		return err
	}, key)
	return classifyRedis(err)
}

func (r *redisBackend) Bulk(ctx context.Context, db string, docs []Document, opts BulkOptions) ([]BulkResult, error) {
	if !opts.AllOrNothing {
		out := make([]BulkResult, 0, len(docs))
		for _, d := range docs {
			res := BulkResult{ID: d.ID}
			if d.Deleted {
				res.Err = r.Delete(ctx, db, d.ID, d.Rev)
			} else {
				stored, err := r.Put(ctx, db, d)
				res.Rev, res.UpdatedAt, res.Err = stored.Rev, stored.UpdatedAt, err
			}
			if res.Err != nil && Classify(res.Err) == KindTransport {
				return nil, res.Err
			}
			out = append(out, res)
		}
		return out, nil
	}

	keys := make([]string, len(docs))
	for i, d := range docs {
		keys[i] = r.key(db, d.ID)
	}
	var out []BulkResult
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		out = out[:0]
		revs := make([]string, len(docs))
		for i, d := range docs {
			cur, exists, err := currentRev(ctx, tx, keys[i])
			if err != nil {
				return err
			}
			if d.Deleted && !exists {
				return notFound(d.ID)
			}
			if err := checkRev(d.ID, exists, cur, d.Rev); err != nil {
				return err
			}
			revs[i] = cur
		}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for i, d := range docs {
				if d.Deleted {
					p.Del(ctx, keys[i])
					p.SRem(ctx, r.ids(db), d.ID)
					out = append(out, BulkResult{ID: d.ID})
					continue
				}
				stored := Document{ID: d.ID, Rev: nextRev(revs[i]), UpdatedAt: now.UTC(), Body: d.Body}
				r.queuePut(ctx, p, db, stored)
				out = append(out, BulkResult{ID: d.ID, Rev: stored.Rev, UpdatedAt: stored.UpdatedAt})
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return nil, classifyRedis(err)
	}
	return out, nil
}

func (r *redisBackend) queuePut(ctx context.Context, p redis.Pipeliner, db string, d Document) {
	p.HSet(ctx, r.key(db, d.ID),
		"rev", d.Rev,
		"body", string(d.Body),
		"updated_at", d.UpdatedAt.Format(time.RFC3339Nano),
	)
	p.SAdd(ctx, r.ids(db), d.ID)
}

func currentRev(ctx context.Context, tx *redis.Tx, key string) (string, bool, error) {
	cur, err := tx.HGet(ctx, key, "rev").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cur, true, nil
}

func docFromHash(id string, m map[string]string) Document {
	ts, _ := time.Parse(time.RFC3339Nano, m["updated_at"])
	return Document{ID: id, Rev: m["rev"], UpdatedAt: ts, Body: []byte(m["body"])}
}

// classifyRedis maps server back-pressure replies and WATCH races into the taxonomy.
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) != KindTransport {
		return err
	}
	if errors.Is(err, redis.TxFailedErr) {
		return conflict("watched key changed")
	}
	if errors.Is(err, redis.Nil) {
		return notFound("key")
	}
	msg := err.Error()
	for _, p := range []string{"BUSY", "LOADING", "TRYAGAIN", "connection pool timeout"} {
		if strings.Contains(msg, p) {
			return rateLimited(err)
		}
	}
	return err
}
