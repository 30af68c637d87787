package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "subwatch/pkg/logx"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	fb, err := openFile(Config{Path: filepath.Join(dir, "store.json")}, logx.Nop())
	require.NoError(t, err)
	sb, err := openSQLite(Config{Path: filepath.Join(dir, "store.db")}, logx.Nop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rb, err := openRedis(Config{Redis: RedisConfig{Addr: mr.Addr()}}, logx.Nop())
	require.NoError(t, err)

	out := map[string]Backend{"memory": NewMemory(), "file": fb, "sqlite": sb, "redis": rb}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func TestBackendRevisionSemantics(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := b.Get(ctx, "hashes", "5A")
			assert.Equal(t, KindNotFound, Classify(err))

			d1, err := b.Put(ctx, "hashes", Document{ID: "5A", Body: []byte(`{"subject":"5A","hash":"H0"}`)})
			require.NoError(t, err)
			assert.NotEmpty(t, d1.Rev)
			assert.False(t, d1.UpdatedAt.IsZero())

			_, err = b.Put(ctx, "hashes", Document{ID: "5A", Body: []byte(`{}`)})
			assert.Equal(t, KindConflict, Classify(err), "missing rev on existing doc")

			_, err = b.Put(ctx, "hashes", Document{ID: "6B", Rev: "3-x", Body: []byte(`{}`)})
			assert.Equal(t, KindConflict, Classify(err), "rev on missing doc")

			d2, err := b.Put(ctx, "hashes", Document{ID: "5A", Rev: d1.Rev, Body: []byte(`{"subject":"5A","hash":"H1"}`)})
			require.NoError(t, err)
			assert.NotEqual(t, d1.Rev, d2.Rev)

			got, err := b.Get(ctx, "hashes", "5A")
			require.NoError(t, err)
			assert.JSONEq(t, `{"subject":"5A","hash":"H1"}`, string(got.Body))

			assert.Equal(t, KindConflict, Classify(b.Delete(ctx, "hashes", "5A", d1.Rev)))
			require.NoError(t, b.Delete(ctx, "hashes", "5A", d2.Rev))
			assert.Equal(t, KindNotFound, Classify(b.Delete(ctx, "hashes", "5A", d2.Rev)))
		})
	}
}

func TestBackendFindSelector(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for id, body := range map[string]string{
				"a": `{"subject":"5A","active":true}`,
				"b": `{"subject":"5A","active":false}`,
				"c": `{"subject":"6B","active":true}`,
			} {
				_, err := b.Put(ctx, "recipients", Document{ID: id, Body: []byte(body)})
				require.NoError(t, err)
			}
			_, err := b.Put(ctx, "other", Document{ID: "z", Body: []byte(`{"subject":"5A"}`)})
			require.NoError(t, err)

			all, err := b.Find(ctx, "recipients", nil)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			got, err := b.Find(ctx, "recipients", Selector{"subject": "5A"})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].ID)
			assert.Equal(t, "b", got[1].ID)

			got, err = b.Find(ctx, "recipients", Selector{"subject": "5A", "active": true})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0].ID)
		})
	}
}

func TestBackendBulk(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := b.Put(ctx, "hashes", Document{ID: "5A", Body: []byte(`{}`)})
			require.NoError(t, err)

			_, err = b.Bulk(ctx, "hashes", []Document{
				{ID: "6B", Body: []byte(`{}`)},
				{ID: "5A", Rev: "9-stale", Body: []byte(`{}`)},
			}, BulkOptions{AllOrNothing: true})
			assert.Equal(t, KindConflict, Classify(err))
			_, err = b.Get(ctx, "hashes", "6B")
			assert.Equal(t, KindNotFound, Classify(err), "all-or-nothing must not write")

			res, err := b.Bulk(ctx, "hashes", []Document{
				{ID: "6B", Body: []byte(`{}`)},
				{ID: "5A", Rev: "9-stale", Body: []byte(`{}`)},
			}, BulkOptions{})
			require.NoError(t, err)
			require.Len(t, res, 2)
			assert.NoError(t, res[0].Err)
			assert.Equal(t, KindConflict, Classify(res[1].Err))

			res, err = b.Bulk(ctx, "hashes", []Document{{ID: "5A", Rev: d.Rev, Deleted: true}}, BulkOptions{})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.NoError(t, res[0].Err)
		})
	}
}

func TestFileBackendReplaysJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	b, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	d, err := b.Put(ctx, "hashes", Document{ID: "5A", Body: []byte(`{"hash":"H0"}`)})
	require.NoError(t, err)
	_, err = b.Put(ctx, "hashes", Document{ID: "6B", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "hashes", "6B", mustRev(t, b, "6B")))
	require.NoError(t, b.Close())

	b, err = openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(ctx, "hashes", "5A")
	require.NoError(t, err)
	assert.Equal(t, d.Rev, got.Rev)
	_, err = b.Get(ctx, "hashes", "6B")
	assert.Equal(t, KindNotFound, Classify(err))
}

func mustRev(t *testing.T, b Backend, id string) string {
	t.Helper()
	d, err := b.Get(context.Background(), "hashes", id)
	require.NoError(t, err)
	return d.Rev
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "all", Selector(nil).String())
	assert.Equal(t, "a=1,b=x", Selector{"b": "x", "a": 1}.String())
	assert.Error(t, Selector{"a.b": 1}.validate())
}

func TestClassifyRedis(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tx aborted", redis.TxFailedErr, KindConflict},
		{"nil reply", redis.Nil, KindNotFound},
		{"busy script", errors.New("BUSY Redis is busy running a script"), KindRateLimited},
		{"loading", errors.New("LOADING Redis is loading the dataset in memory"), KindRateLimited},
		{"cluster retry", errors.New("TRYAGAIN Multiple keys request during rehashing of slot"), KindRateLimited},
		{"pool timeout", errors.New("redis: connection pool timeout"), KindRateLimited},
		{"wrapped busy", fmt.Errorf("hset: %w", errors.New("BUSY")), KindRateLimited},
		{"already classified", conflict("5A"), KindConflict},
		{"dial", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(classifyRedis(tt.err)))
		})
	}
	assert.NoError(t, classifyRedis(nil))
}

func TestRedisBackendReportsUnavailableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := openRedis(Config{Redis: RedisConfig{Addr: mr.Addr(), Prefix: "t:"}}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err = b.Get(context.Background(), "hashes", "5A")
	assert.Equal(t, KindRateLimited, Classify(err))

	mr.SetError("")
	_, err = b.Get(context.Background(), "hashes", "5A")
	assert.Equal(t, KindNotFound, Classify(err))
}
