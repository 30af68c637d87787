package recipients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/storage"
	logx "subwatch/pkg/logx"
)

func newRegistry() *Registry {
	return New(storage.New(storage.NewMemory(), "recipients", storage.DefaultRetryPolicy(), logx.Nop()), logx.Nop())
}

func TestUpsertAndFindBySubject(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	ctx := context.Background()

	_, err := r.Upsert(ctx, Recipient{Token: "100", Subject: "5A"})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, Recipient{Token: "200", Subject: "Q1", Courses: []string{"D LK"}})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, Recipient{Token: "300", Subject: "5A"})
	require.NoError(t, err)

	got, err := r.FindBySubject(ctx, "5A")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "100", got[0].Token)
	assert.NotEmpty(t, got[0].Rev)

	// Re-registering moves the recipient without a caller-supplied revision.
	moved, err := r.Upsert(ctx, Recipient{Token: "100", Subject: "Q1"})
	require.NoError(t, err)
	assert.NotEqual(t, got[0].Rev, moved.Rev)

	got, err = r.FindBySubject(ctx, "Q1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := r.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDestroy(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	ctx := context.Background()

	rec, err := r.Upsert(ctx, Recipient{Token: "100", Subject: "5A"})
	require.NoError(t, err)
	require.NoError(t, r.Destroy(ctx, rec))

	_, ok, err := r.Get(ctx, "100")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, r.Destroy(ctx, rec), storage.ErrNotFound)
}

func TestUpsertRejectsIncomplete(t *testing.T) {
	t.Parallel()
	_, err := newRegistry().Upsert(context.Background(), Recipient{Token: "1"})
	assert.ErrorIs(t, err, ErrInvalid)
}
