package registration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/recipients"
	"subwatch/internal/storage"
	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

type replies struct {
	mu   sync.Mutex
	sent []string
}

func (r *replies) Reply(_ context.Context, _ int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1]
}

func newBot(t *testing.T) (*Bot, *recipients.Registry, *replies) {
	t.Helper()
	st := storage.New(storage.NewMemory(), "recipients", storage.DefaultRetryPolicy(), logx.Nop())
	reg := recipients.New(st, logx.Nop())
	out := &replies{}
	return New(Config{}, reg, out, logx.Nop()), reg, out
}

func msg(text string) transport.Message {
	return transport.Message{ID: 1, ChatID: 42, FromID: 7, Text: text}
}

func TestSubscribeAndStatus(t *testing.T) {
	ctx := context.Background()
	b, reg, out := newBot(t)

	require.NoError(t, b.Handle(ctx, msg("/subscribe q1 M GK1, D   LK")))
	rec, ok, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Q1", rec.Subject)
	assert.Equal(t, []string{"M GK1", "D LK"}, rec.Courses)
	assert.Contains(t, out.last(), "Q1")

	require.NoError(t, b.Handle(ctx, msg("/status@subwatch_bot")))
	assert.Contains(t, out.last(), "M GK1, D LK")
}

func TestCoursesRequiresSubscription(t *testing.T) {
	ctx := context.Background()
	b, reg, out := newBot(t)

	require.NoError(t, b.Handle(ctx, msg("/courses M")))
	assert.Contains(t, out.last(), "Noch kein Abo")

	require.NoError(t, b.Handle(ctx, msg("/subscribe 5A")))
	require.NoError(t, b.Handle(ctx, msg("/courses M E")))
	rec, _, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"M", "E"}, rec.Courses)

	require.NoError(t, b.Handle(ctx, msg("/courses")))
	rec, _, err = reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.False(t, rec.Filtered())
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b, reg, out := newBot(t)

	require.NoError(t, b.Handle(ctx, msg("/subscribe 5A")))
	require.NoError(t, b.Handle(ctx, msg("/unsubscribe")))
	assert.Equal(t, "Abo beendet.", out.last())

	_, ok, err := reg.Get(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Handle(ctx, msg("/unsubscribe")))
	assert.Equal(t, "Kein Abo vorhanden.", out.last())
}

func TestIgnoresPlainTextAndUnknownCommands(t *testing.T) {
	ctx := context.Background()
	b, _, out := newBot(t)

	require.NoError(t, b.Handle(ctx, msg("hallo")))
	assert.Empty(t, out.sent)

	require.NoError(t, b.Handle(ctx, msg("/nope")))
	assert.Contains(t, out.last(), "Unbekannter Befehl")
}

func TestSubscribeWithoutSubject(t *testing.T) {
	b, _, out := newBot(t)
	require.NoError(t, b.Handle(context.Background(), msg("/subscribe")))
	assert.Contains(t, out.last(), "/subscribe 5A")
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (recipients.Recipient, bool, error) {
	return recipients.Recipient{}, false, errors.New("store down")
}

func (failingStore) Upsert(context.Context, recipients.Recipient) (recipients.Recipient, error) {
	return recipients.Recipient{}, errors.New("store down")
}

func (failingStore) Destroy(context.Context, recipients.Recipient) error { return nil }

func TestStoreErrorRepliesAndReturns(t *testing.T) {
	out := &replies{}
	b := New(Config{}, failingStore{}, out, logx.Nop())
	err := b.Handle(context.Background(), msg("/status"))
	assert.Error(t, err)
	assert.Contains(t, out.last(), "nicht geklappt")
}

func TestPanicInHandlerIsRecovered(t *testing.T) {
	b, _, out := newBot(t)
	b.register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }})
	err := b.Handle(context.Background(), msg("/boom"))
	assert.ErrorContains(t, err, "panic")
	assert.NotEmpty(t, out.last())
}

func TestParseCourses(t *testing.T) {
	assert.Nil(t, parseCourses(nil))
	assert.Equal(t, []string{"M", "E"}, parseCourses([]string{"M", "E"}))
	assert.Equal(t, []string{"M GK1", "D LK"}, parseCourses([]string{"M", "GK1,", "D", "LK"}))
}

func TestCommandsMenu(t *testing.T) {
	b, _, _ := newBot(t)
	names := []string{}
	for _, c := range b.Commands() {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"help", "subscribe", "courses", "unsubscribe", "status"}, names)
	assert.NoError(t, b.Validate())
}
