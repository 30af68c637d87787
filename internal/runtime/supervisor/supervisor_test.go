package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("boom") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails: boom")
}

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("panics", func(context.Context) { panic("oops") })
	err := s.Wait(waitCtx(t))
	assert.ErrorContains(t, err, "panic in panics: oops")
}

func TestCanceledIsClean(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Equal(t, int64(0), s.Counters().Active)
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	assert.ErrorContains(t, err, "flaky: not yet")
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(2), s.Counters().Restarts["flaky"])
	assert.Equal(t, []string{"flaky"}, s.Counters().RestartedNames())
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart0("panicky", func(context.Context) {
		runs.Add(1)
		panic("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	err := s.Wait(waitCtx(t))
	assert.ErrorContains(t, err, "panic: always")
	assert.Equal(t, int32(3), runs.Load())
}
