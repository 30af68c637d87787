package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))

	log.Warn("store failed", Int("attempts", 3), Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "store failed", rec["message"])
	assert.Equal(t, "test", rec["comp"])
	assert.Equal(t, float64(3), rec["attempts"])
	assert.Equal(t, "boom", rec["err"])
}

func TestListAndTimeFields(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC)
	NewJSON(&buf, "debug").Debug("subjects left the page", Strings("subjects", []string{"5A", "6B"}), Time("started", at))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, []any{"5A", "6B"}, rec["subjects"])
	assert.Equal(t, "2026-10-20T07:30:00.000Z", rec["started"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestFormatOpsLine(t *testing.T) {
	line := []byte(`{"level":"error","message":"send failed","subject":"5A","time":"x"}`)
	got := formatOpsLine(line)
	assert.True(t, strings.HasPrefix(got, "[ERROR] send failed"))
	assert.Contains(t, got, "- subject=5A")
	assert.NotContains(t, got, "time=")
}
