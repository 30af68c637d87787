package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/hashcache"
	"subwatch/internal/schedule"
)

func TestSplitCourses(t *testing.T) {
	assert.Equal(t, []string{"M GK1", "D LK"}, splitCourses(" M GK1, ,D LK "))
	assert.Nil(t, splitCourses(""))
}

func TestReadSchedule(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"dates":[{"title":"20.10.2026","subjects":[]}]}`), 0o600))
	s, err := readSchedule(good)
	require.NoError(t, err)
	assert.Len(t, s.Dates, 1)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"pages":[]}`), 0o600))
	_, err = readSchedule(bad)
	assert.ErrorContains(t, err, "bad.json")
}

func TestRenderDeltas(t *testing.T) {
	var buf bytes.Buffer
	renderDeltas(&buf, []schedule.DeltaItem{
		schedule.NewDelta("20.10.2026", schedule.Added, schedule.LineItem{"1", "Vertretung", "M"}, nil),
	})
	out := buf.String()
	assert.Contains(t, out, "ADDED")
	assert.Contains(t, out, "1 | Vertretung | M")
	assert.Contains(t, out, "-")
}

func TestRenderChangedShortensHash(t *testing.T) {
	var buf bytes.Buffer
	renderChanged(&buf, []hashcache.ChangedSubject{{Subject: "5A", Hash: "0123456789abcdef"}})
	out := buf.String()
	assert.Contains(t, out, "5A")
	assert.Contains(t, out, "0123456789ab")
	assert.NotContains(t, out, "0123456789abcdef")
}
