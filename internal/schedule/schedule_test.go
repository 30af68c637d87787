package schedule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Schedule {
	return Schedule{Dates: []DateEntry{
		{Title: "Montag, 20.10.2026", Subjects: []SubjectEntry{
			{Subject: "5A", Items: []LineItem{{"1", "Vertretung", "M", "", "101", "Mü"}}},
			{Subject: "Q1", Items: []LineItem{{"3 - 4", "Entfall", "D LK", "", "", ""}}},
		}},
		{Title: "Dienstag, 21.10.2026"},
	}}
}

func TestForSubjectKeepsTitlesAndCopies(t *testing.T) {
	s := sample()
	got := s.ForSubject("5A")

	require.Len(t, got.Dates, 2)
	assert.Equal(t, "Dienstag, 21.10.2026", got.Dates[1].Title)
	assert.Len(t, got.Dates[0].Items("5A"), 1)
	assert.Nil(t, got.Dates[0].Items("Q1"))

	got.Dates[0].Subjects[0].Items[0][2] = "X"
	assert.Equal(t, "M", s.Dates[0].Subjects[0].Items[0][2], "source must not be mutated")
}

func TestSubjectsFirstSeenOrder(t *testing.T) {
	assert.Equal(t, []string{"5A", "Q1"}, sample().Subjects())
}

func TestFrom(t *testing.T) {
	s := sample()
	got, ok := s.From("Dienstag, 21.10.2026")
	require.True(t, ok)
	assert.Len(t, got.Dates, 1)

	_, ok = s.From("nope")
	assert.False(t, ok)
}

func TestDigestStable(t *testing.T) {
	a, err := Digest(sample().ForSubject("5A"))
	require.NoError(t, err)
	b, err := Digest(sample().ForSubject("5A"))
	require.NoError(t, err)
	c, err := Digest(sample().ForSubject("Q1"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDateKeyAndLesson(t *testing.T) {
	tests := []struct {
		title string
		want  int64
	}{
		{"Montag, 20.10.2026", 20261020},
		{"1.9.26 (B-Woche)", 20260901},
		{"20.10.", 1020},
		{"heute", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DateKey(tt.title), tt.title)
	}
	assert.Equal(t, 3, LessonNumber(LineItem{"3 - 4"}))
	assert.Equal(t, 0, LessonNumber(LineItem{}))
}

func TestSortDeltasByOrd(t *testing.T) {
	d := []DeltaItem{
		NewDelta("21.10.2026", Added, LineItem{"1", "Vertretung", "M"}, nil),
		NewDelta("20.10.2026", Deleted, nil, LineItem{"5", "Entfall", "D"}),
		NewDelta("20.10.2026", Changed, LineItem{"2", "Vertretung", "E"}, LineItem{"2", "Vertretung", "E", "x"}),
	}
	SortDeltas(d)
	assert.Equal(t, []int64{2026102002, 2026102005, 2026102101}, []int64{d[0].Ord, d[1].Ord, d[2].Ord})
}

func TestDeltaJSONKeepsMissingSideAsNull(t *testing.T) {
	b, err := json.Marshal(NewDelta("Montag, 20.10.2026", Added, LineItem{"1", "Entfall", "M"}, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"Montag, 20.10.2026","kind":"ADDED","new":["1","Entfall","M"],"old":null,"ord":2026102001}`, string(b))
}

func TestNormalizedMergesSpellings(t *testing.T) {
	s := Schedule{Dates: []DateEntry{{Title: "Montag, 20.10.2026", Subjects: []SubjectEntry{
		{Subject: "5a", Items: []LineItem{{"1"}}},
		{Subject: "5A ", Items: []LineItem{{"2"}}},
	}}}}
	n := s.Normalized()
	require.Len(t, n.Dates[0].Subjects, 1)
	assert.Equal(t, "5A", n.Dates[0].Subjects[0].Subject)
	assert.Len(t, n.Dates[0].Items("5A"), 2)
	assert.Equal(t, "5a", s.Dates[0].Subjects[0].Subject, "receiver is not modified")
}
