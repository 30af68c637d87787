package diff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/schedule"
	logx "subwatch/pkg/logx"
)

type day struct {
	title string
	items []schedule.LineItem
}

func sched(subject string, days ...day) schedule.Schedule {
	var s schedule.Schedule
	for _, d := range days {
		de := schedule.DateEntry{Title: d.title}
		if len(d.items) > 0 {
			de.Subjects = []schedule.SubjectEntry{{Subject: subject, Items: d.items}}
		}
		s.Dates = append(s.Dates, de)
	}
	return s
}

func li(f ...string) schedule.LineItem { return schedule.LineItem(f) }

func kinds(d []schedule.DeltaItem) []schedule.Kind {
	out := make([]schedule.Kind, len(d))
	for i := range d {
		out[i] = d[i].Kind
	}
	return out
}

func newEngine() *Engine { return New(DefaultConfig(), logx.Nop()) }

const (
	mon = "Montag, 20.10.2026"
	tue = "Dienstag, 21.10.2026"
	wed = "Mittwoch, 22.10.2026"
)

func TestEmptyOldSideYieldsOnlyAdded(t *testing.T) {
	t.Parallel()
	items := []schedule.LineItem{
		li("1", "Vertretung", "M", "", "101", "Mü"),
		li("2", "Entfall", "D", "", "", ""),
		li("5", "Raumänderung", "E", "", "204", "Sch"),
	}
	newS := sched("5A", day{mon, items})
	oldS := sched("5A", day{mon, nil})

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, schedule.Added, d.Kind)
		assert.Equal(t, mon, d.Date)
		assert.Equal(t, items[i], d.New)
		assert.Nil(t, d.Old)
	}
}

func TestEmptyNewSideYieldsOnlyDeleted(t *testing.T) {
	t.Parallel()
	oldS := sched("5A", day{mon, []schedule.LineItem{li("1", "Vertretung", "M")}})
	newS := sched("5A", day{mon, nil})

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schedule.Deleted, got[0].Kind)
	assert.Nil(t, got[0].New)
}

func TestIdentityWideningForSpecialCategory(t *testing.T) {
	t.Parallel()
	oldS := sched("5A", day{mon, []schedule.LineItem{li("3", "Sondereinsatz", "M", "", "101", "Mü")}})
	newS := sched("5A", day{mon, []schedule.LineItem{li("3", "Sondereinsatz", "M", "", "102", "Mü")}})

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []schedule.Kind{schedule.Added, schedule.Deleted}, kinds(got))
}

func TestDefaultCategoryRoomChangeIsChanged(t *testing.T) {
	t.Parallel()
	oldS := sched("5A", day{mon, []schedule.LineItem{li("3", "Vertretung", "M", "", "101", "Mü")}})
	newS := sched("5A", day{mon, []schedule.LineItem{li("3", "Vertretung", "M", "", "102", "Mü")}})

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schedule.Changed, got[0].Kind)
	assert.Equal(t, "102", got[0].New[4])
	assert.Equal(t, "101", got[0].Old[4])
}

func TestExamIdentityIncludesCategory(t *testing.T) {
	t.Parallel()
	oldS := sched("Q1", day{mon, []schedule.LineItem{li("3", "Klausur", "D LK", "", "A1")}})
	newS := sched("Q1", day{mon, []schedule.LineItem{li("3", "Vertretung", "D LK", "", "A1")}})

	got, err := newEngine().Delta("Q1", newS, oldS, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []schedule.Kind{schedule.Added, schedule.Deleted}, kinds(got))
}

func TestUnchangedDateProducesNothing(t *testing.T) {
	t.Parallel()
	items := []schedule.LineItem{li("1", "Vertretung", "M", "", "101")}
	got, err := newEngine().Delta("5A", sched("5A", day{mon, items}), sched("5A", day{mon, items}), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRelevanceFilterExcludesOtherCourses(t *testing.T) {
	t.Parallel()
	oldS := sched("Q1", day{mon, []schedule.LineItem{
		li("1", "Vertretung", "M GK1", "", "101"),
	}})
	newS := sched("Q1", day{mon, []schedule.LineItem{
		li("1", "Vertretung", "M GK1", "", "102"),
		li("2", "Entfall", "D  LK", "", ""),
		li("4", "Vertretung", "E GK2", "", "201"),
	}})

	got, err := newEngine().Delta("Q1", newS, oldS, []string{"d lk", "Ph GK1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schedule.Added, got[0].Kind)
	assert.Equal(t, "D  LK", got[0].New[2])

	got, err = newEngine().Delta("Q1", newS, oldS, []string{"M GK1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schedule.Changed, got[0].Kind)
}

func TestRelevanceRules(t *testing.T) {
	t.Parallel()
	r := newRelevance(DefaultConfig().normalized().Relevance, []string{"E GK2", "D LK"})
	tests := []struct {
		name string
		line schedule.LineItem
		want bool
	}{
		{"empty primary", li("1", "Aufsicht", "", ""), true},
		{"assembly without secondary", li("1", "Entfall", "Gottesdienst", ""), true},
		{"assembly with unrecognized secondary", li("1", "Entfall", "Messe", "---"), true},
		{"assembly with filtered secondary", li("1", "Entfall", "Messe", "E GK2"), true},
		{"assembly with other secondary", li("1", "Entfall", "Vollversammlung", "M GK1"), false},
		{"lowercase primary", li("1", "Entfall", "alle", ""), true},
		{"course in filter", li("1", "Entfall", "D LK", ""), true},
		{"course whitespace collapsed", li("1", "Entfall", "D   LK", ""), true},
		{"course not in filter", li("1", "Entfall", "M GK1", ""), false},
		{"short line", li("1", "Entfall"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.relevant(tt.line), tt.name)
	}
	assert.Equal(t, "MG1", r.normalize(" m   gk1 "))
}

func TestDeltaOrdering(t *testing.T) {
	t.Parallel()
	newS := sched("5A",
		day{mon, []schedule.LineItem{li("6", "Entfall", "M"), li("2", "Entfall", "D")}},
		day{tue, []schedule.LineItem{li("1", "Entfall", "E"), li("3", "Entfall", "Ku")}},
	)
	oldS := sched("5A", day{mon, []schedule.LineItem{li("4", "Entfall", "Sp")}}, day{tue, nil})

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 5)

	var lessons []string
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Ord, got[i].Ord)
	}
	for _, d := range got {
		f := d.New
		if f == nil {
			f = d.Old
		}
		lessons = append(lessons, d.Date[:2]+"/"+f[0])
	}
	assert.Equal(t, []string{"Mo/2", "Mo/4", "Mo/6", "Di/1", "Di/3"}, lessons)
}

func TestSyncPointDropsStaleOldDates(t *testing.T) {
	t.Parallel()
	oldS := sched("5A",
		day{mon, []schedule.LineItem{li("1", "Entfall", "M")}},
		day{tue, []schedule.LineItem{li("2", "Entfall", "D")}},
	)
	newS := sched("5A",
		day{tue, []schedule.LineItem{li("2", "Entfall", "D")}},
		day{wed, []schedule.LineItem{li("3", "Entfall", "E")}},
	)

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schedule.Added, got[0].Kind)
	assert.Equal(t, wed, got[0].Date)
}

func TestSyncPointFallsBackToDateOrder(t *testing.T) {
	t.Parallel()
	oldS := sched("5A", day{"Di 21.10.2026", []schedule.LineItem{li("2", "Entfall", "D")}})
	newS := sched("5A",
		day{mon, []schedule.LineItem{li("1", "Entfall", "M")}},
		day{"Di 21.10.2026", []schedule.LineItem{li("2", "Entfall", "D")}},
	)

	got, err := newEngine().Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mon, got[0].Date)
	assert.Equal(t, schedule.Added, got[0].Kind)
}

func TestCountMismatchIsLoggedAndReported(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(DefaultConfig(), logx.NewJSON(&buf, "debug"))
	oldS := sched("5A", day{mon, []schedule.LineItem{li("1", "Vertretung", "M", "", "101")}})
	newS := sched("5A", day{mon, []schedule.LineItem{
		li("1", "Vertretung", "M", "", "101"),
		li("1", "Vertretung", "M", "", "102"),
	}})

	got, err := e.Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schedule.Changed, got[0].Kind)
	assert.Equal(t, "102", got[0].New[4])
	assert.Nil(t, got[0].Old)
	assert.Contains(t, buf.String(), "identity rules under-matched")
}

func TestMalformedInputIsValidationError(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(DefaultConfig(), logx.NewJSON(&buf, "debug"))
	newS := sched("5A", day{mon, []schedule.LineItem{li("1")}})

	got, err := e.Delta("5A", newS, schedule.Schedule{}, nil)
	require.Error(t, err)
	assert.Nil(t, got)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "5A", ve.Subject)
	assert.Contains(t, ve.Input, `"subject":"5A"`)
	assert.Contains(t, buf.String(), "delta computation failed")
}

func TestApplyReplacesIdentityRules(t *testing.T) {
	t.Parallel()
	e := newEngine()
	cfg := DefaultConfig()
	cfg.Identity = map[string][]int{"vertretung": {0, 2, 4}}
	e.Apply(cfg)

	oldS := sched("5A", day{mon, []schedule.LineItem{li("3", "Vertretung", "M", "", "101")}})
	newS := sched("5A", day{mon, []schedule.LineItem{li("3", "Vertretung", "M", "", "102")}})
	got, err := e.Delta("5A", newS, oldS, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []schedule.Kind{schedule.Added, schedule.Deleted}, kinds(got))
}
