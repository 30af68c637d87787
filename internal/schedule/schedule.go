// Package schedule holds the substitution schedule model shared by the checker,
// the hash cache, the diff engine and the notifier.
//
// Values are treated as immutable: helpers that narrow or filter a schedule
// return a new value and never modify the receiver's slices.
package schedule

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Default field positions inside a LineItem.
const (
	FieldLesson     = 0
	FieldCategory   = 1
	FieldCourse     = 2
	FieldSubstitute = 3
	FieldRoom       = 4
	FieldTeacher    = 5
	FieldNote       = 6
)

// LineItem is one schedule row; the meaning of each slot is positional.
type LineItem []string

// Field returns the value at i, or "" when the row is shorter.
func (l LineItem) Field(i int) string {
	if i < 0 || i >= len(l) {
		return ""
	}
	return l[i]
}

// Category returns the category slot used to select identity rules.
func (l LineItem) Category() string { return strings.TrimSpace(l.Field(FieldCategory)) }

func (l LineItem) Equal(o LineItem) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}
	return true
}

type SubjectEntry struct {
	Subject string     `json:"subject"`
	Items   []LineItem `json:"items"`
}

type DateEntry struct {
	Title    string         `json:"title"`
	Subjects []SubjectEntry `json:"subjects"`
}

// Items returns the rows for subject on this date (nil when absent).
func (d DateEntry) Items(subject string) []LineItem {
	for _, s := range d.Subjects {
		if s.Subject == subject {
			return s.Items
		}
	}
	return nil
}

// Schedule is one observation of the whole page. Dates are ordered closest first.
type Schedule struct {
	Dates []DateEntry `json:"dates"`
}

func (s Schedule) IsZero() bool { return len(s.Dates) == 0 }

// HasItems reports whether any date carries at least one row.
func (s Schedule) HasItems() bool {
	for _, d := range s.Dates {
		for _, e := range d.Subjects {
			if len(e.Items) > 0 {
				return true
			}
		}
	}
	return false
}

// NormalizeSubject is the canonical spelling of a subject name: trimmed and
// upper case. Pages, subscriptions and configured subjects all go through it.
func NormalizeSubject(subject string) string {
	return strings.ToUpper(strings.TrimSpace(subject))
}

// Normalized returns a copy with every subject name normalized. Entries of one
// date that collapse onto the same name are merged in page order.
func (s Schedule) Normalized() Schedule {
	out := Schedule{Dates: make([]DateEntry, 0, len(s.Dates))}
	for _, d := range s.Dates {
		nd := DateEntry{Title: d.Title}
		at := map[string]int{}
		for _, e := range d.Subjects {
			name := NormalizeSubject(e.Subject)
			if i, ok := at[name]; ok {
				nd.Subjects[i].Items = append(nd.Subjects[i].Items, cloneItems(e.Items)...)
				continue
			}
			at[name] = len(nd.Subjects)
			nd.Subjects = append(nd.Subjects, SubjectEntry{Subject: name, Items: cloneItems(e.Items)})
		}
		out.Dates = append(out.Dates, nd)
	}
	return out
}

// Subjects lists every subject that appears on any date, in first-seen order.
func (s Schedule) Subjects() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range s.Dates {
		for _, e := range d.Subjects {
			if e.Subject == "" || seen[e.Subject] {
				continue
			}
			seen[e.Subject] = true
			out = append(out, e.Subject)
		}
	}
	return out
}

// ForSubject narrows the schedule to one subject. Every date title is kept so
// both sides of a later diff can be aligned on the same sync point.
func (s Schedule) ForSubject(subject string) Schedule {
	out := Schedule{Dates: make([]DateEntry, 0, len(s.Dates))}
	for _, d := range s.Dates {
		nd := DateEntry{Title: d.Title}
		if items := d.Items(subject); len(items) > 0 {
			nd.Subjects = []SubjectEntry{{Subject: subject, Items: cloneItems(items)}}
		}
		out.Dates = append(out.Dates, nd)
	}
	return out
}

// From returns the schedule starting at the date titled title.
// ok is false when no date carries that title.
func (s Schedule) From(title string) (Schedule, bool) {
	for i, d := range s.Dates {
		if d.Title == title {
			return Schedule{Dates: append([]DateEntry(nil), s.Dates[i:]...)}, true
		}
	}
	return Schedule{}, false
}

func cloneItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	for i, it := range items {
		out[i] = append(LineItem(nil), it...)
	}
	return out
}

// Digest returns the hex blake3-256 of the canonical JSON encoding of s.
func Digest(s Schedule) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

var (
	reDate   = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{2,4})?`)
	reLesson = regexp.MustCompile(`\d+`)
)

// DateKey parses "dd.mm.yyyy" (anywhere in title) into yyyymmdd. Two-digit years
// are taken as 20yy; a missing year yields 0 for that part. Unparseable titles return 0.
func DateKey(title string) int64 {
	m := reDate.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year := 0
	if m[3] != "" {
		year, _ = strconv.Atoi(m[3])
		if year < 100 {
			year += 2000
		}
	}
	return int64(year)*10000 + int64(month)*100 + int64(day)
}

// LessonNumber returns the first number in the lesson slot ("3 - 4" -> 3), 0 if none.
func LessonNumber(l LineItem) int {
	m := reLesson.FindString(l.Field(FieldLesson))
	if m == "" {
		return 0
	}
	n, _ := strconv.Atoi(m)
	if n > 99 {
		n = 99
	}
	return n
}
