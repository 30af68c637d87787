// Package diff computes the change list between two observations of one
// subject's schedule.
package diff

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"subwatch/internal/schedule"
	logx "subwatch/pkg/logx"
)

// ValidationError reports malformed input. Input is the JSON of the call
// arguments so the failure can be replayed offline.
type ValidationError struct {
	Subject string
	Input   string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("diff %s: %v", e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Engine is safe for concurrent use; Apply swaps the rules atomically.
type Engine struct {
	cfg atomic.Pointer[Config]
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{log: log}
	e.Apply(cfg)
	return e
}

func (e *Engine) Apply(cfg Config) {
	n := cfg.normalized()
	e.cfg.Store(&n)
}

// Delta returns the changes of subject from oldS to newS ordered by Ord.
// A non-empty filter restricts both sides to the lines relevant for those courses.
// On error no partial result is returned.
func (e *Engine) Delta(subject string, newS, oldS schedule.Schedule, filter []string) (out []schedule.DeltaItem, err error) {
	cfg := *e.cfg.Load()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			ve := &ValidationError{Subject: subject, Input: dumpInput(subject, newS, oldS, filter), Err: err}
			e.log.Error("delta computation failed",
				logx.String("subject", subject),
				logx.String("input", ve.Input),
				logx.Err(err),
			)
			out, err = nil, ve
		}
	}()

	if err := validate(subject, newS); err != nil {
		return nil, err
	}
	if err := validate(subject, oldS); err != nil {
		return nil, err
	}

	var rel *relevance
	if len(filter) > 0 {
		rel = newRelevance(cfg.Relevance, filter)
	}

	oldS = syncPoint(newS, oldS)
	n := max(len(newS.Dates), len(oldS.Dates))
	for i := 0; i < n; i++ {
		var (
			title    string
			newItems []schedule.LineItem
			oldItems []schedule.LineItem
		)
		if i < len(oldS.Dates) {
			title = oldS.Dates[i].Title
			oldItems = oldS.Dates[i].Items(subject)
		}
		if i < len(newS.Dates) {
			title = newS.Dates[i].Title
			newItems = newS.Dates[i].Items(subject)
		}
		if rel != nil {
			newItems = rel.filter(newItems)
			oldItems = rel.filter(oldItems)
		}
		if len(newItems) == 0 && len(oldItems) == 0 {
			continue
		}
		out = append(out, e.dateDelta(cfg, subject, title, newItems, oldItems)...)
	}

	schedule.SortDeltas(out)
	return out, nil
}

func (e *Engine) dateDelta(cfg Config, subject, title string, newItems, oldItems []schedule.LineItem) []schedule.DeltaItem {
	var out []schedule.DeltaItem
	if len(oldItems) == 0 {
		for _, it := range newItems {
			out = append(out, schedule.NewDelta(title, schedule.Added, it, nil))
		}
		return out
	}
	if len(newItems) == 0 {
		for _, it := range oldItems {
			out = append(out, schedule.NewDelta(title, schedule.Deleted, nil, it))
		}
		return out
	}

	newKeys := make(map[string]bool, len(newItems))
	for _, it := range newItems {
		newKeys[identity(cfg, it)] = true
	}
	oldKeys := make(map[string]bool, len(oldItems))
	for _, it := range oldItems {
		oldKeys[identity(cfg, it)] = true
	}

	var newRest, oldRest []schedule.LineItem
	for _, it := range newItems {
		if oldKeys[identity(cfg, it)] {
			newRest = append(newRest, it)
			continue
		}
		out = append(out, schedule.NewDelta(title, schedule.Added, it, nil))
	}
	for _, it := range oldItems {
		if newKeys[identity(cfg, it)] {
			oldRest = append(oldRest, it)
			continue
		}
		out = append(out, schedule.NewDelta(title, schedule.Deleted, nil, it))
	}

	if len(newRest) != len(oldRest) {
		e.log.Warn("identity rules under-matched",
			logx.String("subject", subject),
			logx.String("date", title),
			logx.Int("new", len(newRest)),
			logx.Int("old", len(oldRest)),
		)
	}
	for j := 0; j < max(len(newRest), len(oldRest)); j++ {
		var nf, of schedule.LineItem
		if j < len(newRest) {
			nf = newRest[j]
		}
		if j < len(oldRest) {
			of = oldRest[j]
		}
		if nf != nil && of != nil && nf.Equal(of) {
			continue
		}
		out = append(out, schedule.NewDelta(title, schedule.Changed, nf, of))
	}
	return out
}

// identity renders the lesson identity of a line. Lines under different rules
// never share a key.
func identity(cfg Config, it schedule.LineItem) string {
	fields, ok := cfg.Identity[strings.ToLower(it.Category())]
	if !ok {
		fields = cfg.DefaultKey
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strconv.Itoa(f))
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(it.Field(f)))
		b.WriteByte(0x1f)
	}
	return b.String()
}

// syncPoint drops the dates of oldS that lie before the first date of newS.
// Without an exact title match the first old date not earlier than newS's
// first date is used. An empty newS yields an empty old side.
func syncPoint(newS, oldS schedule.Schedule) schedule.Schedule {
	if len(newS.Dates) == 0 {
		return schedule.Schedule{}
	}
	first := newS.Dates[0].Title
	if s, ok := oldS.From(first); ok {
		return s
	}
	want := schedule.DateKey(first)
	if want == 0 {
		return schedule.Schedule{}
	}
	for i, d := range oldS.Dates {
		k := schedule.DateKey(d.Title)
		if k < want {
			continue
		}
		out := schedule.Schedule{Dates: append([]schedule.DateEntry(nil), oldS.Dates[i:]...)}
		if k > want {
			// The old side never saw newS's first date; keep positions aligned.
			out.Dates = append([]schedule.DateEntry{{Title: first}}, out.Dates...)
		}
		return out
	}
	return schedule.Schedule{}
}

func validate(subject string, s schedule.Schedule) error {
	seen := map[string]bool{}
	for _, d := range s.Dates {
		if seen[d.Title] {
			return fmt.Errorf("duplicate date title %q", d.Title)
		}
		seen[d.Title] = true
		for i, it := range d.Items(subject) {
			if len(it) < 2 {
				return fmt.Errorf("date %q line %d: want at least 2 fields, got %d", d.Title, i, len(it))
			}
		}
	}
	return nil
}

func dumpInput(subject string, newS, oldS schedule.Schedule, filter []string) string {
	b, err := json.Marshal(struct {
		Subject string            `json:"subject"`
		New     schedule.Schedule `json:"new"`
		Old     schedule.Schedule `json:"old"`
		Filter  []string          `json:"filter,omitempty"`
	}{subject, newS, oldS, filter})
	if err != nil {
		return fmt.Sprintf("unencodable input: %v", err)
	}
	return string(b)
}
