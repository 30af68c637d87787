package diff

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"subwatch/internal/schedule"
)

// relevance decides whether a line concerns one of a recipient's courses.
type relevance struct {
	cfg     RelevanceConfig
	abbrevs []string // longest first
	courses map[string]bool
}

func newRelevance(cfg RelevanceConfig, filter []string) *relevance {
	r := &relevance{cfg: cfg, courses: map[string]bool{}}
	for k := range cfg.Abbreviations {
		r.abbrevs = append(r.abbrevs, k)
	}
	sort.Slice(r.abbrevs, func(i, j int) bool {
		if len(r.abbrevs[i]) != len(r.abbrevs[j]) {
			return len(r.abbrevs[i]) > len(r.abbrevs[j])
		}
		return r.abbrevs[i] < r.abbrevs[j]
	})
	for _, c := range filter {
		if n := r.normalize(c); n != "" {
			r.courses[n] = true
		}
	}
	return r
}

// normalize collapses whitespace and folds course-type abbreviations:
// "M  GK1" -> "MG1", "d lk" -> "DL".
func (r *relevance) normalize(course string) string {
	var b strings.Builder
	for _, tok := range strings.Fields(strings.ToUpper(course)) {
		for _, a := range r.abbrevs {
			if strings.HasPrefix(tok, strings.ToUpper(a)) {
				tok = r.cfg.Abbreviations[a] + tok[len(a):]
				break
			}
		}
		b.WriteString(tok)
	}
	return strings.ToUpper(b.String())
}

func (r *relevance) relevant(line schedule.LineItem) bool {
	primary := strings.TrimSpace(line.Field(r.cfg.PrimaryField))
	if primary == "" {
		return true
	}
	for _, m := range r.cfg.AssemblyMarkers {
		if m == "" || !strings.HasPrefix(primary, m) {
			continue
		}
		secondary := strings.TrimSpace(line.Field(r.cfg.SecondaryField))
		if startsUpper(secondary) {
			return r.courses[r.normalize(secondary)]
		}
		return true
	}
	if !startsUpper(primary) {
		return true
	}
	return r.courses[r.normalize(primary)]
}

func (r *relevance) filter(items []schedule.LineItem) []schedule.LineItem {
	out := make([]schedule.LineItem, 0, len(items))
	for _, it := range items {
		if r.relevant(it) {
			out = append(out, it)
		}
	}
	return out
}

func startsUpper(s string) bool {
	if s == "" {
		return false
	}
	c, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(c)
}
