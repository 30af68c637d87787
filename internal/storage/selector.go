package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Selector matches documents whose top-level body fields equal the given values.
// An empty selector matches everything.
type Selector map[string]any

var reSelectorField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (s Selector) validate() error {
	for k := range s {
		if !reSelectorField.MatchString(k) {
			return fmt.Errorf("invalid selector field %q", k)
		}
	}
	return nil
}

func (s Selector) keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the selector as sorted k=v pairs; used as the View of errors.
func (s Selector) String() string {
	if len(s) == 0 {
		return "all"
	}
	parts := make([]string, 0, len(s))
	for _, k := range s.keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, s[k]))
	}
	return strings.Join(parts, ",")
}

// Match reports whether body satisfies the selector.
func (s Selector) Match(body json.RawMessage) bool {
	if len(s) == 0 {
		return true
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return false
	}
	for k, want := range s {
		got, ok := m[k]
		if !ok || !reflect.DeepEqual(got, jsonValue(want)) {
			return false
		}
	}
	return true
}

// jsonValue normalizes v to what encoding/json would decode it as.
func jsonValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// nextRev returns "<generation+1>-<random>".
func nextRev(prev string) string {
	gen := 0
	if i := strings.IndexByte(prev, '-'); i > 0 {
		gen, _ = strconv.Atoi(prev[:i])
	}
	return strconv.Itoa(gen+1) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// checkRev enforces optimistic concurrency for a write of rev onto a document
// whose stored revision is cur (exists=false when there is none).
func checkRev(id string, exists bool, cur, rev string) error {
	if exists && rev != cur {
		return conflict(id)
	}
	if !exists && rev != "" {
		return conflict(id)
	}
	return nil
}
