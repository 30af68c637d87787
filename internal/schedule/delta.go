package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
)

type Kind string

const (
	Added   Kind = "ADDED"
	Deleted Kind = "DELETED"
	Changed Kind = "CHANGED"
)

// DeltaItem is one detected change for a date.
type DeltaItem struct {
	Date string   `json:"date"`
	Kind Kind     `json:"kind"`
	New  LineItem `json:"new"`
	Old  LineItem `json:"old"`
	Ord  int64    `json:"ord"`
}

// NewDelta builds a DeltaItem and derives Ord from the date and the lesson slot
// of whichever side is present (new wins).
func NewDelta(date string, kind Kind, newFields, oldFields LineItem) DeltaItem {
	ref := newFields
	if ref == nil {
		ref = oldFields
	}
	return DeltaItem{
		Date: date,
		Kind: kind,
		New:  newFields,
		Old:  oldFields,
		Ord:  DateKey(date)*100 + int64(LessonNumber(ref)),
	}
}

// SortDeltas orders by Ord; equal keys keep detection order.
func SortDeltas(d []DeltaItem) {
	sort.SliceStable(d, func(i, j int) bool { return d[i].Ord < d[j].Ord })
}

// DeltaKey is a stable identity for a whole delta list, used to group
// recipients that would receive the same notification.
func DeltaKey(d []DeltaItem) string {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("len:%d", len(d))
	}
	return string(b)
}
