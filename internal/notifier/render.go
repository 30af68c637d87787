package notifier

import (
	"strings"

	"subwatch/internal/schedule"
	"subwatch/pkg/tgui"
)

var kindLabel = map[schedule.Kind]string{
	schedule.Added:   "neu",
	schedule.Deleted: "entfällt",
	schedule.Changed: "geändert",
}

// Render formats a delta as Telegram HTML, grouped by date.
func Render(subject string, delta []schedule.DeltaItem) string {
	var b tgui.Builder
	b.Title("Vertretungsplan " + subject)
	date := ""
	for _, it := range delta {
		if it.Date != date {
			date = it.Date
			b.Section(date)
		}
		fields := it.New
		if fields == nil {
			fields = it.Old
		}
		b.Bullet(kindLabel[it.Kind], line(fields))
		if it.Kind == schedule.Changed && it.New != nil && it.Old != nil {
			b.Struck(line(it.Old))
		}
	}
	return b.String()
}

func line(f schedule.LineItem) string {
	parts := make([]string, 0, len(f))
	for _, v := range f {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " · ")
}
