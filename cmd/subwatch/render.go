package main

import (
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"subwatch/internal/hashcache"
	"subwatch/internal/schedule"
)

func renderChanged(w io.Writer, changed []hashcache.ChangedSubject) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Subject", "Hash", "Dates", "First Seen"})
	for _, c := range changed {
		hash := c.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		tw.AppendRow(table.Row{c.Subject, hash, len(c.New.Dates), c.Old.IsZero()})
	}
	tw.AppendFooter(table.Row{"", "", "Changed", len(changed)})
	tw.Render()
}

func renderDeltas(w io.Writer, deltas []schedule.DeltaItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Date", "Kind", "Old", "New"})
	for _, d := range deltas {
		tw.AppendRow(table.Row{d.Date, d.Kind, joinLine(d.Old), joinLine(d.New)})
	}
	tw.Render()
}

func joinLine(l schedule.LineItem) string {
	if l == nil {
		return "-"
	}
	return strings.Join(l, " | ")
}
