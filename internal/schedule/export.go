/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// ExportedEntry is one control list row with its offset in the cycle.
type ExportedEntry struct {
	Index      int    `json:"index"`
	OffsetNs   int64  `json:"offset_ns"`
	DurationNs int64  `json:"duration_ns"`
	Value      string `json:"value"`
	// Truncated is set when the entry extends past the cycle time and will
	// be cut short.
	Truncated bool `json:"truncated,omitempty"`
	// Unreached is set when the entry starts at or after the cycle time.
	Unreached bool `json:"unreached,omitempty"`
}

// Exported is a printable view of a control list.
type Exported struct {
	BaseTimeNs           int64           `json:"base_time_ns"`
	CycleTimeNs          int64           `json:"cycle_time_ns"`
	CycleTimeExtensionNs int64           `json:"cycle_time_extension_ns"`
	Entries              []ExportedEntry `json:"entries"`
}

// Export renders s. Values are formatted with fmt.Sprint.
func Export[T any](s *Schedule[T]) Exported {
	out := Exported{
		BaseTimeNs:           s.baseTime.Nanoseconds(),
		CycleTimeNs:          s.cycleTime.Nanoseconds(),
		CycleTimeExtensionNs: s.cycleTimeExtension.Nanoseconds(),
		Entries:              make([]ExportedEntry, 0, len(s.entries)),
	}
	var offset int64
	for i, e := range s.entries {
		d := e.Duration.Nanoseconds()
		out.Entries = append(out.Entries, ExportedEntry{
			Index:      i,
			OffsetNs:   offset,
			DurationNs: d,
			Value:      fmt.Sprint(e.Value),
			Truncated:  offset < out.CycleTimeNs && offset+d > out.CycleTimeNs,
			Unreached:  offset >= out.CycleTimeNs,
		})
		offset += d
	}
	return out
}

// WriteTable prints the control list as an aligned table.
func (e Exported) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "base %dns\tcycle %dns\textension %dns\t\n", e.BaseTimeNs, e.CycleTimeNs, e.CycleTimeExtensionNs)
	fmt.Fprintln(tw, "#\toffset\tduration\tvalue\t")
	for _, row := range e.Entries {
		note := ""
		switch {
		case row.Unreached:
			note = " (unreached)"
		case row.Truncated:
			note = " (truncated)"
		}
		fmt.Fprintf(tw, "%d\t%dns\t%dns\t%s%s\t\n", row.Index, row.OffsetNs, row.DurationNs, row.Value, note)
	}
	return tw.Flush()
}
