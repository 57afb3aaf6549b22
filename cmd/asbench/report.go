package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// writeStructures prints one row per bottom-level structure.
func writeStructures(w io.Writer, r *result) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"BLAS", "Primitives", "Queried", "Size", "Residency"})

	var queried, size uint64
	for _, s := range r.Structures {
		table.Append([]string{
			strconv.Itoa(s.Index),
			strconv.FormatUint(s.Primitives, 10),
			formatBytes(s.QueriedSize),
			formatBytes(s.Size),
			s.Residency,
		})
		queried += s.QueriedSize
		size += s.Size
	}
	table.SetFooter([]string{"", "TOTAL", formatBytes(queried), formatBytes(size), ""})
	table.Render()
}

// writeSummary prints timings and builder telemetry.
func writeSummary(w io.Writer, r *result) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Metric", "Value"})

	for _, t := range r.Timings {
		table.Append([]string{t.Step, t.Duration.String()})
	}
	st := r.Stats
	table.Append([]string{"bottom-level structures", strconv.Itoa(st.BottomLevelCount)})
	table.Append([]string{"bottom-level bytes", formatBytes(st.BottomLevelBytes)})
	table.Append([]string{"batches", strconv.Itoa(st.Batches)})
	table.Append([]string{"compaction saved", formatBytes(st.CompactionSavedBytes)})
	if st.TopLevelBuilds > 0 {
		table.Append([]string{"instances", strconv.Itoa(st.InstanceCount)})
		table.Append([]string{"top-level bytes", formatBytes(st.TopLevelBytes)})
		table.Append([]string{"top-level builds", strconv.Itoa(st.TopLevelBuilds)})
		table.Append([]string{"top-level updates", strconv.Itoa(st.TopLevelUpdates)})
	}
	table.Append([]string{"submissions", strconv.Itoa(r.DeviceSubmissions)})
	table.Append([]string{"device-local bytes", formatBytes(r.DeviceLocalBytes)})
	table.Render()
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
