package pipeline

import (
	"bufio"
	"fmt"
	"io"

	"workitem-pipeline/internal/models"
)

// ReportHeader opens every rendered report.
const ReportHeader = "RUN REPORT"

// Verdicts of a report line.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// ReportLine is the rendered outcome of one Consumer item.
type ReportLine struct {
	Verdict string
	Name    string
	Zip     string
	Product string
	Code    string
}

// BuildReport classifies history entries. Only completed entries pass.
func BuildReport(entries []models.RunHistoryEntry) []ReportLine {
	lines := make([]ReportLine, 0, len(entries))
	for _, e := range entries {
		line := ReportLine{Verdict: VerdictFail}
		if e.State == models.HistoryCompleted {
			line.Verdict = VerdictPass
		}
		line.Name, _ = e.Payload.String(models.FieldName)
		line.Zip, _ = e.Payload.String(models.FieldZip)
		line.Product, _ = e.Payload.String(models.FieldProduct)
		if e.Exception != nil {
			line.Code = e.Exception.Code
		}
		lines = append(lines, line)
	}
	return lines
}

// RenderReport writes the report for entries. A non-nil partial error adds a
// warning that some history could not be fetched.
func RenderReport(w io.Writer, entries []models.RunHistoryEntry, partial error) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, ReportHeader)
	if partial != nil {
		fmt.Fprintf(bw, "WARNING: report may be incomplete: %v\n", partial)
	}
	for _, l := range BuildReport(entries) {
		fmt.Fprintf(bw, "%s - Order: '%s' %s '%s'\n", l.Verdict, l.Name, l.Zip, l.Product)
		if l.Code != "" {
			fmt.Fprintf(bw, "\tException: %s\n", l.Code)
		}
	}
	return bw.Flush()
}
