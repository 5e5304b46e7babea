// Package export renders stored pipeline events into operator-facing
// reports.
package export

import (
	"context"
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/visionflow/visionflow/internal/model"
	"github.com/visionflow/visionflow/pkg/sinks"
)

// Report summarizes one events database.
type Report struct {
	TotalEvents int64
	ByType      map[string]int64
}

// WriteWorkbook builds an .xlsx report from an event store: a Summary
// sheet with per-type totals and an Events sheet with the raw rows.
func WriteWorkbook(ctx context.Context, store *sinks.EventStore, outPath string, maxRows int) (*Report, error) {
	counts, err := store.CountByType(ctx)
	if err != nil {
		return nil, err
	}
	events, err := store.Events(ctx, maxRows)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := writeSummarySheet(f, counts); err != nil {
		return nil, err
	}
	if err := writeEventsSheet(f, events); err != nil {
		return nil, err
	}
	// Drop the default sheet excelize creates.
	f.DeleteSheet("Sheet1")

	if err := f.SaveAs(outPath); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	rep := &Report{ByType: counts}
	for _, n := range counts {
		rep.TotalEvents += n
	}
	return rep, nil
}

func writeSummarySheet(f *excelize.File, counts map[string]int64) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	f.SetCellValue(sheet, "A1", "Event Type")
	f.SetCellValue(sheet, "B1", "Count")
	f.SetCellStyle(sheet, "A1", "B1", header)

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	row := 2
	var total int64
	for _, t := range types {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), t)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), counts[t])
		total += counts[t]
		row++
	}
	f.SetCellValue(sheet, fmt.Sprintf("A%d", row), "total")
	f.SetCellValue(sheet, fmt.Sprintf("B%d", row), total)
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("B%d", row), header)
	return nil
}

func writeEventsSheet(f *excelize.File, events []model.Event) error {
	const sheet = "Events"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	cols := []string{"Event ID", "Type", "Track", "Zone", "Value", "Frame", "Timestamp"}
	for i, c := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, c)
	}
	last, _ := excelize.CoordinatesToCellName(len(cols), 1)
	f.SetCellStyle(sheet, "A1", last, header)

	for i, ev := range events {
		row := i + 2
		vals := []any{
			ev.EventID,
			string(ev.EventType),
			ev.TrackID,
			ev.ZoneID,
			ev.Value,
			ev.FrameSeq,
			ev.Timestamp.Format("2006-01-02 15:04:05.000"),
		}
		for j, v := range vals {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			f.SetCellValue(sheet, cell, v)
		}
	}
	return nil
}
