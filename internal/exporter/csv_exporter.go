// Package exporter writes spreadsheet previews as downloadable CSV files.
package exporter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"flyn/internal/google"
)

// ErrWorksheetNotFound is returned when the requested worksheet is not part of the preview.
var ErrWorksheetNotFound = errors.New("worksheet not found")

// CSVExporter exports previewed worksheets to CSV format.
type CSVExporter struct{}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Export writes the named worksheet of preview to w. An empty name selects the first worksheet.
// Rows are padded to the widest row so every record has the same number of fields.
func (e *CSVExporter) Export(w io.Writer, preview *google.Preview, worksheet string) error {
	sheet, err := selectSheet(preview, worksheet)
	if err != nil {
		return err
	}

	width := 0
	for _, row := range sheet.Rows {
		width = max(width, len(row))
	}

	writer := csv.NewWriter(w)
	for _, row := range sheet.Rows {
		record := make([]string, width)
		copy(record, row)
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// Filename builds the download name, e.g. "Budget 2025 - Transactions.csv".
func (e *CSVExporter) Filename(preview *google.Preview, worksheet string) string {
	title := strings.TrimSpace(preview.Title)
	if title == "" {
		title = preview.ID
	}
	if sheet, err := selectSheet(preview, worksheet); err == nil && sheet.Title != "" {
		title += " - " + sheet.Title
	}
	return sanitizeFilename(title) + ".csv"
}

func selectSheet(preview *google.Preview, worksheet string) (google.SheetPreview, error) {
	if preview == nil || len(preview.Sheets) == 0 {
		return google.SheetPreview{}, ErrWorksheetNotFound
	}
	if worksheet == "" {
		return preview.Sheets[0], nil
	}
	for _, sheet := range preview.Sheets {
		if sheet.Title == worksheet {
			return sheet, nil
		}
	}
	return google.SheetPreview{}, fmt.Errorf("%w: %s", ErrWorksheetNotFound, worksheet)
}

// sanitizeFilename drops characters that would break a Content-Disposition header or a file system path.
func sanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`"\/:*?<>|`, r):
			return '_'
		}
		return r
	}, name)
	if strings.TrimSpace(cleaned) == "" {
		return "spreadsheet"
	}
	return cleaned
}
