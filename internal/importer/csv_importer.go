// Package importer inspects transaction statements uploaded through "Create from a File" before a
// canvas is built from them.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

type Summary struct {
	Columns           []string        `json:"columns"`
	DateColumn        string          `json:"dateColumn"`
	AmountColumn      string          `json:"amountColumn"`
	DescriptionColumn string          `json:"descriptionColumn,omitempty"`
	TotalRows         int             `json:"totalRows"`
	NetAmount         decimal.Decimal `json:"netAmount"`
	Skipped           []SkippedRecord `json:"skipped"`
	TruncatedRecords  bool            `json:"truncatedRecords,omitempty"`
}

type SkippedRecord struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

var ErrInvalidCSV = errors.New("invalid csv upload")

// MaxImportRows limits the number of data rows read from one statement.
const MaxImportRows = 5000

// MaxFailedRecords caps the skipped rows kept in the summary.
const MaxFailedRecords = 100

// Header aliases, matched after normalizeColumn. The first match in each list wins.
var (
	dateColumns        = []string{"date", "transactiondate", "posteddate", "postingdate", "valuedate"}
	amountColumns      = []string{"amount", "value", "transactionamount", "amountusd"}
	descriptionColumns = []string{"description", "memo", "payee", "details", "merchant", "narrative"}
)

type CSVImporter struct{}

func NewCSVImporter() *CSVImporter {
	return &CSVImporter{}
}

// Inspect reads a statement, locates its date, amount and description columns and totals the
// amounts. Rows whose amount cannot be read are skipped and reported.
func (i *CSVImporter) Inspect(reader io.Reader) (Summary, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.TrimLeadingSpace = true

	header, err := csvReader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Summary{}, fmt.Errorf("%w: file is empty", ErrInvalidCSV)
		}
		return Summary{}, fmt.Errorf("%w: failed to read header", ErrInvalidCSV)
	}

	columns := normalizeHeader(header)
	dateIdx := findColumn(columns, dateColumns)
	amountIdx := findColumn(columns, amountColumns)
	if dateIdx < 0 || amountIdx < 0 {
		return Summary{}, fmt.Errorf("%w: a date and an amount column are required", ErrInvalidCSV)
	}

	names := trimAll(header)
	summary := Summary{
		Columns:      names,
		DateColumn:   names[dateIdx],
		AmountColumn: names[amountIdx],
		NetAmount:    decimal.Zero,
	}
	if idx := findColumn(columns, descriptionColumns); idx >= 0 {
		summary.DescriptionColumn = names[idx]
	}

	rowNumber := 1
	for {
		record, err := csvReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Summary{}, fmt.Errorf("%w: failed to read row %d", ErrInvalidCSV, rowNumber+1)
		}
		rowNumber++
		if isRowEmpty(record) {
			continue
		}

		summary.TotalRows++
		if summary.TotalRows > MaxImportRows {
			return Summary{}, fmt.Errorf("%w: CSV exceeds maximum of %d rows", ErrInvalidCSV, MaxImportRows)
		}

		if field(record, dateIdx) == "" {
			summary.skip(rowNumber, "missing date")
			continue
		}
		amount, err := ParseAmount(field(record, amountIdx))
		if err != nil {
			summary.skip(rowNumber, err.Error())
			continue
		}
		summary.NetAmount = summary.NetAmount.Add(amount)
	}

	return summary, nil
}

func (s *Summary) skip(row int, reason string) {
	if len(s.Skipped) >= MaxFailedRecords {
		s.TruncatedRecords = true
		return
	}
	s.Skipped = append(s.Skipped, SkippedRecord{Row: row, Reason: reason})
}

// ParseAmount reads a statement amount such as "1,234.50", "$12.00", "-3.10" or "(3.10)".
func ParseAmount(raw string) (decimal.Decimal, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return decimal.Zero, errors.New("missing amount")
	}

	negative := false
	if strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		negative = true
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	value = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", " ", "").Replace(value)

	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", strings.TrimSpace(raw))
	}
	if negative {
		amount = amount.Neg()
	}
	return amount, nil
}

func normalizeHeader(header []string) []string {
	columns := make([]string, len(header))
	for idx, name := range header {
		columns[idx] = normalizeColumn(name)
	}
	return columns
}

// normalizeColumn lowercases a header and drops everything but letters and digits, so
// "Transaction Date" and "transaction_date" compare equal.
func normalizeColumn(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func findColumn(columns, aliases []string) int {
	for _, alias := range aliases {
		for idx, column := range columns {
			if column == alias {
				return idx
			}
		}
	}
	return -1
}

func field(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func isRowEmpty(record []string) bool {
	for _, value := range record {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}

func trimAll(values []string) []string {
	out := make([]string, len(values))
	for idx, value := range values {
		out[idx] = strings.TrimSpace(strings.TrimPrefix(value, "\ufeff"))
	}
	return out
}
