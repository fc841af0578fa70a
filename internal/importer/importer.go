// Package importer parses patient spreadsheets into rows the record service
// can validate and persist.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"carevault.org/internal/records"
)

// Spreadsheet column headers, matched case-insensitively.
const (
	colRecordKey = "Patient ID"
	colFirstName = "First Name"
	colLastName  = "Last Name"
	colDOB       = "DOB"
	colGender    = "Gender"
)

var requiredColumns = []string{colRecordKey, colFirstName, colLastName, colDOB, colGender}

// Date formats accepted in the DOB column. Values are normalized to the
// first layout before they leave this package.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"2006-01-02 15:04:05",
}

var allowedGenders = map[string]struct{}{
	"male":   {},
	"female": {},
	"other":  {},
}

// XLSX parses .xlsx uploads. It implements records.TabularParser.
type XLSX struct{}

// New constructs the spreadsheet parser.
func New() *XLSX { return &XLSX{} }

// Parse reads the first sheet. File-level problems (unreadable file, missing
// required column, no data rows) are returned as an error; individual bad
// rows come back as RowErrors so the caller can report all of them at once.
func (p *XLSX) Parse(data []byte) ([]records.ParsedRow, []records.RowError, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, nil, errors.New("spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil, errors.New("spreadsheet has no data rows")
	}

	columns, err := mapHeader(rows[0])
	if err != nil {
		return nil, nil, err
	}

	var parsed []records.ParsedRow
	var rowErrs []records.RowError
	for i, row := range rows[1:] {
		line := i + 2
		if blankRow(row) {
			continue
		}
		pr, problems := parseRow(line, row, columns)
		if len(problems) > 0 {
			rowErrs = append(rowErrs, problems...)
			continue
		}
		parsed = append(parsed, pr)
	}
	return parsed, rowErrs, nil
}

func mapHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range requiredColumns {
		if _, ok := columns[strings.ToLower(want)]; !ok {
			return nil, fmt.Errorf("missing required column %q", want)
		}
	}
	return columns, nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cellAt(row []string, columns map[string]int, name string) string {
	idx := columns[strings.ToLower(name)]
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseRow(line int, row []string, columns map[string]int) (records.ParsedRow, []records.RowError) {
	var problems []records.RowError
	fail := func(format string, args ...any) {
		problems = append(problems, records.RowError{Line: line, Message: fmt.Sprintf(format, args...)})
	}

	key := cellAt(row, columns, colRecordKey)
	if key == "" {
		fail("%s is required", colRecordKey)
	}
	first := cellAt(row, columns, colFirstName)
	if first == "" {
		fail("%s is required", colFirstName)
	}
	last := cellAt(row, columns, colLastName)
	if last == "" {
		fail("%s is required", colLastName)
	}

	dobRaw := cellAt(row, columns, colDOB)
	dob, err := parseDate(dobRaw)
	if err != nil {
		fail("%s %q is not a recognized date", colDOB, dobRaw)
	}

	gender := strings.ToLower(cellAt(row, columns, colGender))
	if _, ok := allowedGenders[gender]; !ok {
		fail("%s %q is not one of male, female, other", colGender, cellAt(row, columns, colGender))
	}

	if len(problems) > 0 {
		return records.ParsedRow{}, problems
	}
	return records.ParsedRow{
		Line:        line,
		RecordKey:   key,
		FirstName:   first,
		LastName:    last,
		DateOfBirth: dob.Format(dateLayouts[0]),
		Gender:      gender,
	}, nil
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// Template renders an empty spreadsheet with the expected header row and one
// example row, for download from the dashboard.
func Template() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	header := make([]any, len(requiredColumns))
	for i, col := range requiredColumns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	example := []any{"P-000123", "Ada", "Mensah", "1990-05-04", "female"}
	if err := f.SetSheetRow(sheet, "A2", &example); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
