// Package feed decodes the reporting platform's CSV extracts into records.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"mandatory-use-audit/internal/period"
)

// ParseError reports a value that could not be decoded.
type ParseError struct {
	Feed   Name
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s feed row %d column %q: cannot parse %q: %v", e.Feed, e.Row, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// field names one logical column and the headers it may appear under.
type field struct {
	name     string
	aliases  []string
	required bool
}

type table struct {
	feed    Name
	reader  *csv.Reader
	columns map[string]int
	row     int
	record  []string
}

func newTable(r io.Reader, feed Name, fields []field) (*table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%s feed: unable to read header: %w", feed, err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}
	colMap := normalizeHeaders(headers)

	t := &table{feed: feed, reader: reader, columns: map[string]int{}, row: 1}
	var missing []string
	for _, f := range fields {
		idx, ok := findColumn(colMap, append([]string{f.name}, f.aliases...))
		if !ok {
			if f.required {
				missing = append(missing, f.name)
			}
			idx = -1
		}
		t.columns[f.name] = idx
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s feed: missing columns %s", feed, strings.Join(missing, ", "))
	}
	return t, nil
}

// next advances to the next non-empty record.
func (t *table) next() (bool, error) {
	for {
		record, err := t.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("%s feed: unable to read CSV: %w", t.feed, err)
		}
		t.row++
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		t.record = record
		return true, nil
	}
}

func (t *table) str(name string) string {
	return getValue(t.record, t.columns[name])
}

func (t *table) fail(name, value string, err error) error {
	return &ParseError{Feed: t.feed, Row: t.row, Column: name, Value: value, Err: err}
}

func (t *table) date(name string) (time.Time, error) {
	value := t.str(name)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := parseDate(value)
	if err != nil {
		return time.Time{}, t.fail(name, value, err)
	}
	return parsed, nil
}

func (t *table) float(name string) (float64, error) {
	value := cleanNumber(t.str(name))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, t.fail(name, value, err)
	}
	return parsed, nil
}

func (t *table) integer(name string) (int64, error) {
	value := cleanNumber(t.str(name))
	if value == "" {
		return 0, nil
	}
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed != float64(int64(parsed)) {
		if err == nil {
			err = errors.New("not a whole number")
		}
		return 0, t.fail(name, value, err)
	}
	return int64(parsed), nil
}

func (t *table) boolean(name string) bool {
	switch strings.ToLower(t.str(name)) {
	case "true", "t", "yes", "y", "1":
		return true
	default:
		return false
	}
}

func cleanNumber(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), ",", "")
}

var dateLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"1/2/2006",
	"2006-01-02",
	"2006/01/02",
	"1-2-2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return period.DateOnly(parsed), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format: %s", value)
}

func normalizeHeaders(headers []string) map[string]int {
	result := make(map[string]int, len(headers))
	for idx, header := range headers {
		normalized := normalizeHeader(header)
		if _, exists := result[normalized]; !exists {
			result[normalized] = idx
		}
	}
	return result
}

func normalizeHeader(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	value = strings.ReplaceAll(value, " ", "")
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}

func findColumn(headers map[string]int, names []string) (int, bool) {
	for _, name := range names {
		if idx, ok := headers[normalizeHeader(name)]; ok {
			return idx, true
		}
	}
	return -1, false
}

func getValue(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
