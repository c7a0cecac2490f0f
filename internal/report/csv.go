package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"mandatory-use-audit/internal/overlap"
)

// Column is one output column of the result artifact.
type Column struct {
	Header string
	Value  func(Row) string
}

func itoa(v int) string { return strconv.Itoa(v) }

var baseColumns = []Column{
	{"final_id", func(r Row) string { return r.FinalID.String() }},
	{"prescriber_name", func(r Row) string { return r.DisplayName }},
	{"dea_numbers", func(r Row) string { return r.Identifiers }},
	{"license_number", func(r Row) string { return r.LicenseNumber }},
	{"specialty_1", func(r Row) string { return r.Specialties[0] }},
	{"specialty_2", func(r Row) string { return r.Specialties[1] }},
	{"specialty_3", func(r Row) string { return r.Specialties[2] }},
	{"dispensations", func(r Row) string { return itoa(r.Dispensations) }},
	{"searches", func(r Row) string { return itoa(r.Searches) }},
	{"rate", func(r Row) string { return strconv.FormatFloat(r.SearchRate, 'f', -1, 64) }},
	{"registered", func(r Row) string { return strconv.FormatBool(r.Registered) }},
	{"opioid_rx", func(r Row) string { return itoa(r.OpioidRx) }},
	{"sedative_rx", func(r Row) string { return itoa(r.SedativeRx) }},
	{"rx_over_dose_threshold", func(r Row) string { return itoa(r.RxOverDose) }},
}

var (
	overlapPartColumn = Column{"overlapping_rx_part", func(r Row) string { return itoa(r.OverlapPart) }}
	overlapLastColumn = Column{"overlapping_rx_last", func(r Row) string { return itoa(r.OverlapLast) }}
	naiveColumn       = Column{"opioid_to_opioid_naive", func(r Row) string { return itoa(r.OpioidToNaive) }}
)

// ColumnsFor returns the artifact columns for the metrics computed in a run.
func ColumnsFor(secondary Secondary) []Column {
	cols := append([]Column(nil), baseColumns...)
	if !secondary.Enabled {
		return cols
	}
	mode := secondary.Mode
	if mode == "" {
		mode = overlap.ModeLast
	}
	if mode.Part() {
		cols = append(cols, overlapPartColumn)
	}
	if mode.Last() {
		cols = append(cols, overlapLastColumn)
	}
	return append(cols, naiveColumn)
}

// Headers returns the header line of the report.
func (r Report) Headers() []string {
	headers := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		headers[i] = col.Header
	}
	return headers
}

// WriteCSV writes the header and every row.
func (r Report) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(r.Headers()); err != nil {
		return err
	}
	record := make([]string, len(r.Columns))
	for _, row := range r.Rows {
		for i, col := range r.Columns {
			record[i] = col.Value(row)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
