// Package diagnostics exports the intermediate linked sets of a run so
// individual attribution and overlap decisions can be audited.
package diagnostics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mandatory-use-audit/internal/overlap"
	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/report"
)

// File names written next to the report.
const (
	DispensationsFile = "dispensations_results.csv"
	SearchResultsFile = "search_results.csv"
	OverlapsPartFile  = "overlaps_part.csv"
	OverlapsLastFile  = "overlaps_last.csv"
)

// Bundle is everything a run produced beyond the report itself.
type Bundle struct {
	RunID         string
	Report        report.Report
	Dispensations []record.Dispensation
	Overlap       overlap.Result
}

type dispensationRow struct {
	RunID                string  `db:"run_id"`
	RxNumber             string  `db:"rx_number"`
	PrescriberIdentifier string  `db:"prescriber_dea"`
	PrescriberName       string  `db:"prescriber_name"`
	FinalID              string  `db:"final_id"`
	Registered           bool    `db:"registered"`
	WrittenDate          string  `db:"written_date"`
	FilledDate           string  `db:"filled_date"`
	PatientName          string  `db:"patient_name"`
	PatientDOB           string  `db:"patient_dob"`
	DrugClass            string  `db:"drug_class"`
	DailyDose            float64 `db:"daily_dose"`
	WindowStart          string  `db:"search_window_start"`
	WindowEnd            string  `db:"search_window_end"`
	Searched             bool    `db:"searched"`
}

var dispensationHeaders = []string{
	"rx_number", "prescriber_dea", "prescriber_name", "final_id", "registered",
	"written_date", "filled_date", "patient_name", "patient_dob", "drug_class",
	"daily_dose", "search_window_start", "search_window_end", "searched",
}

func (r dispensationRow) values() []string {
	return []string{
		r.RxNumber, r.PrescriberIdentifier, r.PrescriberName, r.FinalID, strconv.FormatBool(r.Registered),
		r.WrittenDate, r.FilledDate, r.PatientName, r.PatientDOB, r.DrugClass,
		strconv.FormatFloat(r.DailyDose, 'f', -1, 64), r.WindowStart, r.WindowEnd, strconv.FormatBool(r.Searched),
	}
}

type pairRow struct {
	RunID            string  `db:"run_id"`
	Policy           string  `db:"policy"`
	PatientDOB       string  `db:"patient_dob"`
	SedativeFinalID  string  `db:"sedative_final_id"`
	SedativePatient  string  `db:"sedative_patient"`
	SedativeWritten  string  `db:"sedative_written"`
	SedativeFilled   string  `db:"sedative_filled"`
	SedativeEnd      string  `db:"sedative_end"`
	OpioidFinalID    string  `db:"opioid_final_id"`
	OpioidPatient    string  `db:"opioid_patient"`
	OpioidWritten    string  `db:"opioid_written"`
	OpioidFilled     string  `db:"opioid_filled"`
	OpioidEnd        string  `db:"opioid_end"`
	Ratio            float64 `db:"ratio"`
	SedativeCredited bool    `db:"sedative_credited"`
	OpioidCredited   bool    `db:"opioid_credited"`
}

var pairHeaders = []string{
	"patient_dob",
	"sedative_final_id", "sedative_patient", "sedative_written", "sedative_filled", "sedative_end",
	"opioid_final_id", "opioid_patient", "opioid_written", "opioid_filled", "opioid_end",
	"ratio", "sedative_credited", "opioid_credited",
}

func (r pairRow) values() []string {
	return []string{
		r.PatientDOB,
		r.SedativeFinalID, r.SedativePatient, r.SedativeWritten, r.SedativeFilled, r.SedativeEnd,
		r.OpioidFinalID, r.OpioidPatient, r.OpioidWritten, r.OpioidFilled, r.OpioidEnd,
		strconv.FormatFloat(r.Ratio, 'f', 4, 64), strconv.FormatBool(r.SedativeCredited), strconv.FormatBool(r.OpioidCredited),
	}
}

func formatDate(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.Format("2006-01-02")
}

func dispensationRows(b Bundle) []dispensationRow {
	rows := make([]dispensationRow, 0, len(b.Dispensations))
	for _, d := range b.Dispensations {
		rows = append(rows, dispensationRow{
			RunID:                b.RunID,
			RxNumber:             d.RxNumber,
			PrescriberIdentifier: d.PrescriberIdentifier,
			PrescriberName:       d.PrescriberName,
			FinalID:              d.FinalID.String(),
			Registered:           d.FinalID.IsRegistered(),
			WrittenDate:          formatDate(d.WrittenDate),
			FilledDate:           formatDate(d.FilledDate),
			PatientName:          d.PatientName,
			PatientDOB:           formatDate(d.PatientDOB),
			DrugClass:            d.DrugClassText,
			DailyDose:            d.DailyDose,
			WindowStart:          formatDate(d.SearchWindowStart),
			WindowEnd:            formatDate(d.SearchWindowEnd),
			Searched:             d.Searched,
		})
	}
	return rows
}

func pairRows(runID, policy string, pairs []overlap.Pair) []pairRow {
	rows := make([]pairRow, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, pairRow{
			RunID:            runID,
			Policy:           policy,
			PatientDOB:       formatDate(p.Sedative.PatientDOB),
			SedativeFinalID:  p.Sedative.FinalID.String(),
			SedativePatient:  p.Sedative.PatientName,
			SedativeWritten:  formatDate(p.Sedative.WrittenDate),
			SedativeFilled:   formatDate(p.Sedative.FilledDate),
			SedativeEnd:      formatDate(p.Sedative.TherapyEnd),
			OpioidFinalID:    p.Opioid.FinalID.String(),
			OpioidPatient:    p.Opioid.PatientName,
			OpioidWritten:    formatDate(p.Opioid.WrittenDate),
			OpioidFilled:     formatDate(p.Opioid.FilledDate),
			OpioidEnd:        formatDate(p.Opioid.TherapyEnd),
			Ratio:            p.Ratio,
			SedativeCredited: p.SedativeCredited,
			OpioidCredited:   p.OpioidCredited,
		})
	}
	return rows
}

// WriteCSV writes the intermediate sets into dir and returns the paths
// written. Overlap files are only written for evaluated policies.
func WriteCSV(dir string, b Bundle) ([]string, error) {
	var written []string

	base := report.Report{Columns: report.ColumnsFor(report.Secondary{}), Rows: b.Report.Rows}
	path := filepath.Join(dir, SearchResultsFile)
	if err := writeFile(path, base.WriteCSV); err != nil {
		return written, err
	}
	written = append(written, path)

	dispensations := dispensationRows(b)
	records := make([][]string, len(dispensations))
	for i, row := range dispensations {
		records[i] = row.values()
	}
	path = filepath.Join(dir, DispensationsFile)
	if err := writeFile(path, recordsWriter(dispensationHeaders, records)); err != nil {
		return written, err
	}
	written = append(written, path)

	for _, set := range []struct {
		file      string
		policy    string
		pairs     []overlap.Pair
		evaluated bool
	}{
		{OverlapsPartFile, string(overlap.ModePart), b.Overlap.PartPairs, b.Overlap.Part != nil},
		{OverlapsLastFile, string(overlap.ModeLast), b.Overlap.LastPairs, b.Overlap.Last != nil},
	} {
		if !set.evaluated {
			continue
		}
		pairs := pairRows(b.RunID, set.policy, set.pairs)
		records := make([][]string, len(pairs))
		for i, row := range pairs {
			records[i] = row.values()
		}
		path := filepath.Join(dir, set.file)
		if err := writeFile(path, recordsWriter(pairHeaders, records)); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func recordsWriter(headers []string, records [][]string) func(io.Writer) error {
	return func(w io.Writer) error {
		out := csv.NewWriter(w)
		if err := out.Write(headers); err != nil {
			return err
		}
		if err := out.WriteAll(records); err != nil {
			return err
		}
		return out.Error()
	}
}

func writeFile(path string, fill func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fill(file); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}
