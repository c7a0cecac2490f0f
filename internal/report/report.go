// Package report assembles per-prescriber result rows and writes the run
// artifact.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"mandatory-use-audit/internal/aggregate"
	"mandatory-use-audit/internal/identity"
	"mandatory-use-audit/internal/overlap"
	"mandatory-use-audit/internal/period"
	"mandatory-use-audit/internal/record"
)

// Row is the final per-prescriber result.
type Row struct {
	FinalID       record.FinalID
	DisplayName   string
	Identifiers   string
	LicenseNumber string
	Specialties   [3]string
	Dispensations int
	Searches      int
	SearchRate    float64
	Registered    bool
	OpioidRx      int
	SedativeRx    int
	RxOverDose    int
	OverlapPart   int
	OverlapLast   int
	OpioidToNaive int
}

// Secondary carries the optional overlap and naive metrics.
type Secondary struct {
	Enabled bool
	Mode    overlap.Mode
	Overlap overlap.Result
	Naive   map[record.FinalID]int
}

// Input is everything the assembler merges.
type Input struct {
	Aggregate aggregate.Result
	Identity  *identity.Map
	Secondary Secondary
	Period    period.Period
}

// Totals summarizes a run across all prescribers.
type Totals struct {
	Prescribers   int
	Registered    int
	Dispensations int
	Searches      int
	SearchRate    float64
}

// Report is the assembled artifact.
type Report struct {
	Name    string
	Period  period.Period
	Columns []Column
	Rows    []Row
	Totals  Totals
}

// Assemble merges tallies onto registry data, fills the display fields of
// unregistered prescribers from the dispensations, and sorts the rows so
// low-compliance, high-volume prescribers come first.
func Assemble(in Input) Report {
	tallies := in.Aggregate.Sorted()
	rows := make([]Row, 0, len(tallies))
	for _, tally := range tallies {
		row := Row{
			FinalID:       tally.FinalID,
			Dispensations: tally.Dispensations,
			Searches:      tally.Searches,
			SearchRate:    tally.SearchRate(),
			OpioidRx:      tally.OpioidRx,
			SedativeRx:    tally.SedativeRx,
			RxOverDose:    tally.RxOverDose,
		}
		fillIdentity(&row, in)
		if in.Secondary.Enabled {
			row.OverlapPart = in.Secondary.Overlap.Part[tally.FinalID]
			row.OverlapLast = in.Secondary.Overlap.Last[tally.FinalID]
			row.OpioidToNaive = in.Secondary.Naive[tally.FinalID]
		}
		rows = append(rows, row)
	}
	SortRows(rows)

	return Report{
		Name:    ArtifactName(in.Period, in.Secondary.Enabled),
		Period:  in.Period,
		Columns: ColumnsFor(in.Secondary),
		Rows:    rows,
		Totals:  Summarize(rows),
	}
}

func fillIdentity(row *Row, in Input) {
	if canonical, ok := row.FinalID.Canonical(); ok {
		if entry, found := in.Identity.Entry(canonical); found {
			row.Registered = true
			row.DisplayName = entry.DisplayName
			row.Identifiers = entry.RawIdentifiers
			row.LicenseNumber = entry.LicenseNumber
			row.Specialties = entry.Specialties
		}
		return
	}
	if raw, ok := row.FinalID.Identifier(); ok {
		row.DisplayName = in.Aggregate.ObservedNames[raw]
		row.Identifiers = raw
	}
}

// SortRows orders by searches ascending, then dispensations descending, then
// final id.
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Searches != rows[j].Searches {
			return rows[i].Searches < rows[j].Searches
		}
		if rows[i].Dispensations != rows[j].Dispensations {
			return rows[i].Dispensations > rows[j].Dispensations
		}
		return rows[i].FinalID.Less(rows[j].FinalID)
	})
}

// Summarize totals the rows; the overall rate is rounded to two decimals.
func Summarize(rows []Row) Totals {
	totals := Totals{Prescribers: len(rows)}
	for _, row := range rows {
		totals.Dispensations += row.Dispensations
		totals.Searches += row.Searches
		if row.Registered {
			totals.Registered++
		}
	}
	if totals.Dispensations > 0 {
		totals.SearchRate = round2(float64(totals.Searches) / float64(totals.Dispensations) * 100)
	}
	return totals
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// ArtifactName names the result file after the reporting months and whether
// secondary metrics were computed, e.g. "april2024_mandatory_use_full.csv".
func ArtifactName(p period.Period, secondary bool) string {
	tier := "base"
	if secondary {
		tier = "full"
	}
	start := monthStamp(p.First)
	end := monthStamp(p.Last)
	if start == end {
		return fmt.Sprintf("%s_mandatory_use_%s.csv", start, tier)
	}
	return fmt.Sprintf("%s-%s_mandatory_use_%s.csv", start, end, tier)
}

func monthStamp(t time.Time) string {
	return fmt.Sprintf("%s%d", strings.ToLower(t.Month().String()), t.Year())
}
