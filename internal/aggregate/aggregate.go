// Package aggregate rolls linked dispensations up to per-prescriber tallies.
package aggregate

import (
	"sort"
	"strings"

	"mandatory-use-audit/internal/record"
)

// Markers are the case-sensitive substrings of the drug-class text that mark
// a dispensation as opioid or sedative.
type Markers struct {
	Opioid   string
	Sedative string
}

// DefaultMarkers match the therapeutic-category text of the export.
var DefaultMarkers = Markers{Opioid: "OPIOID", Sedative: "BENZO"}

// Class classifies free-text drug-class descriptions. Opioid wins when both
// markers appear.
func (m Markers) Class(text string) record.DrugClass {
	switch {
	case m.Opioid != "" && strings.Contains(text, m.Opioid):
		return record.ClassOpioid
	case m.Sedative != "" && strings.Contains(text, m.Sedative):
		return record.ClassSedative
	default:
		return record.ClassOther
	}
}

func (m Markers) IsOpioid(text string) bool {
	return m.Opioid != "" && strings.Contains(text, m.Opioid)
}

func (m Markers) IsSedative(text string) bool {
	return m.Sedative != "" && strings.Contains(text, m.Sedative)
}

type Options struct {
	Markers       Markers
	DoseThreshold float64
}

// Tally is the per-prescriber rollup.
type Tally struct {
	FinalID       record.FinalID
	Dispensations int
	Searches      int
	OpioidRx      int
	SedativeRx    int
	RxOverDose    int
}

// SearchRate is searches as a percentage of dispensations.
func (t Tally) SearchRate() float64 {
	if t.Dispensations == 0 {
		return 0
	}
	return float64(t.Searches) / float64(t.Dispensations) * 100
}

// Result holds the tallies and the identifier-to-name table observed on the
// dispensations themselves.
type Result struct {
	Tallies       map[record.FinalID]*Tally
	ObservedNames map[string]string
}

// Aggregate groups dispensations by final id.
func Aggregate(dispensations []record.Dispensation, opts Options) Result {
	res := Result{
		Tallies:       map[record.FinalID]*Tally{},
		ObservedNames: map[string]string{},
	}
	for _, d := range dispensations {
		tally, ok := res.Tallies[d.FinalID]
		if !ok {
			tally = &Tally{FinalID: d.FinalID}
			res.Tallies[d.FinalID] = tally
		}
		tally.Dispensations++
		if d.Searched {
			tally.Searches++
		}
		if opts.Markers.IsOpioid(d.DrugClassText) {
			tally.OpioidRx++
		}
		if opts.Markers.IsSedative(d.DrugClassText) {
			tally.SedativeRx++
		}
		if d.DailyDose >= opts.DoseThreshold {
			tally.RxOverDose++
		}
		if _, seen := res.ObservedNames[d.PrescriberIdentifier]; !seen && d.PrescriberName != "" {
			res.ObservedNames[d.PrescriberIdentifier] = d.PrescriberName
		}
	}
	return res
}

// Sorted returns the tallies ordered by final id.
func (r Result) Sorted() []Tally {
	out := make([]Tally, 0, len(r.Tallies))
	for _, tally := range r.Tallies {
		out = append(out, *tally)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalID.Less(out[j].FinalID) })
	return out
}

// Totals sums dispensations and searches across every tally.
func (r Result) Totals() (dispensations, searches int) {
	for _, tally := range r.Tallies {
		dispensations += tally.Dispensations
		searches += tally.Searches
	}
	return dispensations, searches
}
