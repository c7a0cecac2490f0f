// Package overlap finds patients holding concurrent sedative and opioid
// supplies and credits the prescribers who wrote them.
package overlap

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mandatory-use-audit/internal/aggregate"
	"mandatory-use-audit/internal/period"
	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/similarity"
)

// Mode selects which overlap policies are evaluated.
type Mode string

const (
	ModePart Mode = "part"
	ModeLast Mode = "last"
	ModeBoth Mode = "both"
)

// ParseMode validates a configured overlap mode.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModePart:
		return ModePart, nil
	case ModeLast, "":
		return ModeLast, nil
	case ModeBoth:
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("invalid overlap type %q (want part, last or both)", value)
	}
}

func (m Mode) Part() bool { return m == ModePart || m == ModeBoth }

func (m Mode) Last() bool { return m == ModeLast || m == ModeBoth }

type Options struct {
	Mode    Mode
	Ratio   float64
	Markers aggregate.Markers
	Period  period.Period
	Workers int
}

// Pair is one confirmed sedative/opioid overlap.
type Pair struct {
	Sedative record.Therapy
	Opioid   record.Therapy
	Ratio    float64
	// SedativeCredited and OpioidCredited record which sides counted toward
	// their prescriber under the pair's policy.
	SedativeCredited bool
	OpioidCredited   bool
}

// Result holds per-prescriber overlap counts for each evaluated policy.
type Result struct {
	Part      map[record.FinalID]int
	Last      map[record.FinalID]int
	PartPairs []Pair
	LastPairs []Pair
}

// PartOverlap reports whether either supply was written while the other was
// active between its fill date and therapy end, bounds included.
func PartOverlap(sed, opi record.Therapy) bool {
	return period.Between(opi.WrittenDate, sed.FilledDate, sed.TherapyEnd) ||
		period.Between(sed.WrittenDate, opi.FilledDate, opi.TherapyEnd)
}

// LastOverlap is PartOverlap with each supply's window starting the day after
// the record was created instead of its fill date.
func LastOverlap(sed, opi record.Therapy) bool {
	return period.Between(opi.WrittenDate, nextDay(sed.CreatedDate), sed.TherapyEnd) ||
		period.Between(sed.WrittenDate, nextDay(opi.CreatedDate), opi.TherapyEnd)
}

func nextDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.AddDate(0, 0, 1)
}

// Detect pairs sedative and opioid therapies by date of birth, confirms each
// pair by patient-name similarity, and credits in-period prescriptions.
//
// Under the part policy both in-period sides of a pair are credited. Under
// the last policy only the later-written side is credited; pairs written on
// the same day credit neither side.
func Detect(therapies []record.Therapy, opts Options) Result {
	res := Result{}
	if opts.Mode.Part() {
		res.Part = map[record.FinalID]int{}
	}
	if opts.Mode.Last() {
		res.Last = map[record.FinalID]int{}
	}

	groups := groupByDOB(therapies, opts.Markers)
	dobs := make([]time.Time, 0, len(groups))
	for dob := range groups {
		dobs = append(dobs, dob)
	}
	sort.Slice(dobs, func(i, j int) bool { return dobs[i].Before(dobs[j]) })

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	partByGroup := make([][]Pair, len(dobs))
	lastByGroup := make([][]Pair, len(dobs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, dob := range dobs {
		group := groups[dob]
		g.Go(func() error {
			partByGroup[i], lastByGroup[i] = scoreGroup(group, opts)
			return nil
		})
	}
	_ = g.Wait() // workers never return an error

	for i := range dobs {
		for _, pair := range partByGroup[i] {
			credit(res.Part, pair)
			res.PartPairs = append(res.PartPairs, pair)
		}
		for _, pair := range lastByGroup[i] {
			credit(res.Last, pair)
			res.LastPairs = append(res.LastPairs, pair)
		}
	}
	return res
}

type dobGroup struct {
	sedatives []record.Therapy
	opioids   []record.Therapy
}

func groupByDOB(therapies []record.Therapy, markers aggregate.Markers) map[time.Time]*dobGroup {
	groups := map[time.Time]*dobGroup{}
	for _, t := range therapies {
		if t.PatientDOB.IsZero() {
			continue
		}
		isSedative := markers.IsSedative(t.DrugClassText)
		isOpioid := markers.IsOpioid(t.DrugClassText)
		if !isSedative && !isOpioid {
			continue
		}
		group, ok := groups[t.PatientDOB]
		if !ok {
			group = &dobGroup{}
			groups[t.PatientDOB] = group
		}
		if isSedative {
			group.sedatives = append(group.sedatives, t)
		}
		if isOpioid {
			group.opioids = append(group.opioids, t)
		}
	}
	return groups
}

func scoreGroup(group *dobGroup, opts Options) (part, last []Pair) {
	if len(group.sedatives) == 0 || len(group.opioids) == 0 {
		return nil, nil
	}
	// one patient often holds several supplies; score each name pair once
	ratios := map[[2]string]float64{}
	ratio := func(a, b string) float64 {
		key := [2]string{a, b}
		if r, ok := ratios[key]; ok {
			return r
		}
		r := similarity.Ratio(a, b)
		ratios[key] = r
		return r
	}

	for _, sed := range group.sedatives {
		for _, opi := range group.opioids {
			inPart := opts.Mode.Part() && PartOverlap(sed, opi)
			inLast := opts.Mode.Last() && LastOverlap(sed, opi)
			if !inPart && !inLast {
				continue
			}
			score := ratio(opi.PatientName, sed.PatientName)
			if score < opts.Ratio {
				continue
			}
			if inPart {
				part = append(part, Pair{
					Sedative:         sed,
					Opioid:           opi,
					Ratio:            score,
					SedativeCredited: opts.Period.Contains(sed.WrittenDate),
					OpioidCredited:   opts.Period.Contains(opi.WrittenDate),
				})
			}
			if inLast {
				last = append(last, Pair{
					Sedative:         sed,
					Opioid:           opi,
					Ratio:            score,
					SedativeCredited: opts.Period.Contains(sed.WrittenDate) && sed.WrittenDate.After(opi.WrittenDate),
					OpioidCredited:   opts.Period.Contains(opi.WrittenDate) && sed.WrittenDate.Before(opi.WrittenDate),
				})
			}
		}
	}
	return part, last
}

func credit(counts map[record.FinalID]int, pair Pair) {
	if pair.SedativeCredited {
		counts[pair.Sedative.FinalID]++
	}
	if pair.OpioidCredited {
		counts[pair.Opioid.FinalID]++
	}
}
