// Package naive classifies opioid dispensations written to patients with no
// established opioid tolerance.
package naive

import (
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"mandatory-use-audit/internal/aggregate"
	"mandatory-use-audit/internal/period"
	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/similarity"
)

const chunkSize = 512

type Options struct {
	Ratio   float64
	Markers aggregate.Markers
	Workers int
}

// Classifier holds the reference fills indexed by date of birth.
type Classifier struct {
	opts  Options
	byDOB map[time.Time][]record.NaiveReference
}

func NewClassifier(opts Options, refs []record.NaiveReference) *Classifier {
	byDOB := map[time.Time][]record.NaiveReference{}
	for _, ref := range refs {
		if ref.PatientDOB.IsZero() {
			continue
		}
		byDOB[ref.PatientDOB] = append(byDOB[ref.PatientDOB], ref)
	}
	return &Classifier{opts: opts, byDOB: byDOB}
}

// Tolerant reports whether a reference fill establishes tolerance for the
// patient of d on its written date.
func (c *Classifier) Tolerant(d record.Dispensation) bool {
	if d.PatientDOB.IsZero() {
		return false
	}
	for _, ref := range c.byDOB[d.PatientDOB] {
		if !period.Between(d.WrittenDate, ref.FillDate, ref.WindowEnd) {
			continue
		}
		if similarity.Ratio(d.PatientName, ref.PatientName) >= c.opts.Ratio {
			return true
		}
	}
	return false
}

// Naive reports whether d is an opioid dispensation to an opioid-naive
// patient. Absence of any qualifying reference fill counts as naive.
func (c *Classifier) Naive(d record.Dispensation) bool {
	return c.opts.Markers.IsOpioid(d.DrugClassText) && !c.Tolerant(d)
}

// Count returns, per final id, the number of opioid dispensations classified
// naive.
func (c *Classifier) Count(dispensations []record.Dispensation) map[record.FinalID]int {
	flags := make([]bool, len(dispensations))
	workers := c.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(dispensations); start += chunkSize {
		end := min(start+chunkSize, len(dispensations))
		g.Go(func() error {
			for i := start; i < end; i++ {
				flags[i] = c.Naive(dispensations[i])
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return an error

	counts := map[record.FinalID]int{}
	for i, naive := range flags {
		if naive {
			counts[dispensations[i].FinalID]++
		}
	}
	return counts
}
