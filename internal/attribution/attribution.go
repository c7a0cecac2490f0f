// Package attribution credits dispensations with the searches that justified
// them.
package attribution

import (
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/similarity"
)

const chunkSize = 512

type Options struct {
	// FullRatio is the name similarity a full-name search must reach.
	FullRatio float64
	// PartialRatio applies to searches made with a partial first or last name.
	PartialRatio float64
	Workers      int
}

// Engine matches searches to dispensations.
type Engine struct {
	opts  Options
	index map[int64][]record.Search
}

// NewEngine indexes searches by subject id, keeping only subjects that some
// dispensation resolved to.
func NewEngine(opts Options, dispensations []record.Dispensation, searches []record.Search) *Engine {
	relevant := map[int64]struct{}{}
	for _, d := range dispensations {
		if d.Resolved {
			relevant[d.ResolvedID] = struct{}{}
		}
	}
	index := make(map[int64][]record.Search, len(relevant))
	for _, s := range searches {
		if _, ok := relevant[s.SubjectID]; ok {
			index[s.SubjectID] = append(index[s.SubjectID], s)
		}
	}
	return &Engine{opts: opts, index: index}
}

// Candidates returns the searches logged against d's canonical id.
func (e *Engine) Candidates(d record.Dispensation) []record.Search {
	if !d.Resolved {
		return nil
	}
	return e.index[d.ResolvedID]
}

// Matches reports whether s justifies d.
func (e *Engine) Matches(d record.Dispensation, s record.Search) bool {
	if !InWindow(s.CreatedDate, d.SearchWindowStart, d.SearchWindowEnd) {
		return false
	}
	if d.PatientDOB.IsZero() || !s.SearchedDOB.Equal(d.PatientDOB) {
		return false
	}
	return similarity.Ratio(s.SearchedName, d.PatientName) >= e.threshold(s)
}

func (e *Engine) threshold(s record.Search) float64 {
	if s.Partial {
		return e.opts.PartialRatio
	}
	return e.opts.FullRatio
}

// Searched reports whether any candidate search justifies d.
func (e *Engine) Searched(d record.Dispensation) bool {
	for _, s := range e.Candidates(d) {
		if e.Matches(d, s) {
			return true
		}
	}
	return false
}

// InWindow reports whether created lies in [start, end).
func InWindow(created, start, end time.Time) bool {
	if created.IsZero() {
		return false
	}
	return !created.Before(start) && created.Before(end)
}

// Attribute flags every dispensation and collapses duplicates sharing
// (rx number, prescriber identifier, written date) into one record whose
// flag is true when any duplicate was searched. Input order of first
// occurrences is preserved.
func (e *Engine) Attribute(dispensations []record.Dispensation) []record.Dispensation {
	flags := make([]bool, len(dispensations))

	workers := e.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(dispensations); start += chunkSize {
		end := min(start+chunkSize, len(dispensations))
		g.Go(func() error {
			for i := start; i < end; i++ {
				flags[i] = e.Searched(dispensations[i])
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return an error

	positions := make(map[record.Key]int, len(dispensations))
	out := make([]record.Dispensation, 0, len(dispensations))
	for i, d := range dispensations {
		key := d.Key()
		if pos, seen := positions[key]; seen {
			out[pos].Searched = out[pos].Searched || flags[i]
			continue
		}
		d.Searched = flags[i]
		positions[key] = len(out)
		out = append(out, d)
	}
	return out
}
