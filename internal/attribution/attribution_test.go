package attribution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandatory-use-audit/internal/dispense"
	"mandatory-use-audit/internal/identity"
	"mandatory-use-audit/internal/record"
	"mandatory-use-audit/internal/similarity"
)

var (
	written = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	dob     = time.Date(1980, 6, 15, 0, 0, 0, 0, time.UTC)
)

func normalized(t *testing.T, raw ...record.Dispensation) []record.Dispensation {
	t.Helper()
	ids := identity.NewMap([]record.RegistryEntry{{CanonicalID: 1, RawIdentifiers: "AB1234567"}})
	out, _ := dispense.Normalize(raw, ids, dispense.Options{LookbackDays: 7, VetPolicy: dispense.VetExclude})
	return out
}

func disp(rx string) record.Dispensation {
	return record.Dispensation{
		RxNumber:             rx,
		PrescriberIdentifier: "AB1234567",
		WrittenDate:          written,
		PatientDOB:           dob,
		PatientName:          "JANE DOE",
	}
}

func search(created time.Time) record.Search {
	return record.Search{SubjectID: 1, CreatedDate: created, SearchedDOB: dob, SearchedName: "JANE DOE"}
}

func defaultOpts() Options {
	return Options{FullRatio: 0.7, PartialRatio: 0.5, Workers: 2}
}

func TestWindowIsHalfOpen(t *testing.T) {
	ds := normalized(t, disp("1"))
	require.Len(t, ds, 1)
	d := ds[0]

	cases := []struct {
		name    string
		created time.Time
		want    bool
	}{
		{"window end excluded", written.AddDate(0, 0, 1), false},
		{"written day counts", written, true},
		{"last instant before end counts", written.AddDate(0, 0, 1).Add(-time.Microsecond), true},
		{"window start included", written.AddDate(0, 0, -7), true},
		{"before window start", written.AddDate(0, 0, -8), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(defaultOpts(), ds, []record.Search{search(tc.created)})
			assert.Equal(t, tc.want, e.Searched(d))
		})
	}
}

func TestDOBMustMatchExactly(t *testing.T) {
	ds := normalized(t, disp("1"))
	s := search(written)
	s.SearchedDOB = dob.AddDate(0, 0, 1)
	e := NewEngine(defaultOpts(), ds, []record.Search{s})
	assert.False(t, e.Searched(ds[0]))
}

func TestPartialThresholdNeverStricterThanFull(t *testing.T) {
	ds := normalized(t, disp("1"))
	names := []string{"JANE DOE", "JAN DOE", "J DOE", "JANE D", "DOE", "JOHN SMITH", "JA", ""}
	opts := defaultOpts()
	for _, name := range names {
		full := search(written)
		full.SearchedName = name
		partial := full
		partial.Partial = true

		fullAccepted := NewEngine(opts, ds, []record.Search{full}).Searched(ds[0])
		partialAccepted := NewEngine(opts, ds, []record.Search{partial}).Searched(ds[0])
		if fullAccepted {
			assert.True(t, partialAccepted, "partial search rejected %q that full accepted", name)
		}
	}

	// a score between the two thresholds separates them
	name := "DOE"
	score := similarity.Ratio(name, "JANE DOE")
	require.True(t, score >= opts.PartialRatio && score < opts.FullRatio, "score %f", score)
	s := search(written)
	s.SearchedName = name
	assert.False(t, NewEngine(opts, ds, []record.Search{s}).Searched(ds[0]))
	s.Partial = true
	assert.True(t, NewEngine(opts, ds, []record.Search{s}).Searched(ds[0]))
}

func TestUnregisteredNeverSearched(t *testing.T) {
	raw := disp("1")
	raw.PrescriberIdentifier = "ZZ0000000"
	ds := normalized(t, raw)
	require.False(t, ds[0].Resolved)

	s := search(written)
	s.SubjectID = 0
	e := NewEngine(defaultOpts(), ds, []record.Search{s})
	assert.Empty(t, e.Candidates(ds[0]))
	assert.False(t, e.Attribute(ds)[0].Searched)
}

func TestAttributeDeduplicatesAndIsIdempotent(t *testing.T) {
	ds := normalized(t, disp("1"), disp("1"), disp("2"))
	searches := []record.Search{search(written), search(written.AddDate(0, 0, -2))}
	e := NewEngine(defaultOpts(), ds, searches)

	first := e.Attribute(ds)
	require.Len(t, first, 2, "duplicate rx collapses to one record")
	assert.Equal(t, "1", first[0].RxNumber)
	assert.True(t, first[0].Searched)
	assert.True(t, first[1].Searched)

	searchedCount := 0
	for _, d := range first {
		if d.Searched {
			searchedCount++
		}
	}
	assert.Equal(t, 2, searchedCount, "two matching searches still credit each dispensation once")

	second := e.Attribute(ds)
	assert.Equal(t, first, second)
}

func TestIrrelevantSubjectsNotIndexed(t *testing.T) {
	ds := normalized(t, disp("1"))
	s := search(written)
	s.SubjectID = 99
	e := NewEngine(defaultOpts(), ds, []record.Search{s, search(written)})
	assert.Len(t, e.index, 1)
	assert.Len(t, e.index[1], 1)
}
