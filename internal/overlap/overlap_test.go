package overlap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandatory-use-audit/internal/aggregate"
	"mandatory-use-audit/internal/period"
	"mandatory-use-audit/internal/record"
)

var (
	dob      = time.Date(1975, 2, 3, 0, 0, 0, 0, time.UTC)
	april    = period.Period{First: day(2024, 4, 1), Last: day(2024, 4, 30)}
	sedPresc = record.Registered(1)
	opiPresc = record.Unregistered("AB1234567")
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sedative(written, filled, created, end time.Time) record.Therapy {
	return record.Therapy{
		FinalID: sedPresc, PatientDOB: dob, PatientName: "JANE DOE", DrugClassText: "BENZODIAZEPINES",
		WrittenDate: written, FilledDate: filled, CreatedDate: created, TherapyEnd: end,
	}
}

func opioid(written, filled, created, end time.Time) record.Therapy {
	return record.Therapy{
		FinalID: opiPresc, PatientDOB: dob, PatientName: "JANE DOE", DrugClassText: "OPIOID AGONISTS",
		WrittenDate: written, FilledDate: filled, CreatedDate: created, TherapyEnd: end,
	}
}

func opts(mode Mode) Options {
	return Options{Mode: mode, Ratio: 0.9, Markers: aggregate.DefaultMarkers, Period: april, Workers: 2}
}

func TestPartOnlyFixture(t *testing.T) {
	sed := sedative(day(2024, 3, 30), day(2024, 4, 1), day(2024, 4, 5), day(2024, 4, 30))
	opi := opioid(day(2024, 4, 3), day(2024, 4, 3), day(2024, 4, 3), day(2024, 4, 10))

	assert.True(t, PartOverlap(sed, opi))
	assert.False(t, LastOverlap(sed, opi))

	res := Detect([]record.Therapy{sed, opi}, opts(ModeBoth))
	require.Len(t, res.PartPairs, 1)
	assert.Empty(t, res.LastPairs)
	assert.Equal(t, 1, res.Part[opiPresc])
	assert.Zero(t, res.Part[sedPresc], "sedative written before the period is not credited")
	assert.Empty(t, res.Last)
}

func TestLastOnlyFixture(t *testing.T) {
	sed := sedative(day(2024, 3, 28), day(2024, 4, 10), day(2024, 4, 1), day(2024, 5, 10))
	opi := opioid(day(2024, 4, 5), day(2024, 4, 5), day(2024, 4, 5), day(2024, 4, 12))

	assert.False(t, PartOverlap(sed, opi))
	assert.True(t, LastOverlap(sed, opi))

	res := Detect([]record.Therapy{sed, opi}, opts(ModeBoth))
	assert.Empty(t, res.PartPairs)
	require.Len(t, res.LastPairs, 1)
	assert.Equal(t, 1, res.Last[opiPresc], "later-written opioid is credited")
	assert.Zero(t, res.Last[sedPresc])
}

func TestLastCreditsOnlyLaterWrittenSide(t *testing.T) {
	sed := sedative(day(2024, 4, 2), day(2024, 4, 2), day(2024, 4, 2), day(2024, 5, 2))
	opi := opioid(day(2024, 4, 20), day(2024, 4, 20), day(2024, 4, 20), day(2024, 5, 20))

	res := Detect([]record.Therapy{sed, opi}, opts(ModeBoth))
	assert.Equal(t, 1, res.Part[sedPresc], "part credits every in-period side")
	assert.Equal(t, 1, res.Part[opiPresc])
	assert.Zero(t, res.Last[sedPresc])
	assert.Equal(t, 1, res.Last[opiPresc])
}

func TestLastExcludesSameDayPairs(t *testing.T) {
	sed := sedative(day(2024, 4, 10), day(2024, 4, 10), day(2024, 4, 10), day(2024, 5, 10))
	opi := opioid(day(2024, 4, 10), day(2024, 4, 10), day(2024, 4, 9), day(2024, 5, 1))

	require.True(t, LastOverlap(sed, opi))
	res := Detect([]record.Therapy{sed, opi}, opts(ModeBoth))

	require.Len(t, res.LastPairs, 1, "the pair is confirmed")
	assert.False(t, res.LastPairs[0].SedativeCredited)
	assert.False(t, res.LastPairs[0].OpioidCredited)
	assert.Empty(t, res.Last, "equal written dates credit neither side")
	assert.Equal(t, 1, res.Part[sedPresc])
	assert.Equal(t, 1, res.Part[opiPresc])
}

func TestNameConfirmationRejectsDOBCollisions(t *testing.T) {
	sed := sedative(day(2024, 4, 2), day(2024, 4, 2), day(2024, 4, 2), day(2024, 5, 2))
	opi := opioid(day(2024, 4, 20), day(2024, 4, 20), day(2024, 4, 20), day(2024, 5, 20))
	opi.PatientName = "JOHN SMITH"

	res := Detect([]record.Therapy{sed, opi}, opts(ModeBoth))
	assert.Empty(t, res.PartPairs)
	assert.Empty(t, res.LastPairs)

	opi.PatientName = "JANE DOE"
	opi.PatientDOB = dob.AddDate(0, 0, 1)
	res = Detect([]record.Therapy{sed, opi}, opts(ModeBoth))
	assert.Empty(t, res.PartPairs, "different dates of birth never pair")
}

func TestModeSelectsPolicies(t *testing.T) {
	sed := sedative(day(2024, 4, 2), day(2024, 4, 2), day(2024, 4, 2), day(2024, 5, 2))
	opi := opioid(day(2024, 4, 20), day(2024, 4, 20), day(2024, 4, 20), day(2024, 5, 20))

	part := Detect([]record.Therapy{sed, opi}, opts(ModePart))
	assert.NotNil(t, part.Part)
	assert.Nil(t, part.Last)

	last := Detect([]record.Therapy{sed, opi}, opts(ModeLast))
	assert.Nil(t, last.Part)
	assert.NotNil(t, last.Last)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLast, m)
	m, err = ParseMode("BOTH")
	require.NoError(t, err)
	assert.True(t, m.Part() && m.Last())
	_, err = ParseMode("any")
	assert.Error(t, err)
}
