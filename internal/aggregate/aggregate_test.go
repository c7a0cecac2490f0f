package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mandatory-use-audit/internal/record"
)

func TestDoseThresholdInclusive(t *testing.T) {
	id := record.Registered(1)
	var ds []record.Dispensation
	for _, dose := range []float64{50, 90, 120} {
		ds = append(ds, record.Dispensation{FinalID: id, DailyDose: dose})
	}
	res := Aggregate(ds, Options{Markers: DefaultMarkers, DoseThreshold: 90})
	assert.Equal(t, 2, res.Tallies[id].RxOverDose)
}

func TestAggregateCountsAndRate(t *testing.T) {
	reg := record.Registered(1)
	unreg := record.Unregistered("AB1234567")
	ds := []record.Dispensation{
		{FinalID: reg, PrescriberIdentifier: "CD7654321", PrescriberName: "ANN LEE", Searched: true, DrugClassText: "OPIATE AGONISTS OPIOID"},
		{FinalID: reg, PrescriberIdentifier: "CD7654321", DrugClassText: "BENZODIAZEPINES (ANXIOLYTIC)"},
		{FinalID: reg, PrescriberIdentifier: "CD7654321", Searched: true, DrugClassText: "opioid lowercase"},
		{FinalID: reg, PrescriberIdentifier: "CD7654321"},
		{FinalID: unreg, PrescriberIdentifier: "AB1234567", PrescriberName: "BOB ROSS"},
		{FinalID: unreg, PrescriberIdentifier: "AB1234567", PrescriberName: "ROBERT ROSS"},
	}
	res := Aggregate(ds, Options{Markers: DefaultMarkers, DoseThreshold: 90})

	tally := res.Tallies[reg]
	require.NotNil(t, tally)
	assert.Equal(t, 4, tally.Dispensations)
	assert.Equal(t, 2, tally.Searches)
	assert.InDelta(t, 50.0, tally.SearchRate(), 1e-9)
	assert.Equal(t, 1, tally.OpioidRx, "marker match is case-sensitive")
	assert.Equal(t, 1, tally.SedativeRx)

	assert.Equal(t, 2, res.Tallies[unreg].Dispensations)
	assert.Equal(t, "BOB ROSS", res.ObservedNames["AB1234567"], "first observed name wins")
	assert.Equal(t, "ANN LEE", res.ObservedNames["CD7654321"])

	sorted := res.Sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, reg, sorted[0].FinalID)

	total, searches := res.Totals()
	assert.Equal(t, 6, total)
	assert.Equal(t, 2, searches)
}

func TestMarkersClass(t *testing.T) {
	assert.Equal(t, record.ClassOpioid, DefaultMarkers.Class("OPIOID AGONISTS"))
	assert.Equal(t, record.ClassSedative, DefaultMarkers.Class("BENZODIAZEPINES"))
	assert.Equal(t, record.ClassOther, DefaultMarkers.Class("STIMULANTS"))
}
