package workflow

import (
	"testing"

	"bitbucket.org/fonodata/royalty_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func party(id int, value models.DecisionValue) models.InvolvedParty {
	return models.InvolvedParty{
		ID:       id,
		Decision: &models.Decision{InvolvedPartyId: id, Value: value},
	}
}

func TestTallyDecisionsOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		parties   []models.InvolvedParty
		complete  bool
		accepters int
	}{
		{
			name: "all accept",
			parties: []models.InvolvedParty{
				party(1, models.DecisionValueAccepted),
				party(2, models.DecisionValueAccepted),
			},
			complete:  true,
			accepters: 2,
		},
		{
			name: "all reject",
			parties: []models.InvolvedParty{
				party(1, models.DecisionValueRejected),
				party(2, models.DecisionValueRejected),
			},
			complete:  true,
			accepters: 0,
		},
		{
			name: "mixed",
			parties: []models.InvolvedParty{
				party(1, models.DecisionValueAccepted),
				party(2, models.DecisionValueRejected),
				party(3, models.DecisionValueAccepted),
			},
			complete:  true,
			accepters: 2,
		},
		{
			name: "one still pending",
			parties: []models.InvolvedParty{
				party(1, models.DecisionValueAccepted),
				party(2, models.DecisionValuePending),
			},
			complete: false,
		},
		{
			name: "missing decision row counts as pending",
			parties: []models.InvolvedParty{
				party(1, models.DecisionValueAccepted),
				{ID: 2},
			},
			complete: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			complete, accepters := tallyDecisions(tc.parties)
			require.Equal(t, tc.complete, complete)
			if tc.complete {
				require.Len(t, accepters, tc.accepters)
			}
		})
	}
}

func TestEqualSplitEvenParts(t *testing.T) {
	parts := EqualSplit(dec("100"), 4)
	require.Len(t, parts, 4)
	for _, p := range parts {
		require.True(t, p.Equal(dec("25")), "got %s", p)
	}
}

func TestEqualSplitRemainderOnFirstPart(t *testing.T) {
	parts := EqualSplit(dec("100"), 3)
	require.Len(t, parts, 3)
	require.True(t, parts[0].Equal(dec("33.34")), "got %s", parts[0])
	require.True(t, parts[1].Equal(dec("33.33")), "got %s", parts[1])
	require.True(t, parts[2].Equal(dec("33.33")), "got %s", parts[2])

	total := decimal.Zero
	for _, p := range parts {
		total = total.Add(p)
	}
	require.True(t, total.Equal(dec("100")))
}

func TestEqualSplitSingleParty(t *testing.T) {
	parts := EqualSplit(dec("62.50"), 1)
	require.Len(t, parts, 1)
	require.True(t, parts[0].Equal(dec("62.50")))
}

func TestEqualSplitNoParties(t *testing.T) {
	require.Nil(t, EqualSplit(dec("100"), 0))
	require.Nil(t, EqualSplit(dec("100"), -2))
}

func TestDisputedShareStaysWithinHundred(t *testing.T) {
	// Resolution splits whatever the uninvolved owners leave free. With 30%
	// held outside the conflict, 70% is split among the accepting parties and
	// the phonogram stays at exactly 100%.
	uninvolved := dec("30")
	disputed := dec("100").Sub(uninvolved)
	parts := EqualSplit(disputed, 3)

	total := uninvolved
	for _, p := range parts {
		total = total.Add(p)
	}
	require.True(t, total.Equal(dec("100")), "got %s", total)
}
