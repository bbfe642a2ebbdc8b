package split

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

func TestSummary(t *testing.T) {
	assert.Equal(t, "Split equally", Summary(enums.SplitModeEqual))
	assert.Equal(t, "Split by percentage", Summary(enums.SplitModePercent))
	assert.Equal(t, "Unequal split", Summary(enums.SplitModeExact))
}

func TestInputFromAllocationBackfillsEveryParticipant(t *testing.T) {
	allocation := dbtypes.Allocation{self: d("25"), "A": d("75")}
	form := InputFromAllocation(enums.SplitModeExact, d("100"), allocation, []string{self, "A", "B"})

	assert.Equal(t, []string{"A", self}, form.Selected)
	require.Len(t, form.Exact, 3)
	assert.True(t, form.Exact["B"].IsZero())
	assert.True(t, d("75").Equal(form.Exact["A"]))
	assert.True(t, d("25").Equal(form.Percent[self]))
	assert.True(t, form.Percent["B"].IsZero())
}

func TestFormRoundTripsThroughCalculate(t *testing.T) {
	original := Request{
		Description: "Rent",
		Amount:      d("200"),
		Payer:       "A",
		Mode:        enums.SplitModePercent,
		Percent:     map[string]decimal.Decimal{self: d("30"), "A": d("70")},
	}
	allocation, err := Calculate(original)
	require.NoError(t, err)

	form := InputFromAllocation(original.Mode, original.Amount, allocation, []string{self, "A"})
	rebuilt, err := Calculate(form.Request(original.Description, original.Amount, original.Payer))
	require.NoError(t, err)
	assertShares(t, map[string]string{self: "60", "A": "140"}, rebuilt)
}
