package split

import (
	"github.com/shopspring/decimal"

	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

// Summary is the short label stored with each expense version.
func Summary(mode enums.SplitMode) string {
	switch mode {
	case enums.SplitModeEqual:
		return "Split equally"
	case enums.SplitModePercent:
		return "Split by percentage"
	default:
		return "Unequal split"
	}
}

// Form is the editable representation of a stored split, keyed by every
// known participant so unselected people show up with zero values.
type Form struct {
	Mode     enums.SplitMode            `json:"split_mode"`
	Selected []string                   `json:"selected"`
	Exact    map[string]decimal.Decimal `json:"exact"`
	Percent  map[string]decimal.Decimal `json:"percent"`
}

// InputFromAllocation rebuilds the edit form for a stored expense. Exact
// amounts come straight from the allocation and percentages are derived
// from amount.
func InputFromAllocation(mode enums.SplitMode, amount decimal.Decimal, allocation dbtypes.Allocation, participants []string) Form {
	form := Form{
		Mode:    mode,
		Exact:   make(map[string]decimal.Decimal, len(participants)),
		Percent: make(map[string]decimal.Decimal, len(participants)),
	}

	names := uniqueNames(append(append([]string{}, participants...), allocation.Participants()...))
	for _, name := range names {
		share := allocation.Share(name)
		form.Exact[name] = share
		if amount.IsPositive() {
			form.Percent[name] = share.Mul(hundred).Div(amount).Round(minorUnitPlaces)
		} else {
			form.Percent[name] = decimal.Zero
		}
		if share.IsPositive() {
			form.Selected = append(form.Selected, name)
		}
	}
	return form
}

// Request turns the form back into a split request.
func (f Form) Request(description string, amount decimal.Decimal, payer string) Request {
	return Request{
		Description:  description,
		Amount:       amount,
		Payer:        payer,
		Mode:         f.Mode,
		Participants: f.Selected,
		Exact:        f.Exact,
		Percent:      f.Percent,
	}
}
