package split

import (
	"sort"

	"github.com/shopspring/decimal"

	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
)

const (
	minorUnitPlaces = 2
	// StoredPlaces is the scale of every persisted amount, share and balance.
	StoredPlaces = 6
)

var hundred = decimal.NewFromInt(100)

// Request carries the live expense form. Only the input matching Mode is read:
// Participants for equal, Exact for exact, Percent for percent.
type Request struct {
	Description  string
	Amount       decimal.Decimal
	Payer        string
	Mode         enums.SplitMode
	Participants []string
	Exact        map[string]decimal.Decimal
	Percent      map[string]decimal.Decimal
}

// Calculate validates req and returns the allocation it describes.
func Calculate(req Request) (dbtypes.Allocation, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	return allocate(req), nil
}

func allocate(req Request) dbtypes.Allocation {
	switch req.Mode {
	case enums.SplitModeEqual:
		return equalShares(req.Amount, req.Payer, req.Participants)
	case enums.SplitModeExact:
		out := make(dbtypes.Allocation, len(req.Exact))
		for name, share := range req.Exact {
			out[name] = share
		}
		return out
	case enums.SplitModePercent:
		return percentShares(req.Amount, req.Payer, req.Percent)
	}
	return nil
}

// percentShares truncates every share to the stored scale and hands what the
// truncation dropped to the payer when they take part, otherwise to the first
// participant by name. The shares add up to the percentage total of amount
// at the stored scale, which is amount itself when the percentages sum to 100.
func percentShares(amount decimal.Decimal, payer string, percent map[string]decimal.Decimal) dbtypes.Allocation {
	out := make(dbtypes.Allocation, len(percent))
	names := make([]string, 0, len(percent))
	allocated := decimal.Zero
	for name, pct := range percent {
		share := amount.Mul(pct).Div(hundred).Truncate(StoredPlaces)
		out[name] = share
		allocated = allocated.Add(share)
		names = append(names, name)
	}
	if len(names) == 0 {
		return out
	}
	target := amount.Mul(sumOf(percent)).Div(hundred).Round(StoredPlaces)
	giveRemainder(out, payer, names, target.Sub(allocated))
	return out
}

// equalShares floors every share to the minor unit and hands the leftover
// cents to the payer when they are included, otherwise to the first
// participant by name. Shares always sum to amount.
func equalShares(amount decimal.Decimal, payer string, participants []string) dbtypes.Allocation {
	names := uniqueNames(participants)
	if len(names) == 0 {
		return dbtypes.Allocation{}
	}

	count := decimal.NewFromInt(int64(len(names)))
	base := amount.Div(count).Truncate(minorUnitPlaces)
	remainder := amount.Sub(base.Mul(count))

	out := make(dbtypes.Allocation, len(names))
	for _, name := range names {
		out[name] = base
	}
	giveRemainder(out, payer, names, remainder)
	return out
}

// giveRemainder adds remainder to the payer's share, or to the first of names
// in sorted order when the payer has none.
func giveRemainder(out dbtypes.Allocation, payer string, names []string, remainder decimal.Decimal) {
	if remainder.IsZero() || len(names) == 0 {
		return
	}
	if _, ok := out[payer]; ok {
		out[payer] = out[payer].Add(remainder)
		return
	}
	sort.Strings(names)
	out[names[0]] = out[names[0]].Add(remainder)
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Impact is the signed delta an expense applies to its ledger balance, seen
// from self. A positive value means the counterparty owes self.
func Impact(allocation dbtypes.Allocation, payer string, amount decimal.Decimal, self string) decimal.Decimal {
	selfShare := allocation.Share(self)
	if payer == self {
		return amount.Sub(selfShare)
	}
	return selfShare.Neg()
}
