package split

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
)

var (
	// ExactTolerance is the absolute drift allowed between exact shares and the amount.
	ExactTolerance = decimal.RequireFromString("0.01")
	// PercentTolerance is the absolute drift allowed from 100 percent.
	PercentTolerance = decimal.RequireFromString("0.1")
	// MaxAmount bounds a single expense well inside the stored numeric range,
	// leaving room for balances that accumulate many of them.
	MaxAmount = decimal.New(1, 12)
)

// FieldError is one active problem with a split request. Sum and Target are
// set for total mismatches so callers can show the discrepancy.
type FieldError struct {
	Field   string           `json:"field"`
	Message string           `json:"message"`
	Sum     *decimal.Decimal `json:"sum,omitempty"`
	Target  *decimal.Decimal `json:"target,omitempty"`
}

func (e *FieldError) Error() string {
	if e.Sum != nil && e.Target != nil {
		return fmt.Sprintf("%s: %s (sum %s, target %s)", e.Field, e.Message, e.Sum.String(), e.Target.String())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field, message string) error {
	return &FieldError{Field: field, Message: message}
}

func mismatch(field, message string, sum, target decimal.Decimal) error {
	return &FieldError{Field: field, Message: message, Sum: &sum, Target: &target}
}

// Check returns every active validation error for req combined with
// multierr, or nil. It is cheap enough to run on each keystroke.
func Check(req Request) error {
	var err error
	if strings.TrimSpace(req.Description) == "" {
		err = multierr.Append(err, fieldError("description", "description is required"))
	}
	if !req.Amount.IsPositive() {
		err = multierr.Append(err, fieldError("amount", "amount must be greater than zero"))
	} else if !req.Amount.LessThan(MaxAmount) {
		err = multierr.Append(err, fieldError("amount", fmt.Sprintf("amount must be less than %s", MaxAmount.String())))
	}
	if tooPrecise(req.Amount) {
		err = multierr.Append(err, fieldError("amount", fmt.Sprintf("amount has more than %d decimal places", StoredPlaces)))
	}
	if strings.TrimSpace(req.Payer) == "" {
		err = multierr.Append(err, fieldError("payer", "payer is required"))
	}

	switch req.Mode {
	case enums.SplitModeEqual:
		if len(uniqueNames(req.Participants)) == 0 {
			err = multierr.Append(err, fieldError("participants", "select at least one participant"))
		}
	case enums.SplitModeExact:
		err = multierr.Append(err, checkEntries("exact", req.Exact))
		for name, share := range req.Exact {
			if tooPrecise(share) {
				err = multierr.Append(err, fieldError("exact."+name, fmt.Sprintf("share has more than %d decimal places", StoredPlaces)))
			}
		}
		sum := sumOf(req.Exact)
		if sum.Sub(req.Amount).Abs().GreaterThan(ExactTolerance) {
			err = multierr.Append(err, mismatch("exact", "shares must add up to the amount", sum, req.Amount))
		}
	case enums.SplitModePercent:
		err = multierr.Append(err, checkEntries("percent", req.Percent))
		for name, pct := range req.Percent {
			if pct.GreaterThan(hundred) {
				err = multierr.Append(err, fieldError("percent."+name, "percentage cannot exceed 100"))
			}
		}
		sum := sumOf(req.Percent)
		if sum.Sub(hundred).Abs().GreaterThan(PercentTolerance) {
			err = multierr.Append(err, mismatch("percent", "percentages must add up to 100", sum, hundred))
		}
	default:
		err = multierr.Append(err, fieldError("split_mode", fmt.Sprintf("unknown split mode %q", req.Mode)))
	}
	return err
}

func checkEntries(field string, entries map[string]decimal.Decimal) error {
	var err error
	if len(entries) == 0 {
		return fieldError(field, "at least one participant is required")
	}
	for name, value := range entries {
		if strings.TrimSpace(name) == "" {
			err = multierr.Append(err, fieldError(field, "participant name is required"))
			continue
		}
		if value.IsNegative() {
			err = multierr.Append(err, fieldError(field+"."+name, "value cannot be negative"))
		}
	}
	return err
}

func tooPrecise(value decimal.Decimal) bool {
	return !value.Equal(value.Truncate(StoredPlaces))
}

func sumOf(entries map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, value := range entries {
		total = total.Add(value)
	}
	return total
}

// FieldErrors unpacks the errors returned by Check.
func FieldErrors(err error) []*FieldError {
	var out []*FieldError
	for _, e := range multierr.Errors(err) {
		if fe, ok := e.(*FieldError); ok {
			out = append(out, fe)
		}
	}
	return out
}

// Validate wraps Check's result in a VALIDATION_ERROR carrying every field
// error as details.
func Validate(req Request) error {
	err := Check(req)
	if err == nil {
		return nil
	}
	fields := FieldErrors(err)
	message := "invalid split"
	if len(fields) > 0 {
		message = fields[0].Error()
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, message).WithDetails(map[string]any{
		"errors": fields,
	})
}
