package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/angelmondragon/splitledger-backend/internal/feed"
	"github.com/angelmondragon/splitledger-backend/internal/split"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
)

// computedExpense is one validated version of an expense with its impact
// stamped for the current user.
type computedExpense struct {
	description string
	amount      decimal.Decimal
	payer       string
	mode        enums.SplitMode
	summary     string
	allocation  dbtypes.Allocation
	impact      decimal.Decimal
}

func (s *service) compute(ledger *models.Ledger, req split.Request) (*computedExpense, error) {
	allocation, err := split.Calculate(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipants(ledger, req.Payer, allocation); err != nil {
		return nil, err
	}
	return &computedExpense{
		description: req.Description,
		amount:      req.Amount,
		payer:       req.Payer,
		mode:        req.Mode,
		summary:     split.Summary(req.Mode),
		allocation:  allocation,
		impact:      split.Impact(allocation, req.Payer, req.Amount, s.self),
	}, nil
}

// Participants lists everyone who can pay or owe on the ledger, the current
// user first.
func Participants(ledger *models.Ledger, self string) []string {
	if ledger.Kind == enums.LedgerKindDirect {
		return []string{self, ledger.Name}
	}
	names := append([]string{}, ledger.Members...)
	sort.Strings(names)
	return append([]string{self}, names...)
}

func (s *service) checkParticipants(ledger *models.Ledger, payer string, allocation dbtypes.Allocation) error {
	errs := s.participantErrors(ledger, payer, allocation.Participants())
	if errs == nil {
		return nil
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, errs, "invalid expense").
		WithDetails(map[string]any{"errors": split.FieldErrors(errs)})
}

// participantErrors reports every name the ledger does not know as a field
// error, combined with multierr.
func (s *service) participantErrors(ledger *models.Ledger, payer string, names []string) error {
	known := make(map[string]struct{})
	for _, name := range Participants(ledger, s.self) {
		known[name] = struct{}{}
	}

	var errs error
	if _, ok := known[payer]; payer != "" && !ok {
		errs = multierr.Append(errs, &split.FieldError{
			Field:   "payer",
			Message: fmt.Sprintf("%q is not a participant of this ledger", payer),
		})
	}
	for _, name := range names {
		if _, ok := known[name]; !ok {
			errs = multierr.Append(errs, &split.FieldError{
				Field:   "participants",
				Message: fmt.Sprintf("%q is not a participant of this ledger", name),
			})
		}
	}
	return errs
}

func (c *computedExpense) apply(event *models.FeedEvent) {
	description, payer, mode, summary := c.description, c.payer, c.mode, c.summary
	event.Description = &description
	event.Amount = c.amount
	event.Payer = &payer
	event.SplitMode = &mode
	event.SplitSummary = &summary
	event.Allocation = c.allocation
	event.BalanceImpact = c.impact
}

func (c *computedExpense) patch() feed.Patch {
	description, payer, mode, summary := c.description, c.payer, c.mode, c.summary
	amount, impact := c.amount, c.impact
	return feed.Patch{
		Description:   &description,
		Amount:        &amount,
		Payer:         &payer,
		SplitMode:     &mode,
		SplitSummary:  &summary,
		Allocation:    c.allocation,
		BalanceImpact: &impact,
	}
}
