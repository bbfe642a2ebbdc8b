package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/internal/split"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
)

// EditForm is a stored expense unpacked for editing.
type EditForm struct {
	Event        models.FeedEvent
	Participants []string
	Form         split.Form
}

func (s *service) EditForm(ctx context.Context, ownerID, ledgerID, eventID uuid.UUID) (*EditForm, error) {
	ledger, err := s.ownedLedger(ctx, ownerID, ledgerID)
	if err != nil {
		return nil, err
	}
	event, err := s.ledgerEvent(ctx, s.feed, ledgerID, eventID)
	if err != nil {
		return nil, err
	}
	if event.Kind != enums.FeedEventKindExpense {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupported, "only expenses can be edited").
			WithDetails(map[string]any{"kind": event.Kind})
	}

	mode := enums.SplitModeExact
	if event.SplitMode != nil {
		mode = *event.SplitMode
	}
	participants := Participants(ledger, s.self)
	return &EditForm{
		Event:        *event,
		Participants: participants,
		Form:         split.InputFromAllocation(mode, event.Amount, event.Allocation, participants),
	}, nil
}
