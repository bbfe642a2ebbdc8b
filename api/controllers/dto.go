package controllers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/internal/split"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	"github.com/angelmondragon/splitledger-backend/pkg/types"
)

// Formatter renders amounts for display. Persisted values stay numeric.
type Formatter interface {
	Display(amount decimal.Decimal) string
}

func display(f Formatter, amount decimal.Decimal) string {
	if f == nil {
		return ""
	}
	return f.Display(amount)
}

type createLedgerRequest struct {
	Name    string   `json:"name" validate:"required,max=120"`
	Kind    string   `json:"kind" validate:"required,oneof=direct group"`
	Members []string `json:"members" validate:"max=50,dive,max=120"`
}

type addMemberRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

type messageRequest struct {
	Text   string `json:"text" validate:"required,max=2000"`
	Sender string `json:"sender" validate:"omitempty,oneof=self other"`
}

// expenseRequest carries live form input. Field rules beyond the split mode
// are checked by the split calculator so every error comes back at once.
type expenseRequest struct {
	Description  string                     `json:"description"`
	Amount       decimal.Decimal            `json:"amount"`
	Payer        string                     `json:"payer"`
	SplitMode    string                     `json:"split_mode" validate:"required,oneof=equal exact percent"`
	Participants []string                   `json:"participants"`
	Exact        map[string]decimal.Decimal `json:"exact"`
	Percent      map[string]decimal.Decimal `json:"percent"`
}

func (r expenseRequest) toSplit() split.Request {
	return split.Request{
		Description:  r.Description,
		Amount:       r.Amount,
		Payer:        r.Payer,
		Mode:         enums.SplitMode(r.SplitMode),
		Participants: r.Participants,
		Exact:        r.Exact,
		Percent:      r.Percent,
	}
}

type ledgerResponse struct {
	ID             uuid.UUID        `json:"id"`
	Name           string           `json:"name"`
	Kind           enums.LedgerKind `json:"kind"`
	Members        []string         `json:"members"`
	Balance        decimal.Decimal  `json:"balance"`
	BalanceDisplay string           `json:"balance_display,omitempty"`
	LastActivityAt time.Time        `json:"last_activity_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

func newLedgerResponse(l *models.Ledger, f Formatter) *ledgerResponse {
	if l == nil {
		return nil
	}
	members := []string(l.Members)
	if members == nil {
		members = []string{}
	}
	return &ledgerResponse{
		ID:             l.ID,
		Name:           l.Name,
		Kind:           l.Kind,
		Members:        members,
		Balance:        l.Balance,
		BalanceDisplay: display(f, l.Balance),
		LastActivityAt: l.LastActivityAt,
		CreatedAt:      l.CreatedAt,
	}
}

type eventResponse struct {
	ID            uuid.UUID            `json:"id"`
	LedgerID      uuid.UUID            `json:"ledger_id"`
	Kind          enums.FeedEventKind  `json:"kind"`
	Text          *string              `json:"text,omitempty"`
	Sender        *enums.MessageSender `json:"sender,omitempty"`
	Description   *string              `json:"description,omitempty"`
	Amount        *decimal.Decimal     `json:"amount,omitempty"`
	AmountDisplay string               `json:"amount_display,omitempty"`
	Payer         *string              `json:"payer,omitempty"`
	SplitMode     *enums.SplitMode     `json:"split_mode,omitempty"`
	SplitSummary  *string              `json:"split_summary,omitempty"`
	Allocation    dbtypes.Allocation   `json:"allocation,omitempty"`
	BalanceImpact decimal.Decimal      `json:"balance_impact"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func newEventResponse(e *models.FeedEvent, f Formatter) *eventResponse {
	if e == nil {
		return nil
	}
	resp := &eventResponse{
		ID:            e.ID,
		LedgerID:      e.LedgerID,
		Kind:          e.Kind,
		Text:          e.Text,
		Sender:        e.Sender,
		Description:   e.Description,
		Payer:         e.Payer,
		SplitMode:     e.SplitMode,
		SplitSummary:  e.SplitSummary,
		Allocation:    e.Allocation,
		BalanceImpact: e.BalanceImpact,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.Kind.AffectsBalance() {
		amount := e.Amount
		resp.Amount = &amount
		resp.AmountDisplay = display(f, amount)
	}
	return resp
}

func newEventResponses(events []models.FeedEvent, f Formatter) []*eventResponse {
	out := make([]*eventResponse, 0, len(events))
	for i := range events {
		out = append(out, newEventResponse(&events[i], f))
	}
	return out
}

type writeResponse struct {
	Status string `json:"status"`
	// WriteID is set on deferred writes; GET /writes/{writeId} reports how
	// they resolved.
	WriteID *uuid.UUID      `json:"write_id,omitempty"`
	Noop    bool            `json:"noop,omitempty"`
	Ledger  *ledgerResponse `json:"ledger,omitempty"`
	Event   *eventResponse  `json:"event,omitempty"`
	Delta   decimal.Decimal `json:"delta"`
}

func newWriteResponse(result *ledger.WriteResult, f Formatter) writeResponse {
	status := db.WriteCommitted
	if result.Write != nil {
		status = result.Write.Status()
	}
	resp := writeResponse{
		Status: string(status),
		Noop:   result.Noop,
		Ledger: newLedgerResponse(result.Ledger, f),
		Event:  newEventResponse(result.Event, f),
		Delta:  result.Delta,
	}
	if id := result.Write.ID(); id != uuid.Nil {
		resp.WriteID = &id
	}
	return resp
}

type writeStatusResponse struct {
	ID         uuid.UUID       `json:"id"`
	LedgerID   uuid.UUID       `json:"ledger_id"`
	Operation  string          `json:"operation"`
	Status     string          `json:"status"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Error      *types.APIError `json:"error,omitempty"`
}

func newWriteStatusResponse(status *ledger.WriteStatus) writeStatusResponse {
	resp := writeStatusResponse{
		ID:         status.ID,
		LedgerID:   status.LedgerID,
		Operation:  status.Operation,
		Status:     string(status.Status),
		ResolvedAt: status.ResolvedAt,
	}
	if status.Err != nil {
		resp.Error = &types.APIError{
			Code:    string(status.Err.Code()),
			Message: status.Err.Message(),
		}
	}
	return resp
}

// writeStatusCode maps a write outcome to HTTP: deferred writes are accepted,
// committed creations are created.
func writeStatusCode(result *ledger.WriteResult, created bool) int {
	if result.Write != nil && result.Write.Status() == db.WriteDeferred {
		return http.StatusAccepted
	}
	if created && !result.Noop {
		return http.StatusCreated
	}
	return http.StatusOK
}

type listLedgersResponse struct {
	Items  []*ledgerResponse `json:"items"`
	Cursor string            `json:"cursor,omitempty"`
}

type totalsResponse struct {
	TotalOwed        decimal.Decimal `json:"total_owed"`
	TotalOwedDisplay string          `json:"total_owed_display,omitempty"`
	TotalDebt        decimal.Decimal `json:"total_debt"`
	TotalDebtDisplay string          `json:"total_debt_display,omitempty"`
	Net              decimal.Decimal `json:"net"`
	NetDisplay       string          `json:"net_display,omitempty"`
	Ledgers          int             `json:"ledgers"`
}

type previewResponse struct {
	Valid         bool                `json:"valid"`
	Allocation    dbtypes.Allocation  `json:"allocation,omitempty"`
	Impact        decimal.Decimal     `json:"impact"`
	ImpactDisplay string              `json:"impact_display,omitempty"`
	Summary       string              `json:"summary,omitempty"`
	Errors        []*split.FieldError `json:"errors"`
}

type editFormResponse struct {
	Event        *eventResponse `json:"event"`
	Participants []string       `json:"participants"`
	Form         split.Form     `json:"form"`
}

type divergenceResponse struct {
	EventID    uuid.UUID       `json:"event_id"`
	Stored     decimal.Decimal `json:"stored"`
	Recomputed decimal.Decimal `json:"recomputed"`
}

type auditResponse struct {
	LedgerID    uuid.UUID            `json:"ledger_id"`
	Balance     decimal.Decimal      `json:"balance"`
	ImpactSum   decimal.Decimal      `json:"impact_sum"`
	Drift       decimal.Decimal      `json:"drift"`
	Events      int                  `json:"events"`
	Consistent  bool                 `json:"consistent"`
	Divergences []divergenceResponse `json:"divergences"`
}
