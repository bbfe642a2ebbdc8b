package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/internal/feed"
	"github.com/angelmondragon/splitledger-backend/internal/split"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/splitledger-backend/pkg/db/types"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/pagination"
)

// Service is the reconciliation engine. It is the only writer of a ledger's
// balance, which always equals the sum of the balance impacts of the
// ledger's present expense and settlement events.
type Service interface {
	CreateLedger(ctx context.Context, input CreateLedgerInput) (*WriteResult, error)
	GetLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) (*models.Ledger, error)
	ListLedgers(ctx context.Context, params ListParams) (*ListResult, error)
	Summary(ctx context.Context, ownerID uuid.UUID) (*Totals, error)
	AddMember(ctx context.Context, ownerID, ledgerID uuid.UUID, name string) (*WriteResult, error)
	DeleteLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) (*WriteResult, error)

	Feed(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]models.FeedEvent, error)
	Watch(ctx context.Context, ownerID, ledgerID uuid.UUID, onChange func([]models.FeedEvent)) error

	PostMessage(ctx context.Context, input MessageInput) (*WriteResult, error)
	AddExpense(ctx context.Context, input ExpenseInput) (*WriteResult, error)
	EditExpense(ctx context.Context, input EditExpenseInput) (*WriteResult, error)
	DeleteEvent(ctx context.Context, ownerID, ledgerID, eventID uuid.UUID) (*WriteResult, error)
	Settle(ctx context.Context, ownerID, ledgerID uuid.UUID) (*WriteResult, error)

	EditForm(ctx context.Context, ownerID, ledgerID, eventID uuid.UUID) (*EditForm, error)
	Preview(ctx context.Context, ownerID, ledgerID uuid.UUID, req split.Request) (*Preview, error)
	Audit(ctx context.Context, ownerID, ledgerID uuid.UUID) (*AuditReport, error)
	WriteStatus(ctx context.Context, ownerID, writeID uuid.UUID) (*WriteStatus, error)
}

// Notifier is told about events a counterparty should hear about. Calls are
// best-effort; errors are logged and never reach the caller.
type Notifier interface {
	ExpenseAdded(ctx context.Context, ledger models.Ledger, event models.FeedEvent) error
	MessagePosted(ctx context.Context, ledger models.Ledger, event models.FeedEvent) error
}

type writer interface {
	Submit(ctx context.Context, job db.Job) (*db.PendingWrite, error)
}

type operationObserver interface {
	ObserveSuccess(operation, status string, duration time.Duration)
	ObserveFailure(operation, code string, duration time.Duration)
}

// CreateLedgerInput describes a new ledger.
type CreateLedgerInput struct {
	OwnerID uuid.UUID
	Name    string
	Kind    enums.LedgerKind
	Members []string
}

// MessageInput describes a free-form message.
type MessageInput struct {
	OwnerID  uuid.UUID
	LedgerID uuid.UUID
	Text     string
	Sender   enums.MessageSender
}

// ExpenseInput describes a new expense.
type ExpenseInput struct {
	OwnerID  uuid.UUID
	LedgerID uuid.UUID
	Split    split.Request
}

// EditExpenseInput replaces the fields of an existing expense.
type EditExpenseInput struct {
	OwnerID  uuid.UUID
	LedgerID uuid.UUID
	EventID  uuid.UUID
	Split    split.Request
}

// WriteResult reports a mutation. When Write is deferred the database has
// not confirmed anything yet: Event holds the event as submitted, Ledger is
// nil and Delta is zero; Write.ID() can be looked up with WriteStatus.
type WriteResult struct {
	Ledger *models.Ledger
	Event  *models.FeedEvent
	Delta  decimal.Decimal
	Write  *db.PendingWrite
	// Noop is set when nothing needed writing, e.g. settling a zero balance.
	Noop bool
}

// ListParams configures ledger directory pagination.
type ListParams struct {
	OwnerID uuid.UUID
	Limit   int
	Cursor  string
}

// ListResult is one page of ledgers ordered by last activity.
type ListResult struct {
	Items  []models.Ledger
	Cursor string
}

// Totals summarises every ledger of an owner.
type Totals struct {
	TotalOwed decimal.Decimal
	TotalDebt decimal.Decimal
	Net       decimal.Decimal
	Ledgers   int
}

// Preview is a side-effect free evaluation of live split input.
type Preview struct {
	Allocation dbtypes.Allocation
	Impact     decimal.Decimal
	Summary    string
	Errors     []*split.FieldError
	Valid      bool
}

type ServiceParams struct {
	Ledgers  Repository
	Feed     feed.Store
	Writer   writer
	Notifier Notifier
	Metrics  operationObserver
	Logger   *logger.Logger
	SelfName string
	Clock    func() time.Time
}

type service struct {
	ledgers  Repository
	feed     feed.Store
	writer   writer
	notifier Notifier
	metrics  operationObserver
	logg     *logger.Logger
	self     string
	now      func() time.Time
	writes   *writeTracker
}

// NewService wires the reconciliation engine.
func NewService(params ServiceParams) (Service, error) {
	if params.Ledgers == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Feed == nil {
		return nil, fmt.Errorf("feed store required")
	}
	if params.Writer == nil {
		return nil, fmt.Errorf("writer required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(params.SelfName) == "" {
		return nil, fmt.Errorf("self participant name required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		ledgers:  params.Ledgers,
		feed:     params.Feed,
		writer:   params.Writer,
		notifier: params.Notifier,
		metrics:  params.Metrics,
		logg:     params.Logger,
		self:     params.SelfName,
		now:      clock,
		writes:   newWriteTracker(clock),
	}, nil
}

func (s *service) CreateLedger(ctx context.Context, input CreateLedgerInput) (*WriteResult, error) {
	start := time.Now()
	result, err := s.createLedger(ctx, input)
	return s.observe("create_ledger", start, result, err)
}

func (s *service) createLedger(ctx context.Context, input CreateLedgerInput) (*WriteResult, error) {
	if input.OwnerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "ledger name is required")
	}
	if !input.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger kind %q", input.Kind))
	}
	if name == s.self {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "ledger name cannot be the current user")
	}

	members := dbtypes.NameList{}
	if input.Kind == enums.LedgerKindGroup {
		for _, raw := range input.Members {
			member, err := s.checkMemberName(members, raw)
			if err != nil {
				return nil, err
			}
			members = append(members, member)
		}
	} else if len(input.Members) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "direct ledgers have exactly one counterparty")
	}

	now := s.now()
	ledger := &models.Ledger{
		ID:             uuid.New(),
		OwnerID:        input.OwnerID,
		Name:           name,
		Kind:           input.Kind,
		Members:        members,
		Balance:        decimal.Zero,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	pending, err := s.submit(ctx, input.OwnerID, ledger.ID, db.Job{
		Name: "create_ledger",
		Run: func(tx *gorm.DB) error {
			row := *ledger
			return s.ledgers.WithTx(tx).Create(txContext(tx, ctx), &row)
		},
		Applied: func(tx *gorm.DB) (bool, error) {
			_, err := s.ledgers.WithTx(tx).FindByID(txContext(tx, ctx), ledger.ID)
			if errors.Is(err, ErrLedgerNotFound) {
				return false, nil
			}
			return err == nil, err
		},
		OnFailure: s.conflictOnFailure("create_ledger", "ledger "+name),
	})
	if err != nil {
		return nil, err
	}
	result := &WriteResult{Write: pending, Delta: decimal.Zero}
	if pending.Status() == db.WriteCommitted {
		result.Ledger = ledger
	}
	s.logg.Info(s.logg.WithLedgerID(ctx, ledger.ID.String()), "ledger created")
	return result, nil
}

func (s *service) checkMemberName(existing dbtypes.NameList, raw string) (string, error) {
	member := strings.TrimSpace(raw)
	if member == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "member name is required")
	}
	if member == s.self {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "the current user is always a member")
	}
	if existing.Contains(member) {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("member %q already exists", member))
	}
	return member, nil
}

func (s *service) GetLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) (*models.Ledger, error) {
	return s.ownedLedger(ctx, ownerID, ledgerID)
}

func (s *service) ListLedgers(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.OwnerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	query := listLedgersParams{OwnerID: params.OwnerID, Limit: params.Limit}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, next, err := s.ledgers.ListByOwner(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledgers")
	}
	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &ListResult{Items: rows, Cursor: cursor}, nil
}

func (s *service) Summary(ctx context.Context, ownerID uuid.UUID) (*Totals, error) {
	if ownerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	rows, err := s.ledgers.ListAllByOwner(ctx, ownerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledgers")
	}
	totals := &Totals{TotalOwed: decimal.Zero, TotalDebt: decimal.Zero, Ledgers: len(rows)}
	for _, row := range rows {
		if row.Balance.IsPositive() {
			totals.TotalOwed = totals.TotalOwed.Add(row.Balance)
		} else if row.Balance.IsNegative() {
			totals.TotalDebt = totals.TotalDebt.Add(row.Balance.Abs())
		}
	}
	totals.Net = totals.TotalOwed.Sub(totals.TotalDebt)
	return totals, nil
}

func (s *service) AddMember(ctx context.Context, ownerID, ledgerID uuid.UUID, name string) (*WriteResult, error) {
	start := time.Now()
	result, err := s.addMember(ctx, ownerID, ledgerID, name)
	return s.observe("add_member", start, result, err)
}

func (s *service) addMember(ctx context.Context, ownerID, ledgerID uuid.UUID, name string) (*WriteResult, error) {
	ledger, err := s.ownedLedger(ctx, ownerID, ledgerID)
	if err != nil {
		return nil, err
	}
	if ledger.Kind != enums.LedgerKindGroup {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupported, "members can only be added to group ledgers")
	}
	member, err := s.checkMemberName(ledger.Members, name)
	if err != nil {
		return nil, err
	}

	var updated *models.Ledger
	pending, err := s.submit(ctx, ownerID, ledgerID, db.Job{
		Name: "add_member",
		Run: func(tx *gorm.DB) error {
			txCtx := txContext(tx, ctx)
			repo := s.ledgers.WithTx(tx)
			current, err := s.lockLedger(txCtx, repo, ledgerID)
			if err != nil {
				return err
			}
			if _, err := s.checkMemberName(current.Members, member); err != nil {
				return err
			}
			members := append(dbtypes.NameList{}, current.Members...)
			members = append(members, member)
			at := s.activityTime(current)
			if err := repo.UpdateMembers(txCtx, current.ID, members, at); err != nil {
				return err
			}
			current.Members = members
			current.LastActivityAt = at
			updated = current
			return nil
		},
		Applied: func(tx *gorm.DB) (bool, error) {
			current, err := s.lockLedger(txContext(tx, ctx), s.ledgers.WithTx(tx), ledgerID)
			if err != nil {
				return false, err
			}
			if !current.Members.Contains(member) {
				return false, nil
			}
			updated = current
			return true, nil
		},
		OnFailure: s.conflictOnFailure("add_member", "member "+member),
	})
	if err != nil {
		return nil, err
	}
	result := &WriteResult{Write: pending, Delta: decimal.Zero}
	if pending.Status() == db.WriteCommitted {
		result.Ledger = updated
	}
	return result, nil
}

func (s *service) DeleteLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) (*WriteResult, error) {
	start := time.Now()
	result, err := s.deleteLedger(ctx, ownerID, ledgerID)
	return s.observe("delete_ledger", start, result, err)
}

func (s *service) deleteLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) (*WriteResult, error) {
	ledger, err := s.ownedLedger(ctx, ownerID, ledgerID)
	if err != nil {
		return nil, err
	}

	var removed int64
	pending, err := s.submit(ctx, ownerID, ledgerID, db.Job{
		Name: "delete_ledger",
		Run: func(tx *gorm.DB) error {
			txCtx := txContext(tx, ctx)
			repo := s.ledgers.WithTx(tx)
			if _, err := s.lockLedger(txCtx, repo, ledgerID); err != nil {
				return err
			}
			n, err := s.feed.WithTx(tx).RemoveByLedger(txCtx, ledgerID)
			if err != nil {
				return err
			}
			removed = n
			return mapLedgerErr(repo.Delete(txCtx, ledgerID))
		},
		Applied: func(tx *gorm.DB) (bool, error) {
			_, err := s.ledgers.WithTx(tx).FindByID(txContext(tx, ctx), ledgerID)
			if errors.Is(err, ErrLedgerNotFound) {
				return true, nil
			}
			return false, err
		},
		OnCommit:  s.afterCommit(ctx, ledgerID, nil),
		OnFailure: s.conflictOnFailure("delete_ledger", "ledger deletion"),
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"write": pending.Status()}
	if pending.Status() == db.WriteCommitted {
		fields["events_removed"] = removed
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithLedgerID(ctx, ledgerID.String()), fields), "ledger deleted")
	return &WriteResult{Ledger: ledger, Write: pending, Delta: decimal.Zero}, nil
}

func (s *service) Feed(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]models.FeedEvent, error) {
	if _, err := s.ownedLedger(ctx, ownerID, ledgerID); err != nil {
		return nil, err
	}
	events, err := s.feed.List(ctx, ledgerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load feed")
	}
	return events, nil
}

func (s *service) Watch(ctx context.Context, ownerID, ledgerID uuid.UUID, onChange func([]models.FeedEvent)) error {
	if _, err := s.ownedLedger(ctx, ownerID, ledgerID); err != nil {
		return err
	}
	if err := s.feed.Subscribe(ctx, ledgerID, onChange); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "watch feed")
	}
	return nil
}

func (s *service) PostMessage(ctx context.Context, input MessageInput) (*WriteResult, error) {
	start := time.Now()
	result, err := s.postMessage(ctx, input)
	return s.observe("post_message", start, result, err)
}

func (s *service) postMessage(ctx context.Context, input MessageInput) (*WriteResult, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message text is required")
	}
	sender := input.Sender
	if sender == "" {
		sender = enums.MessageSenderSelf
	}
	if !sender.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid sender %q", input.Sender))
	}
	if _, err := s.ownedLedger(ctx, input.OwnerID, input.LedgerID); err != nil {
		return nil, err
	}

	event := &models.FeedEvent{
		ID:            uuid.New(),
		LedgerID:      input.LedgerID,
		Kind:          enums.FeedEventKindMessage,
		Text:          &text,
		Sender:        &sender,
		Amount:        decimal.Zero,
		BalanceImpact: decimal.Zero,
		CreatedAt:     s.now(),
	}
	return s.applyCreate(ctx, input.OwnerID, "post_message", event)
}

func (s *service) AddExpense(ctx context.Context, input ExpenseInput) (*WriteResult, error) {
	start := time.Now()
	result, err := s.addExpense(ctx, input)
	return s.observe("add_expense", start, result, err)
}

func (s *service) addExpense(ctx context.Context, input ExpenseInput) (*WriteResult, error) {
	ledger, err := s.ownedLedger(ctx, input.OwnerID, input.LedgerID)
	if err != nil {
		return nil, err
	}
	computed, err := s.compute(ledger, input.Split)
	if err != nil {
		return nil, err
	}

	event := &models.FeedEvent{
		ID:        uuid.New(),
		LedgerID:  ledger.ID,
		Kind:      enums.FeedEventKindExpense,
		CreatedAt: s.now(),
	}
	computed.apply(event)
	return s.applyCreate(ctx, input.OwnerID, "add_expense", event)
}

// applyCreate persists a new event and adds its stamped impact to the ledger
// balance in one unit of work. Messages carry a zero impact.
func (s *service) applyCreate(ctx context.Context, ownerID uuid.UUID, operation string, event *models.FeedEvent) (*WriteResult, error) {
	var updated *models.Ledger
	pending, err := s.submit(ctx, ownerID, event.LedgerID, db.Job{
		Name: operation,
		Run: func(tx *gorm.DB) error {
			txCtx := txContext(tx, ctx)
			repo := s.ledgers.WithTx(tx)
			current, err := s.lockLedger(txCtx, repo, event.LedgerID)
			if err != nil {
				return err
			}
			row := *event
			if _, err := s.feed.WithTx(tx).Append(txCtx, &row); err != nil {
				return err
			}
			next, err := s.moveBalance(txCtx, repo, current, event.BalanceImpact)
			if err != nil {
				return err
			}
			updated = next
			return nil
		},
		Applied: func(tx *gorm.DB) (bool, error) {
			current, stored, err := s.lockedWithEvent(ctx, tx, event.LedgerID, event.ID)
			if err != nil || stored == nil {
				return false, err
			}
			updated = current
			return true, nil
		},
		OnCommit: s.afterCommit(ctx, event.LedgerID, func(notifyCtx context.Context) {
			s.notifyCreated(notifyCtx, updated, *event)
		}),
		OnFailure: s.conflictOnFailure(operation, string(event.Kind)),
	})
	if err != nil {
		return nil, err
	}

	// Captured values are only read once the write is known to be committed;
	// a deferred Run may still be executing on the retry worker.
	result := &WriteResult{Event: event, Write: pending, Delta: decimal.Zero}
	if pending.Status() == db.WriteCommitted {
		result.Ledger = updated
		result.Delta = event.BalanceImpact
	}
	s.logWrite(ctx, operation, result)
	return result, nil
}

func (s *service) EditExpense(ctx context.Context, input EditExpenseInput) (*WriteResult, error) {
	start := time.Now()
	result, err := s.editExpense(ctx, input)
	return s.observe("edit_expense", start, result, err)
}

func (s *service) editExpense(ctx context.Context, input EditExpenseInput) (*WriteResult, error) {
	ledger, err := s.ownedLedger(ctx, input.OwnerID, input.LedgerID)
	if err != nil {
		return nil, err
	}
	computed, err := s.compute(ledger, input.Split)
	if err != nil {
		return nil, err
	}

	var (
		updated *models.Ledger
		edited  *models.FeedEvent
		delta   decimal.Decimal
	)
	// Rerunning is safe: the net change is taken against the stored impact,
	// which is already the new one if an earlier attempt committed.
	pending, err := s.submit(ctx, input.OwnerID, ledger.ID, db.Job{
		Name: "edit_expense",
		Run: func(tx *gorm.DB) error {
			txCtx := txContext(tx, ctx)
			repo := s.ledgers.WithTx(tx)
			store := s.feed.WithTx(tx)
			current, err := s.lockLedger(txCtx, repo, ledger.ID)
			if err != nil {
				return err
			}
			stored, err := s.ledgerEvent(txCtx, store, ledger.ID, input.EventID)
			if err != nil {
				return err
			}
			if stored.Kind != enums.FeedEventKindExpense {
				return pkgerrors.New(pkgerrors.CodeUnsupported, fmt.Sprintf("%s events cannot be edited", stored.Kind)).
					WithDetails(map[string]any{"event_id": stored.ID, "kind": stored.Kind})
			}

			// The old contribution is the stamped value, never a recomputation.
			netChange := computed.impact.Sub(stored.BalanceImpact)
			if err := store.Update(txCtx, stored.ID, computed.patch()); err != nil {
				return mapFeedErr(err)
			}
			next, err := s.moveBalance(txCtx, repo, current, netChange)
			if err != nil {
				return err
			}
			computed.apply(stored)
			updated, edited, delta = next, stored, netChange
			return nil
		},
		OnCommit:  s.afterCommit(ctx, ledger.ID, nil),
		OnFailure: s.conflictOnFailure("edit_expense", "expense edit"),
	})
	if err != nil {
		return nil, err
	}

	result := &WriteResult{Write: pending, Delta: decimal.Zero}
	if pending.Status() == db.WriteCommitted {
		result.Ledger, result.Event, result.Delta = updated, edited, delta
	} else {
		draft := &models.FeedEvent{ID: input.EventID, LedgerID: ledger.ID, Kind: enums.FeedEventKindExpense}
		computed.apply(draft)
		result.Event = draft
	}
	s.logWrite(ctx, "edit_expense", result)
	return result, nil
}

func (s *service) DeleteEvent(ctx context.Context, ownerID, ledgerID, eventID uuid.UUID) (*WriteResult, error) {
	start := time.Now()
	result, err := s.deleteEvent(ctx, ownerID, ledgerID, eventID)
	return s.observe("delete_event", start, result, err)
}

func (s *service) deleteEvent(ctx context.Context, ownerID, ledgerID, eventID uuid.UUID) (*WriteResult, error) {
	if _, err := s.ownedLedger(ctx, ownerID, ledgerID); err != nil {
		return nil, err
	}

	var (
		updated *models.Ledger
		removed *models.FeedEvent
		delta   decimal.Decimal
	)
	pending, err := s.submit(ctx, ownerID, ledgerID, db.Job{
		Name: "delete_event",
		Run: func(tx *gorm.DB) error {
			txCtx := txContext(tx, ctx)
			repo := s.ledgers.WithTx(tx)
			store := s.feed.WithTx(tx)
			current, err := s.lockLedger(txCtx, repo, ledgerID)
			if err != nil {
				return err
			}
			stored, err := s.ledgerEvent(txCtx, store, ledgerID, eventID)
			if err != nil {
				return err
			}
			reversal := decimal.Zero
			if stored.Kind.AffectsBalance() {
				reversal = stored.BalanceImpact.Neg()
			}
			if err := store.Remove(txCtx, stored.ID); err != nil {
				return mapFeedErr(err)
			}
			next, err := s.moveBalance(txCtx, repo, current, reversal)
			if err != nil {
				return err
			}
			updated, removed, delta = next, stored, reversal
			return nil
		},
		Applied: func(tx *gorm.DB) (bool, error) {
			_, err := s.feed.WithTx(tx).Get(txContext(tx, ctx), eventID)
			if errors.Is(err, feed.ErrNotFound) {
				return true, nil
			}
			return false, err
		},
		OnCommit:  s.afterCommit(ctx, ledgerID, nil),
		OnFailure: s.conflictOnFailure("delete_event", "event deletion"),
	})
	if err != nil {
		return nil, err
	}

	result := &WriteResult{Write: pending, Delta: decimal.Zero}
	if pending.Status() == db.WriteCommitted {
		result.Ledger, result.Event, result.Delta = updated, removed, delta
	} else {
		result.Event = &models.FeedEvent{ID: eventID, LedgerID: ledgerID}
	}
	s.logWrite(ctx, "delete_event", result)
	return result, nil
}

// ownedLedger loads a ledger visible to ownerID. Ledgers of other owners are
// reported as missing.
func (s *service) ownedLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) (*models.Ledger, error) {
	if ownerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	ledger, err := s.ledgers.FindByID(ctx, ledgerID)
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	if ledger.OwnerID != ownerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "ledger not found")
	}
	return ledger, nil
}

func (s *service) lockLedger(ctx context.Context, repo Repository, ledgerID uuid.UUID) (*models.Ledger, error) {
	ledger, err := repo.FindForUpdate(ctx, ledgerID)
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	return ledger, nil
}

func (s *service) ledgerEvent(ctx context.Context, store feed.Store, ledgerID, eventID uuid.UUID) (*models.FeedEvent, error) {
	event, err := store.Get(ctx, eventID)
	if err != nil {
		return nil, mapFeedErr(err)
	}
	if event.LedgerID != ledgerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "event not found")
	}
	return event, nil
}

// lockedWithEvent locks the ledger and returns eventID when it is already
// stored, which means an earlier attempt to append it committed.
func (s *service) lockedWithEvent(ctx context.Context, tx *gorm.DB, ledgerID, eventID uuid.UUID) (*models.Ledger, *models.FeedEvent, error) {
	txCtx := txContext(tx, ctx)
	current, err := s.lockLedger(txCtx, s.ledgers.WithTx(tx), ledgerID)
	if err != nil {
		return nil, nil, err
	}
	stored, err := s.feed.WithTx(tx).Get(txCtx, eventID)
	if errors.Is(err, feed.ErrNotFound) {
		return current, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return current, stored, nil
}

// moveBalance adds delta to the locked ledger and refreshes its activity time.
func (s *service) moveBalance(ctx context.Context, repo Repository, current *models.Ledger, delta decimal.Decimal) (*models.Ledger, error) {
	balance := current.Balance.Add(delta)
	at := s.activityTime(current)
	if err := repo.UpdateBalance(ctx, current.ID, balance, at); err != nil {
		return nil, mapLedgerErr(err)
	}
	next := *current
	next.Balance = balance
	next.LastActivityAt = at
	return &next, nil
}

// activityTime never moves lastActivityAt backwards.
func (s *service) activityTime(current *models.Ledger) time.Time {
	now := s.now()
	if current.LastActivityAt.After(now) {
		return current.LastActivityAt
	}
	return now
}

// submit hands job to the writer. Deferred writes are tracked so the owner
// can look up how they resolved.
func (s *service) submit(ctx context.Context, ownerID, ledgerID uuid.UUID, job db.Job) (*db.PendingWrite, error) {
	pending, err := s.writer.Submit(ctx, job)
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "the change was already recorded")
		}
		s.logg.Error(s.logg.WithField(ctx, "job", job.Name), "ledger write failed", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger store unavailable, retry the operation")
	}
	s.writes.track(ownerID, ledgerID, job.Name, pending)
	return pending, nil
}

// afterCommit returns the hook run once a unit of work is durable: feed
// subscribers are told to resync and extra runs best-effort.
func (s *service) afterCommit(ctx context.Context, ledgerID uuid.UUID, extra func(context.Context)) func() {
	detached := context.WithoutCancel(ctx)
	return func() {
		if err := s.feed.Notify(detached, ledgerID); err != nil {
			s.logg.Warn(s.logg.WithField(s.logg.WithLedgerID(detached, ledgerID.String()), "error", err.Error()), "feed change notification failed")
		}
		if extra != nil {
			extra(detached)
		}
	}
}

func (s *service) notifyCreated(ctx context.Context, ledger *models.Ledger, event models.FeedEvent) {
	if s.notifier == nil || ledger == nil {
		return
	}
	var err error
	switch event.Kind {
	case enums.FeedEventKindExpense:
		if event.PayerName() == s.self {
			return
		}
		err = s.notifier.ExpenseAdded(ctx, *ledger, event)
	case enums.FeedEventKindMessage:
		if event.Sender == nil || *event.Sender != enums.MessageSenderOther {
			return
		}
		err = s.notifier.MessagePosted(ctx, *ledger, event)
	default:
		return
	}
	if err != nil {
		logCtx := s.logg.WithEventID(s.logg.WithLedgerID(ctx, ledger.ID.String()), event.ID.String())
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "counterparty notification failed")
	}
}

// logWrite records the outcome of a mutation on the request log.
func (s *service) logWrite(ctx context.Context, operation string, result *WriteResult) {
	ctx = s.logg.WithOperation(ctx, operation)
	fields := map[string]any{
		"write": result.Write.Status(),
		"delta": result.Delta.String(),
	}
	if result.Event != nil {
		ctx = s.logg.WithEventID(s.logg.WithLedgerID(ctx, result.Event.LedgerID.String()), result.Event.ID.String())
		fields["kind"] = result.Event.Kind
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "ledger event applied")
}

func (s *service) observe(operation string, start time.Time, result *WriteResult, err error) (*WriteResult, error) {
	if s.metrics == nil {
		return result, err
	}
	if err != nil {
		s.metrics.ObserveFailure(operation, string(pkgerrors.As(err).Code()), time.Since(start))
		return result, err
	}
	status := string(db.WriteCommitted)
	if result != nil && result.Write != nil {
		status = string(result.Write.Status())
	}
	if result != nil && result.Noop {
		status = "noop"
	}
	s.metrics.ObserveSuccess(operation, status, time.Since(start))
	return result, err
}

// conflictOnFailure turns the terminal failure of a deferred write into the
// conflict the user has to resolve by re-entering the change. The failure is
// counted against operation like any synchronous one.
func (s *service) conflictOnFailure(operation, subject string) func(error) error {
	submitted := time.Now()
	return func(err error) error {
		if s.metrics != nil {
			s.metrics.ObserveFailure(operation, string(pkgerrors.CodeConflict), time.Since(submitted))
		}
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err,
			fmt.Sprintf("saving %s failed after the connection was restored; balances may differ, re-enter it", subject))
	}
}

// txContext prefers the context carried by the transaction so deferred
// retries are not bound to the request that submitted them.
func txContext(tx *gorm.DB, fallback context.Context) context.Context {
	if tx != nil && tx.Statement != nil && tx.Statement.Context != nil {
		return tx.Statement.Context
	}
	return fallback
}

func mapLedgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLedgerNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "ledger not found")
	}
	return err
}

func mapFeedErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, feed.ErrNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "event not found")
	}
	return err
}
