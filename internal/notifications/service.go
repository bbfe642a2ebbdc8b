package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox/payloads"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type amountFormatter interface {
	Display(amount decimal.Decimal) string
}

type ServiceParams struct {
	DB        txRunner
	Outbox    emitter
	Formatter amountFormatter
	Logger    *logger.Logger
}

// Service queues counterparty notifications on the outbox. It runs after the
// ledger write committed, in a transaction of its own, so a failure here
// never undoes a balance change.
type Service struct {
	db        txRunner
	outbox    emitter
	formatter amountFormatter
	logg      *logger.Logger
}

// NewService wires the notification collaborator.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter required")
	}
	if params.Formatter == nil {
		return nil, errors.New("amount formatter required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	return &Service{
		db:        params.DB,
		outbox:    params.Outbox,
		formatter: params.Formatter,
		logg:      params.Logger,
	}, nil
}

// ExpenseContent is the push shown when a counterparty adds a bill.
func ExpenseContent(payer, description string) payloads.Notification {
	return payloads.Notification{
		Title: "New Bill",
		Body:  fmt.Sprintf("%s added: %s", payer, description),
	}
}

// MessageContent is the push shown for a counterparty message.
func MessageContent(ledgerName, text string) payloads.Notification {
	return payloads.Notification{
		Title: "Message from " + ledgerName,
		Body:  text,
	}
}

func (s *Service) ExpenseAdded(ctx context.Context, ledger models.Ledger, event models.FeedEvent) error {
	if event.Kind != enums.FeedEventKindExpense {
		return fmt.Errorf("expected expense event, got %s", event.Kind)
	}
	payer := event.PayerName()
	description := event.DescriptionText()
	data := payloads.ExpenseAddedEvent{
		OwnerID:       ledger.OwnerID,
		LedgerID:      ledger.ID,
		LedgerName:    ledger.Name,
		EventID:       event.ID,
		Payer:         payer,
		Description:   description,
		Amount:        event.Amount,
		AmountDisplay: s.formatter.Display(event.Amount),
		BalanceImpact: event.BalanceImpact,
		Notification:  ExpenseContent(payer, description),
	}
	return s.emit(ctx, ledger, event, enums.EventExpenseAdded, data)
}

func (s *Service) MessagePosted(ctx context.Context, ledger models.Ledger, event models.FeedEvent) error {
	if event.Kind != enums.FeedEventKindMessage || event.Text == nil {
		return fmt.Errorf("expected message event, got %s", event.Kind)
	}
	data := payloads.MessagePostedEvent{
		OwnerID:      ledger.OwnerID,
		LedgerID:     ledger.ID,
		LedgerName:   ledger.Name,
		EventID:      event.ID,
		Text:         *event.Text,
		Notification: MessageContent(ledger.Name, *event.Text),
	}
	return s.emit(ctx, ledger, event, enums.EventMessagePosted, data)
}

func (s *Service) emit(ctx context.Context, ledger models.Ledger, event models.FeedEvent, eventType enums.OutboxEventType, data any) error {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventType,
			AggregateType: enums.AggregateFeedEvent,
			AggregateID:   event.ID,
			Actor:         &outbox.ActorRef{UserID: ledger.OwnerID},
			Data:          data,
			Version:       1,
		})
	})
	if err != nil {
		return fmt.Errorf("queue %s notification: %w", eventType, err)
	}
	logCtx := s.logg.WithEventID(s.logg.WithLedgerID(ctx, ledger.ID.String()), event.ID.String())
	logCtx = s.logg.WithField(logCtx, "event_type", eventType)
	s.logg.Debug(logCtx, "counterparty notification queued")
	return nil
}
