package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox/registry"
)

const (
	publisherName         = "outbox-publisher"
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxIdleBackoff        = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
	// claimLease outlives one publish wait, so a live attempt keeps its claim.
	claimLease = 2 * defaultPublishTimeout
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pubSubClient interface {
	Ping(context.Context) error
	Publisher(name string) *gcppubsub.Publisher
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

type publishMetrics interface {
	IncPublished(eventType string)
	IncFailed(eventType string)
	IncDeadLettered(eventType, reason string)
}

// deliveryGuard remembers acknowledged envelopes so a batch that published
// but failed to commit does not push the same notification twice.
type deliveryGuard interface {
	Claim(ctx context.Context, publisher string, eventID uuid.UUID) (idempotency.State, error)
	Confirm(ctx context.Context, publisher string, eventID uuid.UUID) error
	Release(ctx context.Context, publisher string, eventID uuid.UUID) error
}

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type ServiceParams struct {
	Config           *config.Config
	Logger           *logger.Logger
	DB               dbClient
	PubSub           pubSubClient
	Repository       outboxRepository
	Registry         registryResolver
	PublisherFactory publisherFactory
	DLQRepository    dlqRepository
	Metrics          publishMetrics
	Guard            deliveryGuard
}

// Service drains ledger notification rows from the outbox to Pub/Sub.
type Service struct {
	logg             *logger.Logger
	db               dbClient
	repo             outboxRepository
	pubsub           pubSubClient
	registry         registryResolver
	dlq              dlqRepository
	publisherFactory publisherFactory
	metrics          publishMetrics
	guard            deliveryGuard
	batchSize        int
	maxAttempts      int
	pollInterval     time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	factory := params.PublisherFactory
	if factory == nil {
		factory = func(topic string) publisher {
			if p := params.PubSub.Publisher(topic); p != nil {
				return gcpPublisher{p}
			}
			return nil
		}
	}

	cfg := params.Config.Outbox
	s := &Service{
		logg:             params.Logger,
		db:               params.DB,
		repo:             params.Repository,
		pubsub:           params.PubSub,
		registry:         params.Registry,
		dlq:              params.DLQRepository,
		publisherFactory: factory,
		metrics:          params.Metrics,
		guard:            params.Guard,
		batchSize:        cfg.BatchSize,
		maxAttempts:      cfg.MaxAttempts,
		pollInterval:     time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	return s, nil
}

// Run polls until ctx ends. A full batch is followed immediately by the
// next one; an empty or failed batch waits, doubling up to maxIdleBackoff
// while failures continue.
func (s *Service) Run(ctx context.Context) error {
	deps := []struct {
		name string
		ping func(context.Context) error
	}{{"database", s.db.Ping}, {"pubsub", s.pubsub.Ping}}
	for _, dep := range deps {
		if err := dep.ping(ctx); err != nil {
			s.logg.Error(ctx, dep.name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}

	wait := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		processed, err := s.processBatch(ctx)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publisher batch error", err)
			wait = min(wait*2, maxIdleBackoff)
		case processed:
			wait = s.pollInterval
			continue
		default:
			wait = s.pollInterval
		}

		if err := sleepCtx(ctx, wait+rand.N(jitterWindow)); err != nil {
			return err
		}
	}
}

// delivery tracks one outbox row through a batch.
type delivery struct {
	event    models.OutboxEvent
	resolved *registry.ResolvedEvent
	fields   map[string]any
	// claimed is the envelope id held in the guard, uuid.Nil if none.
	claimed uuid.UUID
	// skipped marks envelopes the guard says already went out.
	skipped bool
	// deferred rows are left untouched for a later batch.
	deferred bool
	result  publishResult
	err     error
}

// processBatch locks a batch of rows, submits every message before waiting
// on any result so the Pub/Sub client can batch them, then records each
// outcome in the same transaction.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}

		publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()

		batch := make([]*delivery, 0, len(events))
		for _, event := range events {
			d := &delivery{event: event}
			batch = append(batch, d)
			s.submit(publishCtx, d)
		}
		for _, d := range batch {
			s.await(publishCtx, d)
			if err := s.record(ctx, tx, d); err != nil {
				return err
			}
			processed = processed || !d.deferred
		}
		return nil
	})
	return processed, err
}

func (s *Service) submit(ctx context.Context, d *delivery) {
	d.fields = eventFields(d.event, s.batchSize)
	resolved, err := s.registry.Resolve(d.event)
	if err != nil {
		d.err = err
		return
	}
	d.resolved = resolved
	d.fields["event_id"] = resolved.Envelope.EventID
	d.fields["topic"] = resolved.Descriptor.Topic

	pub := s.publisherFactory(resolved.Descriptor.Topic)
	if pub == nil {
		d.err = registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", resolved.Descriptor.Topic))
		return
	}

	if s.guard != nil {
		envelopeID, err := uuid.Parse(resolved.Envelope.EventID)
		if err != nil {
			d.err = registry.NewNonRetryableError(fmt.Errorf("invalid envelope event id: %w", err))
			return
		}
		state, err := s.guard.Claim(ctx, publisherName, envelopeID)
		switch {
		case err != nil:
			// Redis being down must not stop notifications.
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "delivery guard unavailable")
		case state == idempotency.Delivered:
			d.skipped = true
			return
		case state == idempotency.InFlight:
			d.deferred = true
			return
		default:
			d.claimed = envelopeID
		}
	}

	d.result = pub.Publish(ctx, message(d.event, resolved))
	if d.result == nil {
		d.err = registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", resolved.Descriptor.Topic))
	}
}

func (s *Service) await(ctx context.Context, d *delivery) {
	if d.result != nil && d.err == nil {
		_, d.err = d.result.Get(ctx)
	}
	if d.claimed == uuid.Nil {
		return
	}
	guardCtx := context.WithoutCancel(ctx)
	if d.err != nil {
		if err := s.guard.Release(guardCtx, publisherName, d.claimed); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "delivery guard release failed")
		}
		return
	}
	// Unconfirmed, the lease lapses and a failed commit republishes.
	if err := s.guard.Confirm(guardCtx, publisherName, d.claimed); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "delivery guard confirm failed")
	}
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, d *delivery) error {
	eventType := string(d.event.EventType)
	logCtx := s.logg.WithFields(ctx, d.fields)
	if d.deferred {
		s.logg.Info(logCtx, "outbox event held by another attempt")
		return nil
	}

	if d.err == nil {
		if err := s.repo.MarkPublishedTx(tx, d.event.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", d.event.ID, err)
		}
		if s.metrics != nil {
			s.metrics.IncPublished(eventType)
		}
		if d.skipped {
			s.logg.Info(logCtx, "outbox event already delivered")
		} else {
			s.logg.Info(logCtx, "outbox event published")
		}
		return nil
	}

	var nonRetry registry.NonRetryableError
	if errors.As(d.err, &nonRetry) {
		return s.deadLetter(logCtx, tx, d, enums.OutboxDLQReasonNonRetryable, d.err)
	}

	attempt := d.event.AttemptCount + 1
	d.fields["attempt_count"] = attempt
	if attempt >= s.maxAttempts {
		return s.deadLetter(s.logg.WithField(logCtx, "attempt_count", attempt), tx, d, enums.OutboxDLQReasonMaxAttempts,
			fmt.Errorf("max publish attempts reached: %w", d.err))
	}

	s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{"attempt_count": attempt, "error": d.err.Error()}), "outbox publish failed")
	if s.metrics != nil {
		s.metrics.IncFailed(eventType)
	}
	if err := s.repo.MarkFailedTx(tx, d.event.ID, d.err); err != nil {
		return fmt.Errorf("mark failure %s: %w", d.event.ID, err)
	}
	return nil
}

func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, d *delivery, reason enums.OutboxDLQErrorReason, cause error) error {
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"error_reason": reason, "error": cause.Error()}), "outbox event will not be retried")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       d.event.ID,
		EventType:     d.event.EventType,
		AggregateType: d.event.AggregateType,
		AggregateID:   d.event.AggregateID,
		Payload:       d.event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  d.event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", d.event.ID, err)
	}
	if s.metrics != nil {
		s.metrics.IncDeadLettered(string(d.event.EventType), string(reason))
	}
	if err := s.repo.MarkTerminalTx(tx, d.event.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", d.event.ID, err)
	}
	return nil
}

// message carries the stored envelope untouched. Payload routing attributes
// never override the envelope's own keys.
func message(event models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(event.EventType),
		"aggregate_type": string(event.AggregateType),
		"aggregate_id":   event.AggregateID.String(),
		"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range resolved.Attributes {
		if _, reserved := attrs[k]; !reserved {
			attrs[k] = v
		}
	}
	return &gcppubsub.Message{Data: event.Payload, Attributes: attrs}
}

func eventFields(event models.OutboxEvent, batchSize int) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"batch_size":     batchSize,
		"attempt_count":  event.AttemptCount,
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.Publisher.Publish(ctx, msg)
}
