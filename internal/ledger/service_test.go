package ledger

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/splitledger-backend/internal/feed"
	"github.com/angelmondragon/splitledger-backend/internal/split"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/migrate"
)

const self = "self"

type fakeNotifier struct {
	mu        sync.Mutex
	expenses  []models.FeedEvent
	messages  []models.FeedEvent
	expenseFn func(models.Ledger, models.FeedEvent) error
}

func (f *fakeNotifier) ExpenseAdded(ctx context.Context, ledger models.Ledger, event models.FeedEvent) error {
	f.mu.Lock()
	f.expenses = append(f.expenses, event)
	f.mu.Unlock()
	if f.expenseFn != nil {
		return f.expenseFn(ledger, event)
	}
	return nil
}

func (f *fakeNotifier) MessagePosted(ctx context.Context, ledger models.Ledger, event models.FeedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, event)
	return nil
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expenses), len(f.messages)
}

// flakyRunner fails the first failures transactions with a dropped
// connection before delegating to the real client. The first lostAcks
// transactions commit and then report a dropped connection anyway, as when
// the commit acknowledgement never reaches the client.
type flakyRunner struct {
	mu       sync.Mutex
	client   *db.Client
	failures int
	lostAcks int
	calls    int
}

func (f *flakyRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures < 0 || f.calls <= f.failures
	dropAck := f.calls <= f.lostAcks
	f.mu.Unlock()
	if fail {
		return driver.ErrBadConn
	}
	if err := f.client.WithTx(ctx, fn); err != nil {
		return err
	}
	if dropAck {
		return driver.ErrBadConn
	}
	return nil
}

type failureObserver struct {
	mu       sync.Mutex
	failures []string
}

func (o *failureObserver) ObserveSuccess(string, string, time.Duration) {}

func (o *failureObserver) ObserveFailure(operation, code string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, operation+":"+code)
}

func (o *failureObserver) recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failures...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	svc      Service
	conn     *gorm.DB
	owner    uuid.UUID
	notifier *fakeNotifier
	deferrer *db.Deferrer
}

type envOptions struct {
	// failures < 0 fails every transaction.
	failures    int
	lostAcks    int
	deferWrites bool
	metrics     operationObserver
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, migrate.ApplySQLiteSchema(context.Background(), conn))

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	deferrer, err := db.NewDeferrer(db.DeferrerParams{
		Runner:      &flakyRunner{client: db.NewFromConn(conn), failures: opts.failures, lostAcks: opts.lostAcks},
		Logger:      logg,
		Enabled:     opts.deferWrites,
		QueueSize:   8,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	clock := &testClock{now: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(ServiceParams{
		Ledgers:  NewRepository(conn),
		Feed:     feed.NewStore(conn, nil),
		Writer:   deferrer,
		Notifier: notifier,
		Metrics:  opts.metrics,
		Logger:   logg,
		SelfName: self,
		Clock:    clock.Now,
	})
	require.NoError(t, err)

	return &testEnv{svc: svc, conn: conn, owner: uuid.New(), notifier: notifier, deferrer: deferrer}
}

func (e *testEnv) ledger(t *testing.T, name string, kind enums.LedgerKind, members ...string) *models.Ledger {
	t.Helper()
	result, err := e.svc.CreateLedger(context.Background(), CreateLedgerInput{
		OwnerID: e.owner,
		Name:    name,
		Kind:    kind,
		Members: members,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Ledger)
	return result.Ledger
}

func (e *testEnv) balance(t *testing.T, ledgerID uuid.UUID) decimal.Decimal {
	t.Helper()
	ledger, err := e.svc.GetLedger(context.Background(), e.owner, ledgerID)
	require.NoError(t, err)
	return ledger.Balance
}

func (e *testEnv) expense(t *testing.T, ledgerID uuid.UUID, req split.Request) *WriteResult {
	t.Helper()
	result, err := e.svc.AddExpense(context.Background(), ExpenseInput{OwnerID: e.owner, LedgerID: ledgerID, Split: req})
	require.NoError(t, err)
	return result
}

func equal(desc, amount, payer string, participants ...string) split.Request {
	return split.Request{
		Description:  desc,
		Amount:       decimal.RequireFromString(amount),
		Payer:        payer,
		Mode:         enums.SplitModeEqual,
		Participants: participants,
	}
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func assertConsistent(t *testing.T, env *testEnv, ledgerID uuid.UUID) {
	t.Helper()
	report, err := env.svc.Audit(context.Background(), env.owner, ledgerID)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "balance %s, impact sum %s, divergences %v", report.Balance, report.ImpactSum, report.Divergences)
}

func TestAddExpenseStampsImpactAndMovesBalance(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	result := env.expense(t, ledger.ID, equal("Dinner", "90", self, self, "Alex"))

	assert.Equal(t, db.WriteCommitted, result.Write.Status())
	assertDecimal(t, "45", result.Delta)
	assertDecimal(t, "45", result.Ledger.Balance)
	assertDecimal(t, "45", result.Event.BalanceImpact)
	assert.Equal(t, "Split equally", *result.Event.SplitSummary)
	assertDecimal(t, "45", result.Event.Allocation.Share("Alex"))

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assertDecimal(t, "45", events[0].BalanceImpact)
	assertDecimal(t, "45", env.balance(t, ledger.ID))
	assert.True(t, result.Ledger.LastActivityAt.After(ledger.LastActivityAt))
}

func TestBalanceTracksImpactsAcrossMutations(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Trip", enums.LedgerKindGroup, "A", "B")

	first := env.expense(t, ledger.ID, equal("Hotel", "300", self, self, "A", "B"))
	second := env.expense(t, ledger.ID, split.Request{
		Description: "Fuel",
		Amount:      dec("80"),
		Payer:       "A",
		Mode:        enums.SplitModePercent,
		Percent:     map[string]decimal.Decimal{self: dec("25"), "A": dec("50"), "B": dec("25")},
	})
	env.expense(t, ledger.ID, split.Request{
		Description: "Snacks",
		Amount:      dec("30"),
		Payer:       "B",
		Mode:        enums.SplitModeExact,
		Exact:       map[string]decimal.Decimal{self: dec("10"), "A": dec("20"), "B": dec("0")},
	})
	_, err := env.svc.PostMessage(ctx, MessageInput{OwnerID: env.owner, LedgerID: ledger.ID, Text: "thanks!"})
	require.NoError(t, err)

	// 200 - 20 - 10
	assertDecimal(t, "170", env.balance(t, ledger.ID))
	assertConsistent(t, env, ledger.ID)

	_, err = env.svc.EditExpense(ctx, EditExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		EventID:  first.Event.ID,
		Split:    equal("Hotel", "240", self, self, "A", "B"),
	})
	require.NoError(t, err)
	assertDecimal(t, "130", env.balance(t, ledger.ID))

	_, err = env.svc.DeleteEvent(ctx, env.owner, ledger.ID, second.Event.ID)
	require.NoError(t, err)
	assertDecimal(t, "150", env.balance(t, ledger.ID))

	_, err = env.svc.Settle(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	assertDecimal(t, "0", env.balance(t, ledger.ID))
	assertConsistent(t, env, ledger.ID)
}

func TestDeleteRestoresPriorBalance(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	env.expense(t, ledger.ID, equal("Lunch", "40", "Alex", self, "Alex"))
	before := env.balance(t, ledger.ID)

	added := env.expense(t, ledger.ID, split.Request{
		Description: "Tickets",
		Amount:      dec("100"),
		Payer:       self,
		Mode:        enums.SplitModeExact,
		Exact:       map[string]decimal.Decimal{self: dec("33.33"), "Alex": dec("66.67")},
	})
	assertDecimal(t, "66.67", added.Delta)

	result, err := env.svc.DeleteEvent(context.Background(), env.owner, ledger.ID, added.Event.ID)
	require.NoError(t, err)
	assertDecimal(t, "-66.67", result.Delta)
	assert.True(t, before.Equal(env.balance(t, ledger.ID)))
	assertConsistent(t, env, ledger.ID)
}

func TestEditAppliesNetChangeFromStoredImpact(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	added := env.expense(t, ledger.ID, equal("Groceries", "100", self, self, "Alex"))

	result, err := env.svc.EditExpense(context.Background(), EditExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		EventID:  added.Event.ID,
		Split:    equal("Groceries", "60", "Alex", self, "Alex"),
	})
	require.NoError(t, err)

	// 50 -> -30
	assertDecimal(t, "-80", result.Delta)
	assertDecimal(t, "-30", result.Ledger.Balance)
	assertDecimal(t, "-30", result.Event.BalanceImpact)
	assert.Equal(t, "Alex", result.Event.PayerName())

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, added.Event.ID, events[0].ID)
	assertDecimal(t, "60", events[0].Amount)
	assertDecimal(t, "-30", events[0].BalanceImpact)
}

func TestEditUsesStampedImpactEvenWhenAllocationDisagrees(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	added := env.expense(t, ledger.ID, equal("Groceries", "100", self, self, "Alex"))

	// Simulate an impact stamped under older rules.
	require.NoError(t, env.conn.Exec("UPDATE feed_events SET balance_impact = ? WHERE id = ?", "40", added.Event.ID).Error)
	require.NoError(t, env.conn.Exec("UPDATE ledgers SET balance = ? WHERE id = ?", "40", ledger.ID).Error)

	result, err := env.svc.EditExpense(context.Background(), EditExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		EventID:  added.Event.ID,
		Split:    equal("Groceries", "100", self, self, "Alex"),
	})
	require.NoError(t, err)
	assertDecimal(t, "10", result.Delta)
	assertDecimal(t, "50", env.balance(t, ledger.ID))
}

func TestEditRejectsNonExpenseEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	msg, err := env.svc.PostMessage(ctx, MessageInput{OwnerID: env.owner, LedgerID: ledger.ID, Text: "hi"})
	require.NoError(t, err)
	env.expense(t, ledger.ID, equal("Taxi", "20", "Alex", self, "Alex"))
	settled, err := env.svc.Settle(ctx, env.owner, ledger.ID)
	require.NoError(t, err)

	for _, eventID := range []uuid.UUID{msg.Event.ID, settled.Event.ID} {
		_, err := env.svc.EditExpense(ctx, EditExpenseInput{
			OwnerID:  env.owner,
			LedgerID: ledger.ID,
			EventID:  eventID,
			Split:    equal("Taxi", "20", self, self, "Alex"),
		})
		require.Error(t, err)
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeUnsupported), "got %v", err)
	}
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

func TestSettleWhenUserOwes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	env.expense(t, ledger.ID, equal("Concert", "150", "Alex", self, "Alex"))
	assertDecimal(t, "-75", env.balance(t, ledger.ID))

	result, err := env.svc.Settle(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	require.False(t, result.Noop)
	assert.Equal(t, enums.FeedEventKindSettlement, result.Event.Kind)
	assertDecimal(t, "75", result.Event.Amount)
	assert.Equal(t, self, result.Event.PayerName())
	assertDecimal(t, "75", result.Event.BalanceImpact)
	assertDecimal(t, "0", result.Ledger.Balance)

	_, err = env.svc.DeleteEvent(ctx, env.owner, ledger.ID, result.Event.ID)
	require.NoError(t, err)
	assertDecimal(t, "-75", env.balance(t, ledger.ID))
	assertConsistent(t, env, ledger.ID)
}

func TestPercentExpenseImpactMatchesStoredAllocation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "A", enums.LedgerKindDirect)
	added := env.expense(t, ledger.ID, split.Request{
		Description: "Hotel",
		Amount:      dec("10.01"),
		Payer:       "A",
		Mode:        enums.SplitModePercent,
		Percent:     map[string]decimal.Decimal{self: dec("33.333"), "A": dec("66.667")},
	})
	assertDecimal(t, "-3.336633", added.Event.BalanceImpact)
	assertDecimal(t, "-3.336633", env.balance(t, ledger.ID))

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	stored := events[0]
	for name, share := range stored.Allocation {
		assert.True(t, share.Equal(share.Truncate(split.StoredPlaces)), "%s share %s exceeds stored scale", name, share)
	}
	recomputed := split.Impact(stored.Allocation, stored.PayerName(), stored.Amount, self)
	assert.True(t, recomputed.Equal(stored.BalanceImpact), "stored %s, recomputed %s", stored.BalanceImpact, recomputed)
	assertConsistent(t, env, ledger.ID)
}

func TestAddExpenseRejectsAmountBeyondStoredRange(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	_, err := env.svc.AddExpense(context.Background(), ExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		Split:    equal("Yacht", "123456789012345", self, self, "Alex"),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation), "got %v", err)
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

func TestSettleWhenCounterpartyOwes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	env.expense(t, ledger.ID, split.Request{
		Description: "Rent",
		Amount:      dec("100"),
		Payer:       self,
		Mode:        enums.SplitModePercent,
		Percent:     map[string]decimal.Decimal{self: dec("33.3"), "Alex": dec("66.7")},
	})

	result, err := env.svc.Settle(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	assertDecimal(t, "66.7", result.Event.Amount)
	assert.Equal(t, "Alex", result.Event.PayerName())
	assertDecimal(t, "-66.7", result.Event.BalanceImpact)
	assert.True(t, env.balance(t, ledger.ID).IsZero())
}

func TestSettleTwiceIsNoop(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	empty, err := env.svc.Settle(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	assert.True(t, empty.Noop)
	assert.Nil(t, empty.Event)

	env.expense(t, ledger.ID, equal("Coffee", "9", self, self, "Alex"))
	first, err := env.svc.Settle(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	assert.False(t, first.Noop)

	second, err := env.svc.Settle(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	assert.True(t, second.Noop)

	events, err := env.svc.Feed(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

func TestPostMessageLeavesBalanceAndNotifiesOnlyForOther(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	env.expense(t, ledger.ID, equal("Pizza", "30", self, self, "Alex"))

	mine, err := env.svc.PostMessage(ctx, MessageInput{OwnerID: env.owner, LedgerID: ledger.ID, Text: "paid for pizza"})
	require.NoError(t, err)
	assert.True(t, mine.Delta.IsZero())
	assertDecimal(t, "15", mine.Ledger.Balance)
	assert.Equal(t, enums.MessageSenderSelf, *mine.Event.Sender)

	_, err = env.svc.PostMessage(ctx, MessageInput{OwnerID: env.owner, LedgerID: ledger.ID, Text: "ty", Sender: enums.MessageSenderOther})
	require.NoError(t, err)

	_, messages := env.notifier.counts()
	assert.Equal(t, 1, messages)

	_, err = env.svc.PostMessage(ctx, MessageInput{OwnerID: env.owner, LedgerID: ledger.ID, Text: "   "})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestExpenseNotificationIsBestEffort(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.notifier.expenseFn = func(models.Ledger, models.FeedEvent) error { return fmt.Errorf("outbox down") }
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	env.expense(t, ledger.ID, equal("Mine", "10", self, self, "Alex"))
	result := env.expense(t, ledger.ID, equal("Theirs", "10", "Alex", self, "Alex"))

	assert.Equal(t, db.WriteCommitted, result.Write.Status())
	expenses, _ := env.notifier.counts()
	assert.Equal(t, 1, expenses)
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

func TestAddExpenseValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	cases := map[string]split.Request{
		"unknown participant": equal("Dinner", "20", self, self, "Sam"),
		"unknown payer":       equal("Dinner", "20", "Sam", self, "Alex"),
		"exact mismatch": {
			Description: "Dinner",
			Amount:      dec("20"),
			Payer:       self,
			Mode:        enums.SplitModeExact,
			Exact:       map[string]decimal.Decimal{self: dec("5"), "Alex": dec("10")},
		},
		"missing description": equal("", "20", self, self, "Alex"),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.AddExpense(context.Background(), ExpenseInput{OwnerID: env.owner, LedgerID: ledger.ID, Split: req})
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

func TestOtherOwnersLedgersAreNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	stranger := uuid.New()

	_, err := env.svc.GetLedger(ctx, stranger, ledger.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	_, err = env.svc.AddExpense(ctx, ExpenseInput{OwnerID: stranger, LedgerID: ledger.ID, Split: equal("x", "1", self, self)})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	_, err = env.svc.Settle(ctx, stranger, ledger.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	_, err = env.svc.DeleteEvent(ctx, env.owner, ledger.ID, uuid.New())
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	_, err = env.svc.GetLedger(ctx, uuid.Nil, ledger.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestEventsOfAnotherLedgerAreNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	alex := env.ledger(t, "Alex", enums.LedgerKindDirect)
	sam := env.ledger(t, "Sam", enums.LedgerKindDirect)
	added := env.expense(t, alex.ID, equal("Taxi", "20", self, self, "Alex"))

	_, err := env.svc.DeleteEvent(context.Background(), env.owner, sam.ID, added.Event.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	assertDecimal(t, "10", env.balance(t, alex.ID))
}

func TestGroupMembership(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	_, err := env.svc.CreateLedger(ctx, CreateLedgerInput{OwnerID: env.owner, Name: "Trip", Kind: enums.LedgerKindGroup, Members: []string{"A", "A"}})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	_, err = env.svc.CreateLedger(ctx, CreateLedgerInput{OwnerID: env.owner, Name: "Alex", Kind: enums.LedgerKindDirect, Members: []string{"B"}})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	group := env.ledger(t, "Trip", enums.LedgerKindGroup, "A")
	result, err := env.svc.AddMember(ctx, env.owner, group.ID, " B ")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, []string(result.Ledger.Members))

	for _, name := range []string{"", "A", self} {
		_, err := env.svc.AddMember(ctx, env.owner, group.ID, name)
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation), "name %q: %v", name, err)
	}

	direct := env.ledger(t, "Alex", enums.LedgerKindDirect)
	_, err = env.svc.AddMember(ctx, env.owner, direct.ID, "C")
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeUnsupported))

	// The new member can take part in expenses right away.
	added := env.expense(t, group.ID, equal("Boat", "90", "B", self, "A", "B"))
	assertDecimal(t, "-30", added.Delta)
}

func TestDeleteLedgerRemovesEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	env.expense(t, ledger.ID, equal("Taxi", "20", self, self, "Alex"))

	_, err := env.svc.DeleteLedger(ctx, env.owner, ledger.ID)
	require.NoError(t, err)

	_, err = env.svc.GetLedger(ctx, env.owner, ledger.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
	var remaining int64
	require.NoError(t, env.conn.Model(&models.FeedEvent{}).Where("ledger_id = ?", ledger.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestListAndSummary(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	alex := env.ledger(t, "Alex", enums.LedgerKindDirect)
	sam := env.ledger(t, "Sam", enums.LedgerKindDirect)
	env.ledger(t, "Kim", enums.LedgerKindDirect)
	env.expense(t, alex.ID, equal("Taxi", "20", self, self, "Alex"))
	env.expense(t, sam.ID, equal("Boat", "60", "Sam", self, "Sam"))

	totals, err := env.svc.Summary(ctx, env.owner)
	require.NoError(t, err)
	assertDecimal(t, "10", totals.TotalOwed)
	assertDecimal(t, "30", totals.TotalDebt)
	assertDecimal(t, "-20", totals.Net)
	assert.Equal(t, 3, totals.Ledgers)

	page, err := env.svc.ListLedgers(ctx, ListParams{OwnerID: env.owner, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, sam.ID, page.Items[0].ID)
	assert.Empty(t, page.Cursor)

	_, err = env.svc.ListLedgers(ctx, ListParams{OwnerID: env.owner, Cursor: "%%%"})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestPreviewReportsEveryErrorWithoutWriting(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	preview, err := env.svc.Preview(ctx, env.owner, ledger.ID, split.Request{
		Amount:  dec("0"),
		Payer:   self,
		Mode:    enums.SplitModePercent,
		Percent: map[string]decimal.Decimal{self: dec("50"), "Sam": dec("40")},
	})
	require.NoError(t, err)
	assert.False(t, preview.Valid)
	fields := map[string]bool{}
	for _, fe := range preview.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["description"])
	assert.True(t, fields["amount"])
	assert.True(t, fields["participants"])

	ok, err := env.svc.Preview(ctx, env.owner, ledger.ID, equal("Dinner", "90", "Alex", self, "Alex"))
	require.NoError(t, err)
	assert.True(t, ok.Valid)
	assertDecimal(t, "-45", ok.Impact)
	assert.Equal(t, "Split equally", ok.Summary)

	assertDecimal(t, "0", env.balance(t, ledger.ID))
	events, err := env.svc.Feed(ctx, env.owner, ledger.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAuditReportsDrift(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	added := env.expense(t, ledger.ID, equal("Taxi", "20", self, self, "Alex"))
	require.NoError(t, env.conn.Exec("UPDATE ledgers SET balance = ? WHERE id = ?", "12", ledger.ID).Error)
	require.NoError(t, env.conn.Exec("UPDATE feed_events SET balance_impact = ? WHERE id = ?", "11", added.Event.ID).Error)

	report, err := env.svc.Audit(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assertDecimal(t, "1", report.Drift)
	require.Len(t, report.Divergences, 1)
	assertDecimal(t, "11", report.Divergences[0].Stored)
	assertDecimal(t, "10", report.Divergences[0].Recomputed)
}

func TestWatchDeliversSnapshotsAfterCommit(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := make(chan int, 8)
	done := make(chan error, 1)
	go func() {
		done <- env.svc.Watch(ctx, env.owner, ledger.ID, func(events []models.FeedEvent) {
			snapshots <- len(events)
		})
	}()

	select {
	case n := <-snapshots:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	env.expense(t, ledger.ID, equal("Taxi", "20", self, self, "Alex"))
	select {
	case n := <-snapshots:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after expense")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestDeferredWriteCommitsAfterReconnect(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	flaky := newTestEnvSharing(t, env, envOptions{deferWrites: true, failures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flaky.deferrer.Run(ctx) }()

	result, err := flaky.svc.AddExpense(context.Background(), ExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		Split:    equal("Taxi", "20", self, self, "Alex"),
	})
	require.NoError(t, err)
	require.Equal(t, db.WriteDeferred, result.Write.Status())
	assert.Nil(t, result.Ledger)
	assert.True(t, result.Delta.IsZero())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, result.Write.Wait(waitCtx))
	assert.Equal(t, db.WriteCommitted, result.Write.Status())
	assertDecimal(t, "10", env.balance(t, ledger.ID))

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, result.Event.ID, events[0].ID)
}

func TestDeferredWriteFailureSurfacesConflict(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	down := newTestEnvSharing(t, env, envOptions{deferWrites: true, failures: -1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = down.deferrer.Run(ctx) }()

	result, err := down.svc.AddExpense(context.Background(), ExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		Split:    equal("Taxi", "20", self, self, "Alex"),
	})
	require.NoError(t, err)
	require.Equal(t, db.WriteDeferred, result.Write.Status())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	err = result.Write.Wait(waitCtx)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeConflict), "got %v", err)
	assert.Equal(t, db.WriteFailed, result.Write.Status())
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

func TestDeferredRetryAfterLostAckDoesNotDuplicateExpense(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	flaky := newTestEnvSharing(t, env, envOptions{deferWrites: true, lostAcks: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flaky.deferrer.Run(ctx) }()

	result, err := flaky.svc.AddExpense(context.Background(), ExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		Split:    equal("Taxi", "20", self, self, "Alex"),
	})
	require.NoError(t, err)
	require.Equal(t, db.WriteDeferred, result.Write.Status())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, result.Write.Wait(waitCtx))
	assert.Equal(t, db.WriteCommitted, result.Write.Status())
	assertDecimal(t, "10", env.balance(t, ledger.ID))

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, result.Event.ID, events[0].ID)
	assertConsistent(t, env, ledger.ID)
}

func TestDeferredRetryAfterLostAckDeleteEvent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	created := env.expense(t, ledger.ID, equal("Taxi", "20", self, self, "Alex"))
	env.expense(t, ledger.ID, equal("Lunch", "30", "Alex", self, "Alex"))
	assertDecimal(t, "-5", env.balance(t, ledger.ID))

	flaky := newTestEnvSharing(t, env, envOptions{deferWrites: true, lostAcks: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flaky.deferrer.Run(ctx) }()

	result, err := flaky.svc.DeleteEvent(context.Background(), env.owner, ledger.ID, created.Event.ID)
	require.NoError(t, err)
	require.Equal(t, db.WriteDeferred, result.Write.Status())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, result.Write.Wait(waitCtx))
	assert.Equal(t, db.WriteCommitted, result.Write.Status())
	assertDecimal(t, "-15", env.balance(t, ledger.ID))
	assertConsistent(t, env, ledger.ID)
}

func TestDeferredRetryAfterLostAckSettlesOnce(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	env.expense(t, ledger.ID, equal("Taxi", "20", self, self, "Alex"))

	flaky := newTestEnvSharing(t, env, envOptions{deferWrites: true, lostAcks: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flaky.deferrer.Run(ctx) }()

	result, err := flaky.svc.Settle(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Equal(t, db.WriteDeferred, result.Write.Status())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, result.Write.Wait(waitCtx))
	assertDecimal(t, "0", env.balance(t, ledger.ID))

	events, err := env.svc.Feed(context.Background(), env.owner, ledger.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assertConsistent(t, env, ledger.ID)
}

func TestDeferredRetryAfterLostAckCreatesLedgerOnce(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	flaky := newTestEnvSharing(t, env, envOptions{deferWrites: true, lostAcks: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = flaky.deferrer.Run(ctx) }()

	result, err := flaky.svc.CreateLedger(context.Background(), CreateLedgerInput{
		OwnerID: env.owner,
		Name:    "Trip",
		Kind:    enums.LedgerKindGroup,
		Members: []string{"Alex"},
	})
	require.NoError(t, err)
	require.Equal(t, db.WriteDeferred, result.Write.Status())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, result.Write.Wait(waitCtx))

	page, err := env.svc.ListLedgers(context.Background(), ListParams{OwnerID: env.owner, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Trip", page.Items[0].Name)
}

func TestWriteStatusReportsDeferredConflict(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	observer := &failureObserver{}
	down := newTestEnvSharing(t, env, envOptions{deferWrites: true, failures: -1, metrics: observer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = down.deferrer.Run(ctx) }()

	result, err := down.svc.AddExpense(context.Background(), ExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		Split:    equal("Taxi", "20", self, self, "Alex"),
	})
	require.NoError(t, err)
	writeID := result.Write.ID()
	require.NotEqual(t, uuid.Nil, writeID)

	status, err := down.svc.WriteStatus(context.Background(), env.owner, writeID)
	require.NoError(t, err)
	assert.Equal(t, "add_expense", status.Operation)
	assert.Equal(t, ledger.ID, status.LedgerID)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.Error(t, result.Write.Wait(waitCtx))

	require.Eventually(t, func() bool {
		status, err = down.svc.WriteStatus(context.Background(), env.owner, writeID)
		return err == nil && status.ResolvedAt != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, db.WriteFailed, status.Status)
	require.NotNil(t, status.Err)
	assert.Equal(t, pkgerrors.CodeConflict, status.Err.Code())
	assert.Contains(t, observer.recorded(), "add_expense:CONFLICT")

	_, err = down.svc.WriteStatus(context.Background(), uuid.New(), writeID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestWriteStatusUnknownForCommittedWrites(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)
	result := env.expense(t, ledger.ID, equal("Taxi", "20", self, self, "Alex"))

	assert.Equal(t, uuid.Nil, result.Write.ID())
	_, err := env.svc.WriteStatus(context.Background(), env.owner, uuid.New())
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestStoreFailureWithoutDeferral(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ledger := env.ledger(t, "Alex", enums.LedgerKindDirect)

	down := newTestEnvSharing(t, env, envOptions{failures: -1})
	_, err := down.svc.AddExpense(context.Background(), ExpenseInput{
		OwnerID:  env.owner,
		LedgerID: ledger.ID,
		Split:    equal("Taxi", "20", self, self, "Alex"),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDependency))
	assertDecimal(t, "0", env.balance(t, ledger.ID))
}

// newTestEnvSharing builds a second engine over env's database with its own
// writer, so tests can cut the connection for writes only.
func newTestEnvSharing(t *testing.T, env *testEnv, opts envOptions) *testEnv {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	deferrer, err := db.NewDeferrer(db.DeferrerParams{
		Runner:      &flakyRunner{client: db.NewFromConn(env.conn), failures: opts.failures, lostAcks: opts.lostAcks},
		Logger:      logg,
		Enabled:     opts.deferWrites,
		QueueSize:   8,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	require.NoError(t, err)
	clock := &testClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	svc, err := NewService(ServiceParams{
		Ledgers:  NewRepository(env.conn),
		Feed:     feed.NewStore(env.conn, nil),
		Writer:   deferrer,
		Metrics:  opts.metrics,
		Logger:   logg,
		SelfName: self,
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	return &testEnv{svc: svc, conn: env.conn, owner: env.owner, deferrer: deferrer}
}
