package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/pkg/db"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
)

const writeRetention = time.Hour

// WriteStatus is what the owner of a deferred write can learn about it.
type WriteStatus struct {
	ID        uuid.UUID
	LedgerID  uuid.UUID
	Operation string
	Status    db.WriteStatus
	// Err is the conflict the user has to resolve, set once Status is failed.
	Err        *pkgerrors.Error
	ResolvedAt *time.Time
}

type trackedWrite struct {
	ownerID    uuid.UUID
	ledgerID   uuid.UUID
	operation  string
	pending    *db.PendingWrite
	resolvedAt time.Time
}

// writeTracker remembers deferred writes until they have been resolved for
// writeRetention, so clients that got a 202 can poll the outcome.
type writeTracker struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*trackedWrite
	now     func() time.Time
}

func newWriteTracker(now func() time.Time) *writeTracker {
	return &writeTracker{entries: map[uuid.UUID]*trackedWrite{}, now: now}
}

func (t *writeTracker) track(ownerID, ledgerID uuid.UUID, operation string, pending *db.PendingWrite) {
	if pending.Status() != db.WriteDeferred {
		return
	}
	entry := &trackedWrite{ownerID: ownerID, ledgerID: ledgerID, operation: operation, pending: pending}

	t.mu.Lock()
	t.pruneLocked()
	t.entries[pending.ID()] = entry
	t.mu.Unlock()

	go func() {
		<-pending.Done()
		t.mu.Lock()
		entry.resolvedAt = t.now()
		t.mu.Unlock()
	}()
}

func (t *writeTracker) lookup(ownerID, writeID uuid.UUID) (*WriteStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	entry, ok := t.entries[writeID]
	if !ok || entry.ownerID != ownerID {
		return nil, false
	}
	status := &WriteStatus{
		ID:        writeID,
		LedgerID:  entry.ledgerID,
		Operation: entry.operation,
		Status:    entry.pending.Status(),
	}
	if !entry.resolvedAt.IsZero() {
		at := entry.resolvedAt
		status.ResolvedAt = &at
	}
	if err := entry.pending.Err(); err != nil {
		status.Err = pkgerrors.As(err)
	}
	return status, true
}

func (t *writeTracker) pruneLocked() {
	cutoff := t.now().Add(-writeRetention)
	for id, entry := range t.entries {
		if !entry.resolvedAt.IsZero() && entry.resolvedAt.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}

// WriteStatus reports a deferred write of ownerID. Writes of other owners and
// writes resolved more than an hour ago are reported as missing.
func (s *service) WriteStatus(ctx context.Context, ownerID, writeID uuid.UUID) (*WriteStatus, error) {
	if ownerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	status, ok := s.writes.lookup(ownerID, writeID)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "write not found")
	}
	return status, nil
}
