package audit

import (
	"context"
	"time"

	"carevault/pkg/domain"
)

// Store persists audit entries locally. Implementations never modify the
// signed content of an entry after Append.
//
// Errors: sentinel.ErrNotFound for unknown ids, sentinel.ErrConflict for a
// duplicate entry id, sentinel.ErrInvalidState when committing twice.
type Store interface {
	// Append stores a new entry and assigns its sequence number.
	Append(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id domain.AuditEntryID) (*Entry, error)
	// Page returns one page of matching entries newest first, plus the total and filtered counts.
	Page(ctx context.Context, filter Filter, offset, limit int) (entries []*Entry, total, filtered int, err error)
	// All returns every matching entry oldest first.
	All(ctx context.Context, filter Filter) ([]*Entry, error)

	// MarkCommitted records the ledger receipt and sets IsImmutable.
	MarkCommitted(ctx context.Context, id domain.AuditEntryID, txID string, blockNumber uint64) error
	// MarkSubmitted records a ledger transaction id that has not yet been committed.
	MarkSubmitted(ctx context.Context, id domain.AuditEntryID, txID string) error
	// RecordAttempt updates delivery bookkeeping after a failed submission.
	RecordAttempt(ctx context.Context, id domain.AuditEntryID, attempts int, next time.Time, abandoned bool) error
	// Due returns uncommitted, non-abandoned entries whose next attempt is at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	// Backlog counts uncommitted entries.
	Backlog(ctx context.Context) (pending, abandoned int, err error)
}
