package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"carevault/internal/audit"
	pg "carevault/internal/platform/postgres"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
	txcontext "carevault/pkg/platform/tx"
)

// Store implements audit.Store on the audit_entries table.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const entryColumns = `seq, entry_id, event_type, user_id, resource_id, occurred_at, details, signature,
	ledger_tx_id, block_number, is_immutable, submit_attempts, next_attempt_at, abandoned`

func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	err = s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO audit_entries (entry_id, event_type, user_id, resource_id, occurred_at, details, signature, next_attempt_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING seq`,
		uuid.UUID(e.EntryID), string(e.EventType), e.UserID.String(), e.ResourceID,
		e.Timestamp, details, e.Signature, e.NextAttemptAt,
	).Scan(&e.Seq)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.AuditEntryID) (*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE entry_id = $1`, uuid.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("query audit entry: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return entries[0], nil
}

// whereClause builds a conjunctive predicate for filter; placeholders start at $1.
func whereClause(f audit.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID.String())
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) Page(ctx context.Context, f audit.Filter, offset, limit int) ([]*audit.Entry, int, int, error) {
	where, args := whereClause(f)

	var total, filtered int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&total); err != nil {
		return nil, 0, 0, fmt.Errorf("count audit entries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&filtered); err != nil {
		return nil, 0, 0, fmt.Errorf("count filtered audit entries: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM audit_entries%s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("query audit page: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, 0, err
	}
	return entries, total, filtered, nil
}

func (s *Store) All(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	where, args := whereClause(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries`+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) MarkCommitted(ctx context.Context, id domain.AuditEntryID, txID string, blockNumber uint64) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE audit_entries
		SET ledger_tx_id = $2, block_number = $3, is_immutable = TRUE, abandoned = FALSE
		WHERE entry_id = $1 AND is_immutable = FALSE`,
		uuid.UUID(id), txID, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("mark audit entry committed: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

func (s *Store) MarkSubmitted(ctx context.Context, id domain.AuditEntryID, txID string) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE audit_entries SET ledger_tx_id = $2
		WHERE entry_id = $1 AND is_immutable = FALSE`,
		uuid.UUID(id), txID)
	if err != nil {
		return fmt.Errorf("mark audit entry submitted: %w", err)
	}
	return s.checkUpdated(ctx, res, id)
}

// checkUpdated distinguishes a missing entry from one already committed.
func (s *Store) checkUpdated(ctx context.Context, res sql.Result, id domain.AuditEntryID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM audit_entries WHERE entry_id = $1)`, uuid.UUID(id)).Scan(&exists); err != nil {
		return fmt.Errorf("check audit entry: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrInvalidState
}

func (s *Store) RecordAttempt(ctx context.Context, id domain.AuditEntryID, attempts int, next time.Time, abandoned bool) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE audit_entries SET submit_attempts = $2, next_attempt_at = $3, abandoned = $4
		WHERE entry_id = $1 AND is_immutable = FALSE`,
		uuid.UUID(id), attempts, next, abandoned)
	if err != nil {
		return fmt.Errorf("record ledger attempt: %w", err)
	}
	return nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries
		WHERE is_immutable = FALSE AND abandoned = FALSE AND next_attempt_at <= $1
		ORDER BY seq ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due audit entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) Backlog(ctx context.Context) (int, int, error) {
	var pending, abandoned int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE is_immutable = FALSE AND abandoned = FALSE),
			COUNT(*) FILTER (WHERE is_immutable = FALSE AND abandoned = TRUE)
		FROM audit_entries`).Scan(&pending, &abandoned)
	if err != nil {
		return 0, 0, fmt.Errorf("count audit backlog: %w", err)
	}
	return pending, abandoned, nil
}

func scanEntries(rows *sql.Rows) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	for rows.Next() {
		var (
			e          audit.Entry
			entryID    uuid.UUID
			eventType  string
			userID     string
			resourceID sql.NullString
			details    []byte
			txID       sql.NullString
			block      sql.NullInt64
			nextAt     sql.NullTime
		)
		if err := rows.Scan(&e.Seq, &entryID, &eventType, &userID, &resourceID, &e.Timestamp, &details, &e.Signature,
			&txID, &block, &e.IsImmutable, &e.SubmitAttempts, &nextAt, &e.Abandoned); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EntryID = domain.AuditEntryID(entryID)
		e.EventType = audit.EventType(eventType)
		e.UserID = domain.UserID(userID)
		e.ResourceID = resourceID.String
		e.Timestamp = e.Timestamp.UTC()
		e.LedgerTransactionID = txID.String
		if block.Valid {
			bn := uint64(block.Int64)
			e.BlockNumber = &bn
		}
		if nextAt.Valid {
			e.NextAttemptAt = nextAt.Time
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

var _ audit.Store = (*Store)(nil)
