// Package postgres persists consent tokens in the consent_tokens table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"carevault/internal/consent/models"
	pg "carevault/internal/platform/postgres"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
	txcontext "carevault/pkg/platform/tx"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const tokenColumns = `token_id, patient_id, provider_id, permissions, expiration_time, is_active, created_at, revoked_at, signature`

func (s *Store) Create(ctx context.Context, t *models.ConsentToken) error {
	perms, err := json.Marshal(t.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO consent_tokens (`+tokenColumns+`, resource_types)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(t.TokenID), t.PatientID.String(), t.ProviderID.String(), perms,
		nullTime(t.ExpirationTime), t.IsActive, t.CreatedAt, nullTime(t.RevokedAt), t.Signature,
		pq.Array(t.ResourceTypes()),
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert consent token: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.ConsentTokenID) (*models.ConsentToken, error) {
	return s.get(ctx, s.execer(ctx), id, "")
}

func (s *Store) get(ctx context.Context, q dbExecutor, id domain.ConsentTokenID, suffix string) (*models.ConsentToken, error) {
	row := q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM consent_tokens WHERE token_id = $1`+suffix, uuid.UUID(id))
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load consent token: %w", err)
	}
	return t, nil
}

// Update locks the row for the duration of fn. Only revocation fields are written.
func (s *Store) Update(ctx context.Context, id domain.ConsentTokenID, fn func(*models.ConsentToken) error) (*models.ConsentToken, error) {
	var out *models.ConsentToken
	err := txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		t, err := s.get(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE consent_tokens SET is_active = $2, revoked_at = $3 WHERE token_id = $1`,
			uuid.UUID(id), t.IsActive, nullTime(t.RevokedAt))
		if err != nil {
			return fmt.Errorf("update consent token: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListByPatient(ctx context.Context, patientID domain.UserID) ([]*models.ConsentToken, error) {
	return s.list(ctx, `WHERE patient_id = $1`, patientID.String())
}

func (s *Store) ListByProvider(ctx context.Context, providerID domain.UserID) ([]*models.ConsentToken, error) {
	return s.list(ctx, `WHERE provider_id = $1`, providerID.String())
}

func (s *Store) ListByPair(ctx context.Context, patientID, providerID domain.UserID) ([]*models.ConsentToken, error) {
	return s.list(ctx, `WHERE patient_id = $1 AND provider_id = $2`, patientID.String(), providerID.String())
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]*models.ConsentToken, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM consent_tokens `+where+` ORDER BY created_at DESC, token_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list consent tokens: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ConsentToken, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*models.ConsentToken, error) {
	var (
		t          models.ConsentToken
		id         uuid.UUID
		patientID  string
		providerID string
		perms      []byte
		expires    sql.NullTime
		revokedAt  sql.NullTime
	)
	if err := row.Scan(&id, &patientID, &providerID, &perms, &expires, &t.IsActive, &t.CreatedAt, &revokedAt, &t.Signature); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(perms, &t.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	t.TokenID = domain.ConsentTokenID(id)
	t.PatientID = domain.UserID(patientID)
	t.ProviderID = domain.UserID(providerID)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpirationTime = fromNullTime(expires)
	t.RevokedAt = fromNullTime(revokedAt)
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
