package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carevault/internal/identity/models"
	pg "carevault/internal/platform/postgres"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
	txcontext "carevault/pkg/platform/tx"
)

// Store persists identities in the identities table.
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

const identityColumns = `user_id, role, signing_key, encryption_key, registration_status, active, created_at, updated_at, reviewed_by`

func (s *Store) Create(ctx context.Context, i *models.Identity) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))`,
		i.UserID.String(), string(i.Role), i.PublicKeys.SigningKey, i.PublicKeys.EncryptionKey,
		string(i.Status), i.Active, i.CreatedAt, i.UpdatedAt, i.ReviewedBy.String(),
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id domain.UserID) (*models.Identity, error) {
	return s.get(ctx, s.execer(ctx), id, "")
}

func (s *Store) get(ctx context.Context, q dbExecutor, id domain.UserID, suffix string) (*models.Identity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE user_id = $1`+suffix, id.String())
	i, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return i, nil
}

// Update locks the row for the duration of fn.
func (s *Store) Update(ctx context.Context, id domain.UserID, fn func(*models.Identity) error) (*models.Identity, error) {
	var out *models.Identity
	err := txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		i, err := s.get(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := fn(i); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE identities SET registration_status = $2, active = $3, updated_at = $4, reviewed_by = NULLIF($5, '')
			WHERE user_id = $1`,
			id.String(), string(i.Status), i.Active, i.UpdatedAt, i.ReviewedBy.String())
		if err != nil {
			return fmt.Errorf("update identity: %w", err)
		}
		out = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanIdentity(row *sql.Row) (*models.Identity, error) {
	var (
		i          models.Identity
		userID     string
		role       string
		status     string
		encKey     []byte
		reviewedBy sql.NullString
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&userID, &role, &i.PublicKeys.SigningKey, &encKey, &status, &i.Active, &createdAt, &updatedAt, &reviewedBy); err != nil {
		return nil, err
	}
	i.UserID = domain.UserID(userID)
	i.Role = domain.Role(role)
	i.Status = models.RegistrationStatus(status)
	i.PublicKeys.EncryptionKey = encKey
	i.CreatedAt = createdAt.UTC()
	i.UpdatedAt = updatedAt.UTC()
	i.ReviewedBy = domain.UserID(reviewedBy.String)
	return &i, nil
}
