// Package postgres persists the record catalogue in the record_catalogue table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"carevault/internal/records/models"
	pg "carevault/internal/platform/postgres"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `content_id, patient_id, resource_type, content_type, size_bytes, uploaded_by, uploaded_at`

func (s *Store) Add(ctx context.Context, rec *models.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO record_catalogue (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ContentID.String(), rec.PatientID.String(), rec.ResourceType.String(),
		rec.ContentType, rec.Size, rec.UploadedBy.String(), rec.UploadedAt,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert catalogue record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, contentID domain.ContentID, patientID domain.UserID) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM record_catalogue
		WHERE content_id = $1 AND patient_id = $2`,
		contentID.String(), patientID.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load catalogue record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListByPatient(ctx context.Context, patientID domain.UserID) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM record_catalogue
		WHERE patient_id = $1
		ORDER BY uploaded_at DESC, content_id`, patientID.String())
	if err != nil {
		return nil, fmt.Errorf("list catalogue records: %w", err)
	}
	defer rows.Close()
	out := []*models.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalogue record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var rec models.Record
	var contentID, patient, rt, uploader string
	if err := row.Scan(&contentID, &patient, &rt, &rec.ContentType, &rec.Size, &uploader, &rec.UploadedAt); err != nil {
		return nil, err
	}
	rec.ContentID = domain.ContentID(contentID)
	rec.PatientID = domain.UserID(patient)
	rec.ResourceType = domain.ResourceType(rt)
	rec.UploadedBy = domain.UserID(uploader)
	rec.UploadedAt = rec.UploadedAt.UTC()
	return &rec, nil
}
