package service

//go:generate mockgen -source=ports.go -destination=mocks/ports.go -package=mocks

import (
	"context"

	"carevault/internal/access"
	idmodels "carevault/internal/identity/models"
	"carevault/internal/records/models"
	"carevault/pkg/domain"
)

// ContentStore holds encrypted blobs by content address.
type ContentStore interface {
	Put(ctx context.Context, blob []byte) (domain.ContentID, error)
	Get(ctx context.Context, id domain.ContentID) ([]byte, error)
	Pin(ctx context.Context, id domain.ContentID) error
	Exists(ctx context.Context, id domain.ContentID) (bool, error)
}

// Catalogue maps content to the patient it belongs to and its resource type.
type Catalogue interface {
	Add(ctx context.Context, rec *models.Record) error
	Get(ctx context.Context, contentID domain.ContentID, patientID domain.UserID) (*models.Record, error)
	ListByPatient(ctx context.Context, patientID domain.UserID) ([]*models.Record, error)
}

// AccessChecker decides each upload and download.
type AccessChecker interface {
	CheckAccess(ctx context.Context, req access.Request) access.Result
}

// KeyDirectory resolves upload signing keys.
type KeyDirectory interface {
	PublicKeys(ctx context.Context, userID domain.UserID) (idmodels.PublicKeys, error)
}
