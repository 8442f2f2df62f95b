// Package models defines the record catalogue and the orchestrator's operation states.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
)

// State is a step of one upload or download.
type State string

const (
	StateValidating State = "validating"
	StateExecuting  State = "executing"
	StateAuditing   State = "auditing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Record is the catalogue entry kept per upload. The blob itself lives in the
// content store, addressed by ContentID.
type Record struct {
	ContentID    domain.ContentID
	PatientID    domain.UserID
	ResourceType domain.ResourceType
	ContentType  string
	Size         int64
	UploadedBy   domain.UserID
	UploadedAt   time.Time
}

// Metadata describes an upload.
type Metadata struct {
	ResourceType domain.ResourceType
	ContentType  string
}

// ContentIDFor returns the content address of blob.
func ContentIDFor(blob []byte) domain.ContentID {
	sum := sha256.Sum256(blob)
	return domain.ContentID(hex.EncodeToString(sum[:]))
}

type uploadBody struct {
	PatientID    string `json:"patientId"`
	ProviderID   string `json:"providerId"`
	ResourceType string `json:"resourceType"`
	ContentType  string `json:"contentType"`
	ContentID    string `json:"contentId"`
}

// UploadSigningPayload is what the uploading provider signs. The blob is bound
// through its content address.
func UploadSigningPayload(patientID, providerID domain.UserID, meta Metadata, contentID domain.ContentID) ([]byte, error) {
	return signature.Canonical(signature.ActionRecordUpload, uploadBody{
		PatientID:    patientID.String(),
		ProviderID:   providerID.String(),
		ResourceType: meta.ResourceType.String(),
		ContentType:  meta.ContentType,
		ContentID:    contentID.String(),
	})
}
