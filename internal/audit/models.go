package audit

import (
	"time"

	"carevault/pkg/domain"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventLoginAttempt        EventType = "LOGIN_ATTEMPT"
	EventConsentGranted      EventType = "CONSENT_GRANTED"
	EventConsentRevoked      EventType = "CONSENT_REVOKED"
	EventRecordCreated       EventType = "RECORD_CREATED"
	EventRecordAccessed      EventType = "RECORD_ACCESSED"
	EventAccessDenied        EventType = "ACCESS_DENIED"
	EventAuditExported       EventType = "AUDIT_EXPORTED"
	EventIdentityRegistered  EventType = "IDENTITY_REGISTERED"
	EventIdentityApproved    EventType = "IDENTITY_APPROVED"
	EventIdentityRejected    EventType = "IDENTITY_REJECTED"
	EventIdentityDeactivated EventType = "IDENTITY_DEACTIVATED"
)

var validEventTypes = map[EventType]bool{
	EventLoginAttempt:        true,
	EventConsentGranted:      true,
	EventConsentRevoked:      true,
	EventRecordCreated:       true,
	EventRecordAccessed:      true,
	EventAccessDenied:        true,
	EventAuditExported:       true,
	EventIdentityRegistered:  true,
	EventIdentityApproved:    true,
	EventIdentityRejected:    true,
	EventIdentityDeactivated: true,
}

func (e EventType) IsValid() bool { return validEventTypes[e] }

// Detail keys shared by emitters.
const (
	DetailOutcome     = "outcome"
	DetailReason      = "reason"
	DetailSensitivity = "sensitivity"
	DetailRequestID   = "requestId"
	DetailClient      = "client"
)

// Outcome values for DetailOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Input is what callers supply to Record; the trail assigns the rest.
type Input struct {
	EventType  EventType
	UserID     domain.UserID
	ResourceID string
	Details    map[string]string
}

// Entry is an audit record. Content fields (everything except the ledger
// fields) are fixed at creation; ledger fields are set once, on commit.
type Entry struct {
	Seq        int64
	EntryID    domain.AuditEntryID
	EventType  EventType
	UserID     domain.UserID
	ResourceID string
	Timestamp  time.Time
	Details    map[string]string
	Signature  []byte

	LedgerTransactionID string
	BlockNumber         *uint64
	IsImmutable         bool

	// Delivery bookkeeping, not part of the signed content.
	SubmitAttempts int
	NextAttemptAt  time.Time
	Abandoned      bool
}

// Clone returns a deep copy so callers cannot mutate stored entries.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	c.Signature = append([]byte(nil), e.Signature...)
	if e.BlockNumber != nil {
		bn := *e.BlockNumber
		c.BlockNumber = &bn
	}
	return &c
}

// Filter selects entries; all set fields must match.
type Filter struct {
	EventType  EventType
	UserID     domain.UserID
	ResourceID string
	From       *time.Time
	To         *time.Time
}

// Matches reports whether e satisfies every set field of f. From and To are inclusive.
func (f Filter) Matches(e *Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Query is a filtered, paginated read. Page is 1-indexed.
type Query struct {
	Filter
	Page  int
	Limit int
}

// QueryResult carries one page plus counts: TotalCount over the whole trail,
// FilteredCount over entries matching the filter.
type QueryResult struct {
	Entries       []*Entry
	TotalCount    int
	FilteredCount int
	Page          int
	Limit         int
}

// ExportFormat selects the export serialization.
type ExportFormat string

const (
	FormatJSON ExportFormat = "JSON"
	FormatCSV  ExportFormat = "CSV"
)

// ExportRequest asks for a signed serialization of a filtered entry set.
type ExportRequest struct {
	RequesterID        domain.UserID
	Format             ExportFormat
	Filter             Filter
	RequesterSignature []byte
}

// ExportResult is the serialized entry set plus integrity metadata.
type ExportResult struct {
	Format      ExportFormat
	ContentType string
	Data        []byte
	EntryCount  int
	Checksum    string // hex sha-256 of Data
	Signature   []byte // audit key signature over Data
	KeyID       string
}

// Health summarizes ledger durability.
type Health struct {
	Status       string     `json:"status"`
	Pending      int        `json:"pending"`
	Abandoned    int        `json:"abandoned"`
	CircuitOpen  bool       `json:"circuitOpen"`
	LastCommitAt *time.Time `json:"lastCommitAt,omitempty"`
}

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// Verification reports the integrity of one entry.
type Verification struct {
	EntryID         domain.AuditEntryID `json:"entryId"`
	SignatureValid  bool                `json:"signatureValid"`
	Committed       bool                `json:"committed"`
	LedgerMatches   *bool               `json:"ledgerMatches,omitempty"`
	LedgerCheckedAt *time.Time          `json:"ledgerCheckedAt,omitempty"`
}
