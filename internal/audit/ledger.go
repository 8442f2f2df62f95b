package audit

//go:generate mockgen -source=ledger.go -destination=mocks/ledger.go -package=mocks

import "context"

// Ledger is the external append-only collaborator that makes entries durable.
type Ledger interface {
	// Submit appends payload. BlockNumber is nil when the transaction was
	// accepted but is not yet committed.
	Submit(ctx context.Context, sub Submission) (Receipt, error)
	// Query looks a transaction up by id. Returns sentinel.ErrNotFound when unknown.
	Query(ctx context.Context, criteria Criteria) (*LedgerRecord, error)
}

// Submission is what the trail hands to the ledger.
type Submission struct {
	EntryID string
	Payload []byte
}

// Receipt is the ledger's acknowledgement.
type Receipt struct {
	TransactionID string
	BlockNumber   *uint64
}

// Criteria selects a ledger transaction.
type Criteria struct {
	TransactionID string
}

// LedgerRecord is a transaction as stored by the ledger.
type LedgerRecord struct {
	TransactionID string
	BlockNumber   *uint64
	EntryID       string
	Payload       []byte
}
