package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// signedContent is the canonical form covered by the entry signature.
// Ledger fields are excluded because they are assigned after signing.
type signedContent struct {
	EntryID    string            `json:"entryId"`
	EventType  EventType         `json:"eventType"`
	UserID     string            `json:"userId"`
	ResourceID string            `json:"resourceId,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Details    map[string]string `json:"details"`
}

func contentOf(e *Entry) signedContent {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	return signedContent{
		EntryID:    e.EntryID.String(),
		EventType:  e.EventType,
		UserID:     e.UserID.String(),
		ResourceID: e.ResourceID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Details:    details,
	}
}

// CanonicalContent returns the bytes the audit signature covers.
func CanonicalContent(e *Entry) ([]byte, error) {
	b, err := json.Marshal(contentOf(e))
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return b, nil
}

type ledgerPayload struct {
	signedContent
	Signature string `json:"signature"`
}

// LedgerPayload is the transaction body submitted to the ledger.
func LedgerPayload(e *Entry) ([]byte, error) {
	b, err := json.Marshal(ledgerPayload{
		signedContent: contentOf(e),
		Signature:     base64.StdEncoding.EncodeToString(e.Signature),
	})
	if err != nil {
		return nil, fmt.Errorf("encode ledger payload: %w", err)
	}
	return b, nil
}
