package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
)

// ParseExportFormat accepts JSON or CSV, case-insensitively.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(strings.ToUpper(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "format must be JSON or CSV")
	}
}

type exportFilter struct {
	EventType  string `json:"eventType,omitempty"`
	UserID     string `json:"userId,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

type exportSigningBody struct {
	RequesterID string       `json:"requesterId"`
	Format      ExportFormat `json:"format"`
	Filter      exportFilter `json:"filter"`
}

func toExportFilter(f Filter) exportFilter {
	out := exportFilter{
		EventType:  string(f.EventType),
		UserID:     f.UserID.String(),
		ResourceID: f.ResourceID,
	}
	if f.From != nil {
		out.From = f.From.UTC().Format(time.RFC3339Nano)
	}
	if f.To != nil {
		out.To = f.To.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// ExportSigningPayload is what a requester signs to authorize an export.
func ExportSigningPayload(requester domain.UserID, format ExportFormat, f Filter) ([]byte, error) {
	return signature.Canonical(signature.ActionAuditExport, exportSigningBody{
		RequesterID: requester.String(),
		Format:      format,
		Filter:      toExportFilter(f),
	})
}

// Export serializes the filtered entry set, oldest first. Output depends only
// on stored entries, so repeated exports of unchanged state are byte-identical.
// AUDIT_EXPORTED entries are excluded unless the filter asks for that event type,
// which keeps the export's own audit record out of later exports.
// Every attempt, allowed or not, is recorded as AUDIT_EXPORTED.
func (t *Trail) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	format, err := ParseExportFormat(string(req.Format))
	if err != nil {
		return nil, err
	}
	if req.RequesterID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "requester id is required")
	}

	if err := t.authorizeExport(ctx, req.RequesterID, format, req.Filter, req.RequesterSignature); err != nil {
		t.recordExport(ctx, req, format, nil, OutcomeDenied)
		return nil, err
	}

	entries, err := t.store.All(ctx, req.Filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit trail")
	}
	if req.Filter.EventType != EventAuditExported {
		kept := entries[:0]
		for _, e := range entries {
			if e.EventType != EventAuditExported {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	var data []byte
	var contentType string
	switch format {
	case FormatCSV:
		data, err = encodeCSV(entries)
		contentType = "text/csv"
	default:
		data, err = encodeJSON(entries, t.signer.KeyID(), t.signer.PublicKey())
		contentType = "application/json"
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to serialize export")
	}

	sum := sha256.Sum256(data)
	res := &ExportResult{
		Format:      format,
		ContentType: contentType,
		Data:        data,
		EntryCount:  len(entries),
		Checksum:    hex.EncodeToString(sum[:]),
		Signature:   t.signer.Sign(data),
		KeyID:       t.signer.KeyID(),
	}
	t.recordExport(ctx, req, format, res, OutcomeSuccess)
	return res, nil
}

func (t *Trail) authorizeExport(ctx context.Context, requester domain.UserID, format ExportFormat, f Filter, sig []byte) error {
	forbidden := dErrors.New(dErrors.CodeForbidden, "audit export requires an auditor or system_admin signature")
	if t.principals == nil {
		return forbidden
	}
	p, err := t.principals.Principal(ctx, requester)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || dErrors.HasCode(err, dErrors.CodeNotFound) {
			return forbidden
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve requester")
	}
	if !p.Usable || !p.Role.CanExportAudit() {
		return forbidden
	}
	msg, err := ExportSigningPayload(requester, format, f)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode export request")
	}
	if !t.verifier.Verify(p.SigningKey, msg, sig) {
		return forbidden
	}
	return nil
}

func (t *Trail) recordExport(ctx context.Context, req ExportRequest, format ExportFormat, res *ExportResult, outcome string) {
	details := map[string]string{
		DetailOutcome: outcome,
		"format":      string(format),
	}
	if res != nil {
		details["entryCount"] = strconv.Itoa(res.EntryCount)
		details["checksum"] = res.Checksum
	}
	if _, err := t.Record(ctx, Input{EventType: EventAuditExported, UserID: req.RequesterID, Details: details}); err != nil {
		t.logger.ErrorContext(ctx, "failed to audit export", "error", err)
	}
}

// ExportedEntry is the JSON export shape of one entry.
type ExportedEntry struct {
	Seq                 int64             `json:"seq"`
	EntryID             string            `json:"entryId"`
	EventType           EventType         `json:"eventType"`
	UserID              string            `json:"userId"`
	ResourceID          string            `json:"resourceId,omitempty"`
	Timestamp           string            `json:"timestamp"`
	Details             map[string]string `json:"details"`
	Signature           string            `json:"signature"`
	LedgerTransactionID string            `json:"ledgerTransactionId,omitempty"`
	BlockNumber         *uint64           `json:"blockNumber,omitempty"`
	IsImmutable         bool              `json:"isImmutable"`
}

// ExportDocument is the top-level JSON export.
type ExportDocument struct {
	KeyID          string          `json:"keyId"`
	AuditPublicKey string          `json:"auditPublicKey"`
	Entries        []ExportedEntry `json:"entries"`
}

func toExported(e *Entry) ExportedEntry {
	c := contentOf(e)
	return ExportedEntry{
		Seq:                 e.Seq,
		EntryID:             c.EntryID,
		EventType:           c.EventType,
		UserID:              c.UserID,
		ResourceID:          c.ResourceID,
		Timestamp:           c.Timestamp,
		Details:             c.Details,
		Signature:           base64.StdEncoding.EncodeToString(e.Signature),
		LedgerTransactionID: e.LedgerTransactionID,
		BlockNumber:         e.BlockNumber,
		IsImmutable:         e.IsImmutable,
	}
}

func encodeJSON(entries []*Entry, keyID string, pub []byte) ([]byte, error) {
	doc := ExportDocument{
		KeyID:          keyID,
		AuditPublicKey: base64.StdEncoding.EncodeToString(pub),
		Entries:        make([]ExportedEntry, 0, len(entries)),
	}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, toExported(e))
	}
	return json.MarshalIndent(doc, "", "  ")
}

var csvHeader = []string{
	"seq", "entryId", "eventType", "userId", "resourceId", "timestamp",
	"details", "signature", "ledgerTransactionId", "blockNumber", "isImmutable",
}

func encodeCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		x := toExported(e)
		details, err := json.Marshal(x.Details)
		if err != nil {
			return nil, err
		}
		block := ""
		if x.BlockNumber != nil {
			block = strconv.FormatUint(*x.BlockNumber, 10)
		}
		if err := w.Write([]string{
			strconv.FormatInt(x.Seq, 10), x.EntryID, string(x.EventType), x.UserID, x.ResourceID, x.Timestamp,
			string(details), x.Signature, x.LedgerTransactionID, block, strconv.FormatBool(x.IsImmutable),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// VerifyExport checks every entry signature in a JSON export against pub.
// It returns the number of entries verified or an error naming the first bad entry.
func VerifyExport(data []byte, pub []byte, v signature.Verifier) (int, error) {
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	for i, x := range doc.Entries {
		id, err := domain.ParseAuditEntryID(x.EntryID)
		if err != nil {
			return i, err
		}
		ts, err := time.Parse(time.RFC3339Nano, x.Timestamp)
		if err != nil {
			return i, err
		}
		sig, err := base64.StdEncoding.DecodeString(x.Signature)
		if err != nil {
			return i, err
		}
		content, err := CanonicalContent(&Entry{
			EntryID:    id,
			EventType:  x.EventType,
			UserID:     domain.UserID(x.UserID),
			ResourceID: x.ResourceID,
			Timestamp:  ts,
			Details:    x.Details,
		})
		if err != nil {
			return i, err
		}
		if !v.Verify(pub, content, sig) {
			return i, errors.New("signature mismatch for entry " + x.EntryID)
		}
	}
	return len(doc.Entries), nil
}
