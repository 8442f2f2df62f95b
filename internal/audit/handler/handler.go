// Package handler exposes the audit trail over HTTP.
package handler

//go:generate mockgen -source=handler.go -destination=mocks/audit-mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"carevault/internal/audit"
	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/requestcontext"
)

type Service interface {
	Query(ctx context.Context, q audit.Query) (*audit.QueryResult, error)
	Export(ctx context.Context, req audit.ExportRequest) (*audit.ExportResult, error)
	VerifyEntry(ctx context.Context, id domain.AuditEntryID) (*audit.Verification, error)
	PublicKey() []byte
	KeyID() string
}

type Handler struct {
	trail       Service
	logger      *slog.Logger
	requireAuth func(http.Handler) http.Handler
}

func New(trail Service, logger *slog.Logger, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{trail: trail, logger: logger, requireAuth: requireAuth}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/audit/public-key", h.handlePublicKey)
	r.Group(func(r chi.Router) {
		if h.requireAuth != nil {
			r.Use(h.requireAuth)
		}
		r.Get("/audit/entries", h.handleQuery)
		r.Get("/audit/entries/{entryId}/verify", h.handleVerify)
		r.Post("/audit/export", h.handleExport)
	})
}

func isOversight(role domain.Role) bool {
	return role == domain.RoleAuditor || role == domain.RoleSystemAdmin
}

type EntryResponse struct {
	EntryID             string            `json:"entryId"`
	EventType           audit.EventType   `json:"eventType"`
	UserID              string            `json:"userId"`
	ResourceID          string            `json:"resourceId,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	Details             map[string]string `json:"details"`
	Signature           string            `json:"signature"`
	LedgerTransactionID string            `json:"ledgerTransactionId,omitempty"`
	BlockNumber         *uint64           `json:"blockNumber,omitempty"`
	IsImmutable         bool              `json:"isImmutable"`
}

type QueryResponse struct {
	Entries       []EntryResponse `json:"entries"`
	TotalCount    int             `json:"totalCount"`
	FilteredCount int             `json:"filteredCount"`
	Page          int             `json:"page"`
	Limit         int             `json:"limit"`
}

func toEntry(e *audit.Entry) EntryResponse {
	return EntryResponse{
		EntryID:             e.EntryID.String(),
		EventType:           e.EventType,
		UserID:              e.UserID.String(),
		ResourceID:          e.ResourceID,
		Timestamp:           e.Timestamp,
		Details:             e.Details,
		Signature:           signature.EncodeKey(e.Signature),
		LedgerTransactionID: e.LedgerTransactionID,
		BlockNumber:         e.BlockNumber,
		IsImmutable:         e.IsImmutable,
	}
}

// FilterRequest is the wire form of audit.Filter.
type FilterRequest struct {
	EventType  string     `json:"eventType,omitempty"`
	UserID     string     `json:"userId,omitempty"`
	ResourceID string     `json:"resourceId,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
}

func (f FilterRequest) parse() (audit.Filter, error) {
	out := audit.Filter{
		ResourceID: strings.TrimSpace(f.ResourceID),
		From:       f.From,
		To:         f.To,
	}
	if et := strings.TrimSpace(f.EventType); et != "" {
		out.EventType = audit.EventType(strings.ToUpper(et))
		if !out.EventType.IsValid() {
			return audit.Filter{}, dErrors.New(dErrors.CodeValidation, "unknown event type")
		}
	}
	if uid := strings.TrimSpace(f.UserID); uid != "" {
		id, err := domain.ParseUserID(uid)
		if err != nil {
			return audit.Filter{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid userId")
		}
		out.UserID = id
	}
	return out, nil
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	q := r.URL.Query()
	fr := FilterRequest{
		EventType:  q.Get("eventType"),
		UserID:     q.Get("userId"),
		ResourceID: q.Get("resourceId"),
	}
	var err error
	if fr.From, err = parseTime(q.Get("from"), "from"); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if fr.To, err = parseTime(q.Get("to"), "to"); err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter, err := fr.parse()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// Everyone but oversight roles sees only their own trail.
	if !isOversight(requestcontext.Role(ctx)) {
		if !filter.UserID.IsZero() && filter.UserID != userID {
			httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "not allowed to query other users' audit entries"))
			return
		}
		filter.UserID = userID
	}
	page, err := parseInt(q.Get("page"), "page")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	limit, err := parseInt(q.Get("limit"), "limit")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.trail.Query(ctx, audit.Query{Filter: filter, Page: page, Limit: limit})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := QueryResponse{
		Entries:       make([]EntryResponse, 0, len(res.Entries)),
		TotalCount:    res.TotalCount,
		FilteredCount: res.FilteredCount,
		Page:          res.Page,
		Limit:         res.Limit,
	}
	for _, e := range res.Entries {
		out.Entries = append(out.Entries, toEntry(e))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func parseTime(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, field+" must be RFC3339")
	}
	return &t, nil
}

func parseInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, dErrors.New(dErrors.CodeValidation, field+" must be a positive integer")
	}
	return n, nil
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !isOversight(requestcontext.Role(ctx)) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "audit verification requires an auditor or system_admin"))
		return
	}
	id, err := domain.ParseAuditEntryID(chi.URLParam(r, "entryId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	v, err := h.trail.VerifyEntry(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

type ExportRequest struct {
	Format             string        `json:"format"`
	Filter             FilterRequest `json:"filter"`
	RequesterSignature string        `json:"requesterSignature"`

	format audit.ExportFormat
	filter audit.Filter
	sig    []byte
}

func (r *ExportRequest) Validate() error {
	format, err := audit.ParseExportFormat(r.Format)
	if err != nil {
		return err
	}
	filter, err := r.Filter.parse()
	if err != nil {
		return err
	}
	sig, err := signature.DecodeKey(strings.TrimSpace(r.RequesterSignature))
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "requesterSignature must be base64")
	}
	r.format, r.filter, r.sig = format, filter, sig
	return nil
}

type ExportResponse struct {
	Format      audit.ExportFormat `json:"format"`
	ContentType string             `json:"contentType"`
	EntryCount  int                `json:"entryCount"`
	Checksum    string             `json:"checksum"`
	Signature   string             `json:"signature"`
	KeyID       string             `json:"keyId"`
	Data        string             `json:"data"`
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[ExportRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	res, err := h.trail.Export(ctx, audit.ExportRequest{
		RequesterID:        userID,
		Format:             req.format,
		Filter:             req.filter,
		RequesterSignature: req.sig,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ExportResponse{
		Format:      res.Format,
		ContentType: res.ContentType,
		EntryCount:  res.EntryCount,
		Checksum:    res.Checksum,
		Signature:   signature.EncodeKey(res.Signature),
		KeyID:       res.KeyID,
		Data:        signature.EncodeKey(res.Data),
	})
}

type PublicKeyResponse struct {
	KeyID     string `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, PublicKeyResponse{
		KeyID:     h.trail.KeyID(),
		PublicKey: signature.EncodeKey(h.trail.PublicKey()),
	})
}
