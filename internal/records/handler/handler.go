// Package handler exposes record upload and download over HTTP.
package handler

//go:generate mockgen -source=handler.go -destination=mocks/records-mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"carevault/internal/crypto/signature"
	"carevault/internal/records/models"
	"carevault/internal/records/service"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/requestcontext"
)

type Service interface {
	Upload(ctx context.Context, req service.UploadRequest) (*service.UploadResult, error)
	Download(ctx context.Context, req service.DownloadRequest) (*service.DownloadResult, error)
	ListForPatient(ctx context.Context, requesterID, patientID domain.UserID) ([]*models.Record, error)
}

type Handler struct {
	records     Service
	logger      *slog.Logger
	requireAuth func(http.Handler) http.Handler
}

func New(records Service, logger *slog.Logger, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{records: records, logger: logger, requireAuth: requireAuth}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.requireAuth != nil {
			r.Use(h.requireAuth)
		}
		r.Post("/records", h.handleUpload)
		r.Get("/records/patients/{patientId}", h.handleList)
		r.Get("/records/patients/{patientId}/{contentId}", h.handleDownload)
	})
}

type UploadRequest struct {
	PatientID         string `json:"patientId"`
	ResourceType      string `json:"resourceType"`
	ContentType       string `json:"contentType"`
	Blob              string `json:"blob"`
	ProviderSignature string `json:"providerSignature"`

	patientID domain.UserID
	meta      models.Metadata
	blob      []byte
	sig       []byte
}

func (r *UploadRequest) Validate() error {
	r.PatientID = strings.TrimSpace(r.PatientID)
	r.ResourceType = strings.TrimSpace(r.ResourceType)
	r.ContentType = strings.TrimSpace(r.ContentType)

	patientID, err := domain.ParseUserID(r.PatientID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid patientId")
	}
	rt, err := domain.ParseResourceType(r.ResourceType)
	if err != nil {
		return err
	}
	blob, err := signature.DecodeKey(r.Blob)
	if err != nil || len(blob) == 0 {
		return dErrors.New(dErrors.CodeValidation, "blob must be non-empty base64")
	}
	sig, err := signature.DecodeKey(r.ProviderSignature)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "providerSignature must be base64")
	}
	r.patientID = patientID
	r.meta = models.Metadata{ResourceType: rt, ContentType: r.ContentType}
	r.blob = blob
	r.sig = sig
	return nil
}

type RecordResponse struct {
	ContentID      string    `json:"contentId"`
	PatientID      string    `json:"patientId"`
	ResourceType   string    `json:"resourceType"`
	ContentType    string    `json:"contentType"`
	Size           int64     `json:"size"`
	UploadedBy     string    `json:"uploadedBy"`
	UploadedAt     time.Time `json:"uploadedAt"`
	ConsentTokenID string    `json:"consentTokenId,omitempty"`
	AccessReason   string    `json:"accessReason,omitempty"`
}

type DownloadResponse struct {
	RecordResponse
	Blob string `json:"blob"`
}

type ListResponse struct {
	Records []RecordResponse `json:"records"`
	Count   int              `json:"count"`
}

func toResponse(rec *models.Record) RecordResponse {
	return RecordResponse{
		ContentID:    rec.ContentID.String(),
		PatientID:    rec.PatientID.String(),
		ResourceType: rec.ResourceType.String(),
		ContentType:  rec.ContentType,
		Size:         rec.Size,
		UploadedBy:   rec.UploadedBy.String(),
		UploadedAt:   rec.UploadedAt,
	}
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.UserID, bool) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsZero() {
		h.logger.ErrorContext(ctx, "userID missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return "", false
	}
	return userID, true
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[UploadRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	res, err := h.records.Upload(ctx, service.UploadRequest{
		PatientID:         req.patientID,
		ProviderID:        providerID,
		Blob:              req.blob,
		Metadata:          req.meta,
		ProviderSignature: req.sig,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := toResponse(res.Record)
	if res.ConsentTokenID != nil {
		resp.ConsentTokenID = res.ConsentTokenID.String()
	}
	resp.AccessReason = res.AccessReason
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requesterID, ok := h.caller(w, r)
	if !ok {
		return
	}
	patientID, err := domain.ParseUserID(chi.URLParam(r, "patientId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid patientId"))
		return
	}
	// Content id validation happens in the service so malformed ids are audited too.
	res, err := h.records.Download(ctx, service.DownloadRequest{
		RequesterID:  requesterID,
		PatientID:    patientID,
		ContentID:    domain.ContentID(chi.URLParam(r, "contentId")),
		AccessReason: r.URL.Query().Get("reason"),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := DownloadResponse{RecordResponse: toResponse(res.Record), Blob: signature.EncodeKey(res.Blob)}
	if res.ConsentTokenID != nil {
		resp.ConsentTokenID = res.ConsentTokenID.String()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requesterID, ok := h.caller(w, r)
	if !ok {
		return
	}
	patientID, err := domain.ParseUserID(chi.URLParam(r, "patientId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid patientId"))
		return
	}
	recs, err := h.records.ListForPatient(ctx, requesterID, patientID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Records: out, Count: len(out)})
}
