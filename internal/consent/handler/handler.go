// Package handler exposes the consent registry over HTTP.
package handler

//go:generate mockgen -source=handler.go -destination=mocks/consent-mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carevault/internal/consent/models"
	"carevault/internal/consent/service"
	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/requestcontext"
)

// Service is the consent registry as used by HTTP.
type Service interface {
	Grant(ctx context.Context, req service.GrantRequest) (*models.ConsentToken, error)
	Revoke(ctx context.Context, req service.RevokeRequest) (*models.ConsentToken, error)
	ListForPatient(ctx context.Context, patientID domain.UserID) ([]*models.ConsentToken, error)
	ListForProvider(ctx context.Context, providerID domain.UserID) ([]*models.ConsentToken, error)
	StatusSummary(ctx context.Context, patientID, providerID domain.UserID) (*models.Summary, error)
}

// Handler serves /consents. Every route needs a session.
type Handler struct {
	consent     Service
	logger      *slog.Logger
	requireAuth func(http.Handler) http.Handler
}

func New(consent Service, logger *slog.Logger, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{consent: consent, logger: logger, requireAuth: requireAuth}
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.requireAuth != nil {
			r.Use(h.requireAuth)
		}
		r.Post("/consents", h.handleGrant)
		r.Post("/consents/{tokenId}/revoke", h.handleRevoke)
		r.Get("/consents/status", h.handleStatus)
		r.Get("/consents/patients/{patientId}", h.handleListForPatient)
		r.Get("/consents/providers/{providerId}", h.handleListForProvider)
	})
}

type PermissionRequest struct {
	ResourceType string            `json:"resourceType"`
	AccessLevel  string            `json:"accessLevel"`
	Conditions   map[string]string `json:"conditions,omitempty"`
}

// GrantRequest is signed by the patient. PatientID defaults to the caller.
type GrantRequest struct {
	PatientID        string              `json:"patientId,omitempty"`
	ProviderID       string              `json:"providerId"`
	Permissions      []PermissionRequest `json:"permissions"`
	ExpirationTime   *time.Time          `json:"expirationTime,omitempty"`
	PatientSignature string              `json:"patientSignature"`

	parsed service.GrantRequest
}

func (r *GrantRequest) Validate() error {
	trimStrings(r)
	var patientID domain.UserID
	if r.PatientID != "" {
		id, err := domain.ParseUserID(r.PatientID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, "invalid patientId")
		}
		patientID = id
	}
	providerID, err := domain.ParseUserID(r.ProviderID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid providerId")
	}
	if len(r.Permissions) == 0 {
		return dErrors.New(dErrors.CodeValidation, "permissions must not be empty")
	}
	perms := make([]models.Permission, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		rt, err := domain.ParseResourceType(p.ResourceType)
		if err != nil {
			return err
		}
		level, err := domain.ParseAccessLevel(p.AccessLevel)
		if err != nil {
			return err
		}
		perms = append(perms, models.Permission{ResourceType: rt, AccessLevel: level, Conditions: p.Conditions})
	}
	sig, err := signature.DecodeKey(r.PatientSignature)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "patientSignature must be base64")
	}
	r.parsed = service.GrantRequest{
		PatientID:        patientID,
		ProviderID:       providerID,
		Permissions:      perms,
		ExpirationTime:   r.ExpirationTime,
		PatientSignature: sig,
	}
	return nil
}

type RevokeRequest struct {
	PatientSignature string `json:"patientSignature"`

	sig []byte
}

func (r *RevokeRequest) Validate() error {
	trimStrings(r)
	sig, err := signature.DecodeKey(r.PatientSignature)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "patientSignature must be base64")
	}
	r.sig = sig
	return nil
}

type ConsentTokenResponse struct {
	TokenID        string              `json:"tokenId"`
	PatientID      string              `json:"patientId"`
	ProviderID     string              `json:"providerId"`
	Permissions    []models.Permission `json:"permissions"`
	ExpirationTime *time.Time          `json:"expirationTime,omitempty"`
	IsActive       bool                `json:"isActive"`
	Status         string              `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	RevokedAt      *time.Time          `json:"revokedAt,omitempty"`
	Signature      string              `json:"signature"`
}

func toResponse(t *models.ConsentToken, now time.Time) ConsentTokenResponse {
	return ConsentTokenResponse{
		TokenID:        t.TokenID.String(),
		PatientID:      t.PatientID.String(),
		ProviderID:     t.ProviderID.String(),
		Permissions:    t.Permissions,
		ExpirationTime: t.ExpirationTime,
		IsActive:       t.IsActive,
		Status:         t.Status(now),
		CreatedAt:      t.CreatedAt,
		RevokedAt:      t.RevokedAt,
		Signature:      signature.EncodeKey(t.Signature),
	}
}

func toResponses(tokens []*models.ConsentToken, now time.Time) []ConsentTokenResponse {
	out := make([]ConsentTokenResponse, len(tokens))
	for i, t := range tokens {
		out[i] = toResponse(t, now)
	}
	return out
}

type ListResponse struct {
	Consents []ConsentTokenResponse `json:"consents"`
	Count    int                    `json:"count"`
}

type StatusResponse struct {
	PatientID   string                 `json:"patientId"`
	ProviderID  string                 `json:"providerId"`
	HasActive   bool                   `json:"hasActiveConsent"`
	Active      int                    `json:"active"`
	Expired     int                    `json:"expired"`
	Revoked     int                    `json:"revoked"`
	Permissions []models.Permission    `json:"permissions"`
	Consents    []ConsentTokenResponse `json:"consents"`
}

// caller returns the session principal or writes UNAUTHORIZED.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.UserID, domain.Role, bool) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsZero() {
		h.logger.ErrorContext(ctx, "userID missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return "", "", false
	}
	return userID, requestcontext.Role(ctx), true
}

// canView allows the parties themselves plus oversight roles to read consent state.
func canView(caller domain.UserID, role domain.Role, parties ...domain.UserID) bool {
	if role == domain.RoleSystemAdmin || role == domain.RoleAuditor {
		return true
	}
	for _, p := range parties {
		if p == caller {
			return true
		}
	}
	return false
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[GrantRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if req.parsed.PatientID.IsZero() {
		req.parsed.PatientID = userID
	}
	req.parsed.RequesterID = userID
	tok, err := h.consent.Grant(ctx, req.parsed)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(tok, requestcontext.Now(ctx)))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	userID, _, ok := h.caller(w, r)
	if !ok {
		return
	}
	tokenID, err := domain.ParseConsentTokenID(chi.URLParam(r, "tokenId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid tokenId"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[RevokeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	tok, err := h.consent.Revoke(ctx, service.RevokeRequest{
		RequesterID:      userID,
		ConsentTokenID:   tokenID,
		PatientSignature: req.sig,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(tok, requestcontext.Now(ctx)))
}

func (h *Handler) handleListForPatient(w http.ResponseWriter, r *http.Request) {
	h.handleList(w, r, "patientId", h.consent.ListForPatient)
}

func (h *Handler) handleListForProvider(w http.ResponseWriter, r *http.Request) {
	h.handleList(w, r, "providerId", h.consent.ListForProvider)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, param string, list func(context.Context, domain.UserID) ([]*models.ConsentToken, error)) {
	ctx := r.Context()
	userID, role, ok := h.caller(w, r)
	if !ok {
		return
	}
	subject, err := domain.ParseUserID(chi.URLParam(r, param))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid "+param))
		return
	}
	if !canView(userID, role, subject) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "not allowed to view these consents"))
		return
	}
	tokens, err := list(ctx, subject)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{
		Consents: toResponses(tokens, requestcontext.Now(ctx)),
		Count:    len(tokens),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, role, ok := h.caller(w, r)
	if !ok {
		return
	}
	patientID, err := domain.ParseUserID(r.URL.Query().Get("patientId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid patientId"))
		return
	}
	providerID, err := domain.ParseUserID(r.URL.Query().Get("providerId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid providerId"))
		return
	}
	if !canView(userID, role, patientID, providerID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "not allowed to view these consents"))
		return
	}
	sum, err := h.consent.StatusSummary(ctx, patientID, providerID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		PatientID:   sum.PatientID.String(),
		ProviderID:  sum.ProviderID.String(),
		HasActive:   sum.HasActive,
		Active:      sum.Active,
		Expired:     sum.Expired,
		Revoked:     sum.Revoked,
		Permissions: sum.Permissions,
		Consents:    toResponses(sum.Tokens, requestcontext.Now(ctx)),
	})
}
