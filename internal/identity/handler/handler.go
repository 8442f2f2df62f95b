package handler

//go:generate mockgen -source=handler.go -destination=mocks/identity-mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"carevault/internal/crypto/signature"
	"carevault/internal/identity/models"
	"carevault/internal/identity/service"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/requestcontext"
)

// Service is the identity directory as used by HTTP.
type Service interface {
	Register(ctx context.Context, req service.RegisterRequest) (*models.Identity, error)
	Approve(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error)
	Reject(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error)
	Deactivate(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error)
	Get(ctx context.Context, userID domain.UserID) (*models.Identity, error)
}

// Handler serves /identities.
type Handler struct {
	identities  Service
	logger      *slog.Logger
	requireAuth func(http.Handler) http.Handler
}

func New(identities Service, logger *slog.Logger, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{identities: identities, logger: logger, requireAuth: requireAuth}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/identities", h.handleRegister)
	r.Group(func(r chi.Router) {
		if h.requireAuth != nil {
			r.Use(h.requireAuth)
		}
		r.Get("/identities/{userId}", h.handleGet)
		r.Post("/identities/{userId}/approve", h.handleReview(h.identities.Approve))
		r.Post("/identities/{userId}/reject", h.handleReview(h.identities.Reject))
		r.Post("/identities/{userId}/deactivate", h.handleReview(h.identities.Deactivate))
	})
}

// RegisterRequest carries base64 public keys.
type RegisterRequest struct {
	UserID        string `json:"userId"`
	Role          string `json:"role"`
	SigningKey    string `json:"signingKey"`
	EncryptionKey string `json:"encryptionKey,omitempty"`

	parsed service.RegisterRequest
}

func (r *RegisterRequest) Validate() error {
	userID, err := domain.ParseUserID(strings.TrimSpace(r.UserID))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid userId")
	}
	role, err := domain.ParseRole(r.Role)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid role")
	}
	signing, err := signature.DecodeKey(r.SigningKey)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "signingKey must be base64")
	}
	var enc []byte
	if r.EncryptionKey != "" {
		if enc, err = signature.DecodeKey(r.EncryptionKey); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, "encryptionKey must be base64")
		}
	}
	r.parsed = service.RegisterRequest{
		UserID:     userID,
		Role:       role,
		PublicKeys: models.PublicKeys{SigningKey: signing, EncryptionKey: enc},
	}
	return nil
}

// IdentityResponse is the public projection of an identity.
type IdentityResponse struct {
	UserID             string    `json:"userId"`
	Role               string    `json:"role"`
	RegistrationStatus string    `json:"registrationStatus"`
	Active             bool      `json:"active"`
	SigningKey         string    `json:"signingKey"`
	EncryptionKey      string    `json:"encryptionKey,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func toResponse(i *models.Identity) IdentityResponse {
	resp := IdentityResponse{
		UserID:             i.UserID.String(),
		Role:               string(i.Role),
		RegistrationStatus: string(i.Status),
		Active:             i.Active,
		SigningKey:         signature.EncodeKey(i.PublicKeys.SigningKey),
		CreatedAt:          i.CreatedAt,
		UpdatedAt:          i.UpdatedAt,
	}
	if len(i.PublicKeys.EncryptionKey) > 0 {
		resp.EncryptionKey = signature.EncodeKey(i.PublicKeys.EncryptionKey)
	}
	return resp
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	identity, err := h.identities.Register(ctx, req.parsed)
	if err != nil {
		h.logger.WarnContext(ctx, "identity registration failed",
			"request_id", requestID,
			"user_id", req.parsed.UserID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(identity))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := domain.ParseUserID(chi.URLParam(r, "userId"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid userId"))
		return
	}
	identity, err := h.identities.Get(ctx, userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(identity))
}

func (h *Handler) handleReview(op func(ctx context.Context, adminID, userID domain.UserID) (*models.Identity, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := requestcontext.RequestID(ctx)
		adminID := requestcontext.UserID(ctx)
		if adminID.IsZero() {
			h.logger.ErrorContext(ctx, "userID missing from context despite auth middleware",
				"request_id", requestID,
			)
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
			return
		}
		userID, err := domain.ParseUserID(chi.URLParam(r, "userId"))
		if err != nil {
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid userId"))
			return
		}
		identity, err := op(ctx, adminID, userID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, toResponse(identity))
	}
}
