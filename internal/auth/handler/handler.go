// Package handler exposes challenge-response authentication over HTTP.
package handler

//go:generate mockgen -source=handler.go -destination=mocks/auth-mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"carevault/internal/auth/models"
	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/requestcontext"
)

// Service is the authentication surface used by HTTP.
type Service interface {
	RequestNonce(ctx context.Context, userID domain.UserID) (*models.Nonce, error)
	Authenticate(ctx context.Context, userID domain.UserID, nonce string, sig []byte) (*models.Session, error)
	Logout(ctx context.Context, jti string, expiresAt time.Time) error
}

// Handler serves /auth.
type Handler struct {
	auth        Service
	logger      *slog.Logger
	requireAuth func(http.Handler) http.Handler
}

func New(auth Service, logger *slog.Logger, requireAuth func(http.Handler) http.Handler) *Handler {
	return &Handler{auth: auth, logger: logger, requireAuth: requireAuth}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/nonce", h.handleNonce)
	r.Post("/auth/authenticate", h.handleAuthenticate)
	r.Group(func(r chi.Router) {
		if h.requireAuth != nil {
			r.Use(h.requireAuth)
		}
		r.Post("/auth/logout", h.handleLogout)
	})
}

type NonceRequest struct {
	UserID string `json:"userId"`

	parsed domain.UserID
}

func (r *NonceRequest) Validate() error {
	id, err := domain.ParseUserID(strings.TrimSpace(r.UserID))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid userId")
	}
	r.parsed = id
	return nil
}

type NonceResponse struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuthenticateRequest carries the base64 signature over the nonce string.
type AuthenticateRequest struct {
	UserID    string `json:"userId"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`

	userID domain.UserID
	sig    []byte
}

// Validate never reports which field was wrong beyond shape; malformed
// signatures are still sent to the verifier so the attempt is audited.
func (r *AuthenticateRequest) Validate() error {
	id, err := domain.ParseUserID(strings.TrimSpace(r.UserID))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid userId")
	}
	if r.Nonce == "" {
		return dErrors.New(dErrors.CodeValidation, "nonce is required")
	}
	r.userID = id
	r.sig, _ = signature.DecodeKey(r.Signature)
	return nil
}

type SessionResponse struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) handleNonce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[NonceRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	n, err := h.auth.RequestNonce(ctx, req.parsed)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to issue nonce",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NonceResponse{Nonce: n.Value, ExpiresAt: n.ExpiresAt})
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[AuthenticateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	session, err := h.auth.Authenticate(ctx, req.userID, req.Nonce, req.sig)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SessionResponse{
		UserID:    session.UserID.String(),
		Role:      string(session.Role),
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jti, expiresAt := requestcontext.Session(ctx)
	if jti == "" {
		h.logger.ErrorContext(ctx, "session missing from context despite auth middleware",
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	if err := h.auth.Logout(ctx, jti, expiresAt); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}
