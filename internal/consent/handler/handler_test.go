package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carevault/internal/consent/handler/mocks"
	"carevault/internal/consent/models"
	"carevault/internal/consent/service"
	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/testutil"
)

type ConsentHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestConsentHandlerSuite(t *testing.T) {
	suite.Run(t, new(ConsentHandlerSuite))
}

func (s *ConsentHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.T().Cleanup(ctrl.Finish)
	s.service = mocks.NewMockService(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s.router = chi.NewRouter()
	New(s.service, logger, nil).Register(s.router)
}

func sampleToken(patient, provider domain.UserID) *models.ConsentToken {
	return &models.ConsentToken{
		TokenID:     domain.NewConsentTokenID(),
		PatientID:   patient,
		ProviderID:  provider,
		Permissions: []models.Permission{{ResourceType: "lab_result", AccessLevel: domain.AccessRead}},
		IsActive:    true,
		CreatedAt:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		Signature:   []byte{1, 2, 3},
	}
}

func (s *ConsentHandlerSuite) TestGrant() {
	sig := signature.EncodeKey([]byte("patient-signature"))

	s.Run("patient grants with normalized input", func() {
		tok := sampleToken("p1", "doc1")
		s.service.EXPECT().Grant(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req service.GrantRequest) (*models.ConsentToken, error) {
				s.Equal(domain.UserID("p1"), req.PatientID)
				s.Equal(domain.UserID("p1"), req.RequesterID)
				s.Equal(domain.UserID("doc1"), req.ProviderID)
				s.Equal([]models.Permission{{ResourceType: "lab_result", AccessLevel: domain.AccessRead}}, req.Permissions)
				s.Equal([]byte("patient-signature"), req.PatientSignature)
				return tok, nil
			})

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/consents", map[string]any{
			"providerId":       " doc1 ",
			"permissions":      []map[string]string{{"resourceType": "lab_result", "accessLevel": "read"}},
			"patientSignature": sig,
		})
		req = testutil.WithPrincipal(req, "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		resp := testutil.UnmarshalResponse[ConsentTokenResponse](s.T(), rr)
		s.Equal(tok.TokenID.String(), resp.TokenID)
		s.Equal(models.StateActive, resp.Status)
		s.True(resp.IsActive)
	})

	s.Run("cannot grant for someone else", func() {
		s.service.EXPECT().Grant(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req service.GrantRequest) (*models.ConsentToken, error) {
				s.Equal(domain.UserID("p1"), req.RequesterID)
				s.Equal(domain.UserID("p2"), req.PatientID)
				return nil, dErrors.New(dErrors.CodeForbidden, "consent can only be granted by the patient")
			})

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/consents", map[string]any{
			"patientId":        "p2",
			"providerId":       "doc1",
			"permissions":      []map[string]string{{"resourceType": "lab_result", "accessLevel": "read"}},
			"patientSignature": sig,
		})
		req = testutil.WithPrincipal(req, "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, dErrors.CodeForbidden)
	})

	s.Run("invalid access level", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/consents", map[string]any{
			"providerId":       "doc1",
			"permissions":      []map[string]string{{"resourceType": "lab_result", "accessLevel": "all"}},
			"patientSignature": sig,
		})
		req = testutil.WithPrincipal(req, "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
	})

	s.Run("no session", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/consents", map[string]any{"providerId": "doc1"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, dErrors.CodeUnauthorized)
	})
}

func (s *ConsentHandlerSuite) TestRevoke() {
	tok := sampleToken("p1", "doc1")
	path := "/consents/" + tok.TokenID.String() + "/revoke"

	s.Run("revokes", func() {
		revoked := tok.Clone()
		at := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
		revoked.IsActive = false
		revoked.RevokedAt = &at
		s.service.EXPECT().Revoke(gomock.Any(), service.RevokeRequest{
			RequesterID:      "p1",
			ConsentTokenID:   tok.TokenID,
			PatientSignature: []byte("sig"),
		}).Return(revoked, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, path, map[string]string{
			"patientSignature": signature.EncodeKey([]byte("sig")),
		})
		req = testutil.WithPrincipal(req, "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[ConsentTokenResponse](s.T(), rr)
		s.Equal(models.StateRevoked, resp.Status)
	})

	s.Run("already revoked is reported", func() {
		s.service.EXPECT().Revoke(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeAlreadyRevoked, "consent token is already revoked"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, path, map[string]string{
			"patientSignature": signature.EncodeKey([]byte("sig")),
		})
		req = testutil.WithPrincipal(req, "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertErrorCode(s.T(), rr, dErrors.CodeAlreadyRevoked)
	})

	s.Run("bad token id", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/consents/nope/revoke", map[string]string{"patientSignature": "AA"})
		req = testutil.WithPrincipal(req, "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
	})
}

func (s *ConsentHandlerSuite) TestLists() {
	s.Run("patient lists own consents", func() {
		s.service.EXPECT().ListForPatient(gomock.Any(), domain.UserID("p1")).
			Return([]*models.ConsentToken{sampleToken("p1", "doc1"), sampleToken("p1", "doc2")}, nil)

		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/consents/patients/p1"), "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[ListResponse](s.T(), rr)
		s.Equal(2, resp.Count)
	})

	s.Run("provider cannot list a patient's consents", func() {
		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/consents/patients/p1"), "doc1", domain.RoleDoctor)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, dErrors.CodeForbidden)
	})

	s.Run("auditor may list provider consents", func() {
		s.service.EXPECT().ListForProvider(gomock.Any(), domain.UserID("doc1")).Return([]*models.ConsentToken{}, nil)

		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/consents/providers/doc1"), "aud1", domain.RoleAuditor)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
	})
}

func (s *ConsentHandlerSuite) TestStatus() {
	s.Run("either party sees the summary", func() {
		s.service.EXPECT().StatusSummary(gomock.Any(), domain.UserID("p1"), domain.UserID("doc1")).Return(&models.Summary{
			PatientID:   "p1",
			ProviderID:  "doc1",
			HasActive:   true,
			Active:      1,
			Permissions: []models.Permission{{ResourceType: "lab_result", AccessLevel: domain.AccessRead}},
			Tokens:      []*models.ConsentToken{sampleToken("p1", "doc1")},
		}, nil)

		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/consents/status?patientId=p1&providerId=doc1"), "doc1", domain.RoleDoctor)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[StatusResponse](s.T(), rr)
		s.True(resp.HasActive)
		s.Len(resp.Consents, 1)
	})

	s.Run("third party is forbidden", func() {
		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/consents/status?patientId=p1&providerId=doc1"), "doc2", domain.RoleDoctor)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, dErrors.CodeForbidden)
	})

	s.Run("missing query", func() {
		req := testutil.WithPrincipal(testutil.NewRequest(s.T(), http.MethodGet, "/consents/status"), "p1", domain.RolePatient)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
	})
}

func TestTrimStrings(t *testing.T) {
	req := &GrantRequest{
		ProviderID:  "  doc1\n",
		Permissions: []PermissionRequest{{ResourceType: " lab_result ", AccessLevel: "read "}},
	}
	trimStrings(req)
	assert.Equal(t, "doc1", req.ProviderID)
	assert.Equal(t, "lab_result", req.Permissions[0].ResourceType)
	assert.Equal(t, "read", req.Permissions[0].AccessLevel)
}
