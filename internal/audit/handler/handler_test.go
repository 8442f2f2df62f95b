package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carevault/internal/audit"
	"carevault/internal/audit/handler/mocks"
	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/testutil"
)

type AuditHandlerSuite struct {
	suite.Suite
	trail  *mocks.MockService
	router chi.Router
}

func TestAuditHandlerSuite(t *testing.T) {
	suite.Run(t, new(AuditHandlerSuite))
}

func (s *AuditHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.T().Cleanup(ctrl.Finish)
	s.trail = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	New(s.trail, slog.New(slog.NewTextHandler(io.Discard, nil)), nil).Register(s.router)
}

func entry(user domain.UserID) *audit.Entry {
	return &audit.Entry{
		EntryID:   domain.NewAuditEntryID(),
		EventType: audit.EventLoginAttempt,
		UserID:    user,
		Timestamp: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		Details:   map[string]string{audit.DetailOutcome: audit.OutcomeSuccess},
		Signature: []byte{1},
	}
}

func (s *AuditHandlerSuite) TestQuery() {
	s.Run("auditor filters freely", func() {
		s.trail.EXPECT().Query(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, q audit.Query) (*audit.QueryResult, error) {
				s.Equal(audit.EventConsentGranted, q.EventType)
				s.Equal(domain.UserID("p1"), q.UserID)
				s.Equal(2, q.Page)
				s.Equal(10, q.Limit)
				s.Require().NotNil(q.From)
				return &audit.QueryResult{Entries: []*audit.Entry{entry("p1")}, TotalCount: 40, FilteredCount: 11, Page: 2, Limit: 10}, nil
			})

		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries?eventType=consent_granted&userId=p1&page=2&limit=10&from=2026-01-01T00:00:00Z")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "aud1", domain.RoleAuditor))
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[QueryResponse](s.T(), rr)
		s.Equal(40, resp.TotalCount)
		s.Equal(11, resp.FilteredCount)
		s.Len(resp.Entries, 1)
	})

	s.Run("others are scoped to themselves", func() {
		s.trail.EXPECT().Query(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, q audit.Query) (*audit.QueryResult, error) {
				s.Equal(domain.UserID("p1"), q.UserID)
				return &audit.QueryResult{Entries: []*audit.Entry{}, Page: 1, Limit: 20}, nil
			})
		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "p1", domain.RolePatient))
		testutil.AssertStatusOK(s.T(), rr)
	})

	s.Run("others cannot ask for someone else", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries?userId=p2")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "p1", domain.RolePatient))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, dErrors.CodeForbidden)
	})

	s.Run("bad paging", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries?page=zero")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "aud1", domain.RoleAuditor))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
	})

	s.Run("unknown event type", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries?eventType=PARTY")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "aud1", domain.RoleAuditor))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
	})
}

func (s *AuditHandlerSuite) TestExport() {
	s.Run("passes the signed request through", func() {
		s.trail.EXPECT().Export(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req audit.ExportRequest) (*audit.ExportResult, error) {
				s.Equal(domain.UserID("aud1"), req.RequesterID)
				s.Equal(audit.FormatCSV, req.Format)
				s.Equal(audit.EventRecordAccessed, req.Filter.EventType)
				s.Equal([]byte("sig"), req.RequesterSignature)
				return &audit.ExportResult{Format: audit.FormatCSV, ContentType: "text/csv", Data: []byte("a,b\n"), EntryCount: 1, KeyID: "k"}, nil
			})

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/audit/export", map[string]any{
			"format":             "csv",
			"filter":             map[string]string{"eventType": "RECORD_ACCESSED"},
			"requesterSignature": signature.EncodeKey([]byte("sig")),
		})
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "aud1", domain.RoleAuditor))
		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[ExportResponse](s.T(), rr)
		data, err := signature.DecodeKey(resp.Data)
		s.Require().NoError(err)
		s.Equal("a,b\n", string(data))
	})

	s.Run("bad format", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/audit/export", map[string]any{"format": "xml"})
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "aud1", domain.RoleAuditor))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, dErrors.CodeValidation)
	})

	s.Run("forbidden is surfaced", func() {
		s.trail.EXPECT().Export(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeForbidden, "audit export requires an auditor or system_admin signature"))
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/audit/export", map[string]any{"format": "JSON", "requesterSignature": "AA=="})
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "doc1", domain.RoleDoctor))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, dErrors.CodeForbidden)
	})
}

func (s *AuditHandlerSuite) TestVerify() {
	id := domain.NewAuditEntryID()
	ok := true

	s.Run("auditor verifies", func() {
		s.trail.EXPECT().VerifyEntry(gomock.Any(), id).Return(&audit.Verification{EntryID: id, SignatureValid: true, Committed: true, LedgerMatches: &ok}, nil)
		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries/"+id.String()+"/verify")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "aud1", domain.RoleAuditor))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertDataContains(s.T(), rr, "entryId", id.String())
		testutil.AssertDataContains(s.T(), rr, "signatureValid", true)
	})

	s.Run("patients cannot verify", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/audit/entries/"+id.String()+"/verify")
		rr := testutil.DoRequest(s.router, testutil.WithPrincipal(req, "p1", domain.RolePatient))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, dErrors.CodeForbidden)
	})
}

func (s *AuditHandlerSuite) TestPublicKeyIsPublic() {
	s.trail.EXPECT().KeyID().Return("abcd")
	s.trail.EXPECT().PublicKey().Return([]byte{1, 2, 3})
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/audit/public-key"))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertDataContains(s.T(), rr, "keyId", "abcd")
}
