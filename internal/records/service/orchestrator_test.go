package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carevault/internal/access"
	"carevault/internal/audit"
	auditmocks "carevault/internal/audit/mocks"
	"carevault/internal/consent/consenttest"
	consentmodels "carevault/internal/consent/models"
	consentsvc "carevault/internal/consent/service"
	consentmemory "carevault/internal/consent/store/memory"
	idmodels "carevault/internal/identity/models"
	contentmemory "carevault/internal/records/content/memory"
	"carevault/internal/records/models"
	"carevault/internal/records/service/mocks"
	catalogmemory "carevault/internal/records/store/memory"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/requestcontext"
)

type directory struct {
	identities map[domain.UserID]*idmodels.Identity
}

func (d *directory) Get(_ context.Context, id domain.UserID) (*idmodels.Identity, error) {
	if i, ok := d.identities[id]; ok {
		return i, nil
	}
	return nil, dErrors.New(dErrors.CodeNotFound, "identity not found")
}

func (d *directory) PublicKeys(ctx context.Context, id domain.UserID) (idmodels.PublicKeys, error) {
	i, err := d.Get(ctx, id)
	if err != nil {
		return idmodels.PublicKeys{}, err
	}
	if !i.IsUsable() {
		return idmodels.PublicKeys{}, dErrors.New(dErrors.CodeNotFound, "identity not found")
	}
	return i.PublicKeys, nil
}

type OrchestratorSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	auditor   *auditmocks.MockRecorder
	dir       *directory
	privs     map[domain.UserID]ed25519.PrivateKey
	consents  *consentmemory.InMemoryStore
	content   *contentmemory.InMemoryStore
	catalogue *catalogmemory.InMemoryStore
	validator *access.Validator
	reg       *prometheus.Registry
	metrics   *Metrics
	orch      *Orchestrator
	now       time.Time

	mu     sync.Mutex
	events []audit.Input
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.auditor = auditmocks.NewMockRecorder(s.ctrl)
	s.events = nil
	s.auditor.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, in audit.Input) (*audit.Entry, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events = append(s.events, in)
			return &audit.Entry{EventType: in.EventType}, nil
		}).AnyTimes()

	s.dir = &directory{identities: map[domain.UserID]*idmodels.Identity{}}
	s.privs = map[domain.UserID]ed25519.PrivateKey{}
	roles := map[domain.UserID]domain.Role{
		"p1": domain.RolePatient, "doc1": domain.RoleDoctor, "doc2": domain.RoleDoctor,
		"lab1": domain.RoleLaboratory, "admin": domain.RoleSystemAdmin,
	}
	for id, role := range roles {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		s.Require().NoError(err)
		s.privs[id] = priv
		s.dir.identities[id] = &idmodels.Identity{
			UserID: id, Role: role, Status: idmodels.StatusApproved, Active: true,
			PublicKeys: idmodels.PublicKeys{SigningKey: pub},
		}
	}

	s.now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s.consents = consentmemory.NewInMemoryStore()
	s.content = contentmemory.NewInMemoryStore()
	s.catalogue = catalogmemory.NewInMemoryStore()
	s.validator = access.New(s.dir, consentsvc.New(s.consents, nil, nil))
	s.reg = prometheus.NewRegistry()
	s.metrics = NewMetrics(s.reg)
	s.orch = s.build(s.content)
}

func (s *OrchestratorSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *OrchestratorSuite) build(content ContentStore, opts ...Option) *Orchestrator {
	return New(content, s.catalogue, s.validator, s.dir, s.auditor, append([]Option{WithMetrics(s.metrics)}, opts...)...)
}

func (s *OrchestratorSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *OrchestratorSuite) consent(provider domain.UserID, rt domain.ResourceType, levels ...domain.AccessLevel) *consentmodels.ConsentToken {
	tok := consenttest.NewToken("p1", provider, rt, s.now.Add(-time.Hour))
	tok.Permissions = nil
	for _, l := range levels {
		tok.Permissions = append(tok.Permissions, consentmodels.Permission{ResourceType: rt, AccessLevel: l})
	}
	s.Require().NoError(s.consents.Create(context.Background(), tok))
	return tok
}

func (s *OrchestratorSuite) upload(provider domain.UserID, blob string) UploadRequest {
	meta := models.Metadata{ResourceType: "lab_result", ContentType: "application/pdf"}
	msg, err := models.UploadSigningPayload("p1", provider, meta, models.ContentIDFor([]byte(blob)))
	s.Require().NoError(err)
	return UploadRequest{
		PatientID:         "p1",
		ProviderID:        provider,
		Blob:              []byte(blob),
		Metadata:          meta,
		ProviderSignature: ed25519.Sign(s.privs[provider], msg),
	}
}

func (s *OrchestratorSuite) recorded() []audit.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Input(nil), s.events...)
}

func (s *OrchestratorSuite) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func (s *OrchestratorSuite) TestUploadWithConsent() {
	tok := s.consent("doc1", "lab_result", domain.AccessWrite)

	res, err := s.orch.Upload(s.ctx(), s.upload("doc1", "ciphertext"))
	s.Require().NoError(err)
	s.Equal(models.ContentIDFor([]byte("ciphertext")), res.Record.ContentID)
	s.Equal(domain.ResourceType("lab_result"), res.Record.ResourceType)
	s.Equal(int64(len("ciphertext")), res.Record.Size)
	s.Require().NotNil(res.ConsentTokenID)
	s.Equal(tok.TokenID, *res.ConsentTokenID)

	stored, err := s.content.Get(context.Background(), res.Record.ContentID)
	s.Require().NoError(err)
	s.Equal([]byte("ciphertext"), stored)
	s.True(s.content.IsPinned(res.Record.ContentID))

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(audit.EventRecordCreated, events[0].EventType)
	s.Equal(domain.UserID("doc1"), events[0].UserID)
	s.Equal(res.Record.ContentID.String(), events[0].ResourceID)
	s.Equal(audit.OutcomeSuccess, events[0].Details[audit.DetailOutcome])
	s.Equal(tok.TokenID.String(), events[0].Details["consentTokenId"])

	s.Equal(1.0, promtest.ToFloat64(s.metrics.states.WithLabelValues("upload", string(models.StateDone))))
	s.Equal(1.0, promtest.ToFloat64(s.metrics.states.WithLabelValues("upload", string(models.StateAuditing))))
}

func (s *OrchestratorSuite) TestUploadDeniedWithoutWriteConsent() {
	s.consent("doc1", "lab_result", domain.AccessRead)
	content := mocks.NewMockContentStore(s.ctrl)
	orch := s.build(content)

	_, err := orch.Upload(s.ctx(), s.upload("doc1", "ciphertext"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(audit.EventAccessDenied, events[0].EventType)
	s.Equal(audit.OutcomeDenied, events[0].Details[audit.DetailOutcome])
	s.Equal(access.ReasonNoActiveConsent, events[0].Details["accessDecision"])
	s.Equal(1.0, promtest.ToFloat64(s.metrics.states.WithLabelValues("upload", string(models.StateFailed))))
}

func (s *OrchestratorSuite) TestUploadRejectsBadSignature() {
	s.consent("doc1", "lab_result", domain.AccessWrite)
	req := s.upload("doc1", "ciphertext")
	req.Blob = []byte("tampered")

	_, err := s.orch.Upload(s.ctx(), req)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	s.Len(s.recorded(), 1)

	ok, err := s.content.Exists(context.Background(), models.ContentIDFor([]byte("tampered")))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *OrchestratorSuite) TestUploadValidation() {
	req := s.upload("doc1", "ciphertext")
	req.Blob = nil
	_, err := s.orch.Upload(s.ctx(), req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	req = s.upload("doc1", "ciphertext")
	req.Metadata.ResourceType = "Lab Result"
	_, err = s.orch.Upload(s.ctx(), req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	small := s.build(s.content, WithMaxBlobSize(4))
	_, err = small.Upload(s.ctx(), s.upload("doc1", "too large"))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	events := s.recorded()
	s.Len(events, 3)
	for _, e := range events {
		s.Equal(audit.OutcomeFailure, e.Details[audit.DetailOutcome])
	}
}

func (s *OrchestratorSuite) TestUploadStorageUnavailable() {
	s.consent("doc1", "lab_result", domain.AccessWrite)
	content := mocks.NewMockContentStore(s.ctrl)
	content.EXPECT().Put(gomock.Any(), gomock.Any()).Return(domain.ContentID(""), errors.New("disk full"))
	orch := s.build(content)

	_, err := orch.Upload(s.ctx(), s.upload("doc1", "ciphertext"))
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
	s.True(dErrors.IsRetryable(err))

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(audit.EventRecordCreated, events[0].EventType)
	s.Equal(audit.OutcomeFailure, events[0].Details[audit.DetailOutcome])
	s.Equal(string(dErrors.CodeStorageUnavailable), events[0].Details[audit.DetailReason])
}

func (s *OrchestratorSuite) TestUploadTwiceKeepsFirstEntry() {
	s.consent("doc1", "lab_result", domain.AccessWrite)
	first, err := s.orch.Upload(s.ctx(), s.upload("doc1", "same"))
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour)
	second, err := s.orch.Upload(s.ctx(), s.upload("doc1", "same"))
	s.Require().NoError(err)
	s.Equal(first.Record.UploadedAt, second.Record.UploadedAt)
	s.Len(s.recorded(), 2)
}

func (s *OrchestratorSuite) seed(blob string) domain.ContentID {
	s.consent("lab1", "lab_result", domain.AccessWrite)
	res, err := s.orch.Upload(s.ctx(), s.upload("lab1", blob))
	s.Require().NoError(err)
	s.reset()
	return res.Record.ContentID
}

func (s *OrchestratorSuite) TestDownloadDeniedWithoutConsent() {
	id := s.seed("ciphertext")

	_, err := s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "doc2", PatientID: "p1", ContentID: id, AccessReason: "curious"})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(audit.EventAccessDenied, events[0].EventType)
	s.Equal(id.String(), events[0].ResourceID)
	s.Equal("curious", events[0].Details["accessReason"])
}

func (s *OrchestratorSuite) TestDownloadWithConsent() {
	id := s.seed("ciphertext")
	tok := s.consent("doc1", "lab_result", domain.AccessRead)

	res, err := s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "doc1", PatientID: "p1", ContentID: id, AccessReason: "follow-up visit"})
	s.Require().NoError(err)
	s.Equal([]byte("ciphertext"), res.Blob)
	s.Equal(tok.TokenID, *res.ConsentTokenID)

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(audit.EventRecordAccessed, events[0].EventType)
	s.Equal("follow-up visit", events[0].Details["accessReason"])
	s.Equal(tok.TokenID.String(), events[0].Details["consentTokenId"])
}

func (s *OrchestratorSuite) TestDownloadRevalidatesAfterRevocation() {
	id := s.seed("ciphertext")
	tok := s.consent("doc1", "lab_result", domain.AccessRead)
	req := DownloadRequest{RequesterID: "doc1", PatientID: "p1", ContentID: id}

	_, err := s.orch.Download(s.ctx(), req)
	s.Require().NoError(err)

	_, err = s.consents.Update(context.Background(), tok.TokenID, func(t *consentmodels.ConsentToken) error {
		return t.Revoke(s.now.Add(-time.Minute))
	})
	s.Require().NoError(err)

	_, err = s.orch.Download(s.ctx(), req)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	events := s.recorded()
	s.Require().Len(events, 2)
	s.Equal(access.ReasonRevoked, events[1].Details["accessDecision"])
}

func (s *OrchestratorSuite) TestDownloadUnknownContent() {
	missing := models.ContentIDFor([]byte("never uploaded"))

	_, err := s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "p1", PatientID: "p1", ContentID: missing})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "self access may learn the record is missing")

	_, err = s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "admin", PatientID: "p1", ContentID: missing})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "doc2", PatientID: "p1", ContentID: missing})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden), "others never learn whether content exists")

	s.Len(s.recorded(), 3)
}

func (s *OrchestratorSuite) TestDownloadAdminOverrideIsHighSensitivity() {
	id := s.seed("ciphertext")
	_, err := s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "admin", PatientID: "p1", ContentID: id, AccessReason: "incident"})
	s.Require().NoError(err)

	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(access.SensitivityHigh, events[0].Details[audit.DetailSensitivity])
	s.Equal(access.ReasonAdminOverride, events[0].Details["accessDecision"])
}

func (s *OrchestratorSuite) TestDownloadStorageTimeout() {
	id := s.seed("ciphertext")
	s.consent("doc1", "lab_result", domain.AccessRead)

	content := mocks.NewMockContentStore(s.ctrl)
	content.EXPECT().Get(gomock.Any(), id).DoAndReturn(func(ctx context.Context, _ domain.ContentID) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	orch := s.build(content, WithOperationTimeout(10*time.Millisecond))

	_, err := orch.Download(s.ctx(), DownloadRequest{RequesterID: "doc1", PatientID: "p1", ContentID: id})
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
	events := s.recorded()
	s.Require().Len(events, 1)
	s.Equal(audit.EventRecordAccessed, events[0].EventType)
	s.Equal(audit.OutcomeFailure, events[0].Details[audit.DetailOutcome])
}

func (s *OrchestratorSuite) TestDownloadContentFailures() {
	id := s.seed("ciphertext")
	s.consent("doc1", "lab_result", domain.AccessRead)
	req := DownloadRequest{RequesterID: "doc1", PatientID: "p1", ContentID: id}

	cases := []struct {
		name    string
		content func() ContentStore
		code    dErrors.Code
	}{
		{"blob missing from store", func() ContentStore {
			return contentmemory.NewInMemoryStore()
		}, dErrors.CodeNotFound},
		{"backend reports missing blob through Exists", func() ContentStore {
			content := mocks.NewMockContentStore(s.ctrl)
			content.EXPECT().Get(gomock.Any(), id).Return(nil, errors.New("object not found"))
			content.EXPECT().Exists(gomock.Any(), id).Return(false, nil)
			return content
		}, dErrors.CodeNotFound},
		{"store outage", func() ContentStore {
			content := mocks.NewMockContentStore(s.ctrl)
			content.EXPECT().Get(gomock.Any(), id).Return(nil, errors.New("connection refused"))
			content.EXPECT().Exists(gomock.Any(), id).Return(false, errors.New("connection refused"))
			return content
		}, dErrors.CodeStorageUnavailable},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.reset()
			_, err := s.build(tc.content()).Download(s.ctx(), req)
			s.Require().Error(err)
			s.Equal(tc.code, dErrors.GetCode(err))

			events := s.recorded()
			s.Require().Len(events, 1)
			s.Equal(audit.EventRecordAccessed, events[0].EventType)
			s.Equal(audit.OutcomeFailure, events[0].Details[audit.DetailOutcome])
		})
	}
}

func (s *OrchestratorSuite) TestDownloadValidation() {
	_, err := s.orch.Download(s.ctx(), DownloadRequest{RequesterID: "doc1", PatientID: "p1", ContentID: "not-hex"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Len(s.recorded(), 1)
}

func (s *OrchestratorSuite) TestListForPatientFiltersByAccess() {
	s.seed("lab")
	s.consent("doc1", "lab_result", domain.AccessRead)

	recs, err := s.orch.ListForPatient(s.ctx(), "doc1", "p1")
	s.Require().NoError(err)
	s.Len(recs, 1)

	recs, err = s.orch.ListForPatient(s.ctx(), "doc2", "p1")
	s.Require().NoError(err)
	s.Empty(recs)
	s.Empty(s.recorded())
}
