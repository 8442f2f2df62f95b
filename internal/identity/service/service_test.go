package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carevault/internal/audit"
	auditmocks "carevault/internal/audit/mocks"
	"carevault/internal/identity/models"
	"carevault/internal/identity/store/memory"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	auditor *auditmocks.MockRecorder
	store   *memory.InMemoryStore
	service *Service
	events  []audit.Input
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.auditor = auditmocks.NewMockRecorder(s.ctrl)
	s.events = nil
	s.auditor.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, in audit.Input) (*audit.Entry, error) {
			s.events = append(s.events, in)
			return &audit.Entry{EventType: in.EventType, UserID: in.UserID}, nil
		}).AnyTimes()
	s.store = memory.NewInMemoryStore()
	s.service = New(s.store, s.auditor)

	_, err := s.service.Bootstrap(context.Background(), []models.Seed{{
		UserID:     "admin-1",
		Role:       domain.RoleSystemAdmin,
		PublicKeys: models.PublicKeys{SigningKey: newKey(s.T())},
	}})
	s.Require().NoError(err)
	s.events = nil
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func newKey(t *testing.T) []byte {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

func (s *ServiceSuite) register(id domain.UserID, role domain.Role) *models.Identity {
	identity, err := s.service.Register(context.Background(), RegisterRequest{
		UserID:     id,
		Role:       role,
		PublicKeys: models.PublicKeys{SigningKey: newKey(s.T())},
	})
	s.Require().NoError(err)
	return identity
}

func (s *ServiceSuite) TestRegister() {
	ctx := context.Background()

	s.Run("new identity is pending and audited", func() {
		identity := s.register("doctor-1", domain.RoleDoctor)
		s.Equal(models.StatusPending, identity.Status)
		s.True(identity.Active)
		s.False(identity.IsUsable())
		s.Require().Len(s.events, 1)
		s.Equal(audit.EventIdentityRegistered, s.events[0].EventType)
	})

	s.Run("duplicate registration conflicts", func() {
		_, err := s.service.Register(ctx, RegisterRequest{
			UserID: "doctor-1", Role: domain.RoleDoctor,
			PublicKeys: models.PublicKeys{SigningKey: newKey(s.T())},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("rejects malformed keys and roles", func() {
		_, err := s.service.Register(ctx, RegisterRequest{UserID: "x", Role: domain.RoleDoctor, PublicKeys: models.PublicKeys{SigningKey: []byte("short")}})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.service.Register(ctx, RegisterRequest{UserID: "x", Role: "wizard", PublicKeys: models.PublicKeys{SigningKey: newKey(s.T())}})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestReview() {
	ctx := context.Background()
	s.register("doctor-1", domain.RoleDoctor)
	s.register("insurer-1", domain.RoleInsurer)

	s.Run("admin approves", func() {
		identity, err := s.service.Approve(ctx, "admin-1", "doctor-1")
		s.Require().NoError(err)
		s.True(identity.IsUsable())
		s.Equal(domain.UserID("admin-1"), identity.ReviewedBy)

		active, err := s.service.IsActive(ctx, "doctor-1")
		s.Require().NoError(err)
		s.True(active)
	})

	s.Run("non admin is forbidden and the attempt is audited", func() {
		s.events = nil
		_, err := s.service.Reject(ctx, "doctor-1", "insurer-1")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		s.Require().Len(s.events, 1)
		s.Equal(audit.OutcomeDenied, s.events[0].Details[audit.DetailOutcome])
	})

	s.Run("second review conflicts", func() {
		_, err := s.service.Reject(ctx, "admin-1", "doctor-1")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("unknown identity", func() {
		_, err := s.service.Approve(ctx, "admin-1", "ghost")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("rejected identity exposes no keys", func() {
		_, err := s.service.Reject(ctx, "admin-1", "insurer-1")
		s.Require().NoError(err)
		_, err = s.service.PublicKeys(ctx, "insurer-1")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestDeactivate() {
	ctx := context.Background()
	s.register("doctor-1", domain.RoleDoctor)
	_, err := s.service.Approve(ctx, "admin-1", "doctor-1")
	s.Require().NoError(err)

	keys, err := s.service.PublicKeys(ctx, "doctor-1")
	s.Require().NoError(err)
	s.Len(keys.SigningKey, ed25519.PublicKeySize)

	identity, err := s.service.Deactivate(ctx, "admin-1", "doctor-1")
	s.Require().NoError(err)
	s.False(identity.Active)

	active, err := s.service.IsActive(ctx, "doctor-1")
	s.Require().NoError(err)
	s.False(active)

	// Never deleted.
	got, err := s.service.Get(ctx, "doctor-1")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, got.Status)

	_, err = s.service.Deactivate(ctx, "admin-1", "admin-1")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestBootstrapIsIdempotent() {
	ctx := context.Background()
	seeds := []models.Seed{{UserID: "admin-1", Role: domain.RoleSystemAdmin, PublicKeys: models.PublicKeys{SigningKey: newKey(s.T())}}}
	n, err := s.service.Bootstrap(ctx, seeds)
	s.Require().NoError(err)
	s.Zero(n)
	s.Empty(s.events)

	_, err = s.service.Bootstrap(ctx, []models.Seed{{UserID: "", Role: domain.RoleSystemAdmin}})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestPrincipal() {
	ctx := context.Background()
	p, err := s.service.Principal(ctx, "admin-1")
	s.Require().NoError(err)
	s.True(p.Usable)
	s.Equal(domain.RoleSystemAdmin, p.Role)

	_, err = s.service.Principal(ctx, "ghost")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	active, err := s.service.IsActive(ctx, "ghost")
	s.Require().NoError(err)
	s.False(active)
}
