package audit_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"carevault/internal/audit"
	ledgermem "carevault/internal/audit/ledger/memory"
	"carevault/internal/audit/mocks"
	storemem "carevault/internal/audit/store/memory"
	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/circuit"
	"carevault/pkg/platform/sentinel"
)

type stubPrincipals map[domain.UserID]*audit.Principal

func (s stubPrincipals) Principal(_ context.Context, id domain.UserID) (*audit.Principal, error) {
	p, ok := s[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return p, nil
}

type TrailSuite struct {
	suite.Suite
	store      *storemem.InMemoryStore
	ledger     *ledgermem.Ledger
	signer     *signature.Signer
	principals stubPrincipals
	auditorKey ed25519.PrivateKey
	trail      *audit.Trail
}

func TestTrailSuite(t *testing.T) {
	suite.Run(t, new(TrailSuite))
}

func (s *TrailSuite) SetupTest() {
	var err error
	s.signer, err = signature.NewSigner("test-audit-secret")
	s.Require().NoError(err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.auditorKey = priv

	doctorPub, _, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)

	s.principals = stubPrincipals{
		"auditor-1": {UserID: "auditor-1", Role: domain.RoleAuditor, SigningKey: pub, Usable: true},
		"doctor-1":  {UserID: "doctor-1", Role: domain.RoleDoctor, SigningKey: doctorPub, Usable: true},
	}
	s.store = storemem.NewInMemoryStore()
	s.ledger = ledgermem.New()
	s.trail = s.newTrail()
}

func (s *TrailSuite) newTrail(opts ...audit.Option) *audit.Trail {
	base := []audit.Option{
		audit.WithPrincipalLookup(s.principals),
		audit.WithSubmitTimeout(20 * time.Millisecond),
		audit.WithRetryPolicy(audit.RetryPolicy{
			InitialInterval: time.Nanosecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      2,
			MaxAttempts:     5,
			ScanInterval:    time.Millisecond,
		}),
	}
	return audit.New(s.store, s.ledger, s.signer, append(base, opts...)...)
}

func (s *TrailSuite) record(user domain.UserID, event audit.EventType) *audit.Entry {
	e, err := s.trail.Record(context.Background(), audit.Input{
		EventType:  event,
		UserID:     user,
		ResourceID: "res-1",
		Details:    map[string]string{audit.DetailOutcome: audit.OutcomeSuccess},
	})
	s.Require().NoError(err)
	return e
}

func (s *TrailSuite) TestRecord() {
	s.Run("commits synchronously when the ledger is up", func() {
		e := s.record("patient-1", audit.EventLoginAttempt)
		s.True(e.IsImmutable)
		s.NotEmpty(e.LedgerTransactionID)
		s.Require().NotNil(e.BlockNumber)
		s.NotEmpty(e.Signature)
		s.Equal(e.Timestamp, e.Timestamp.Truncate(time.Microsecond))

		content, err := audit.CanonicalContent(e)
		s.Require().NoError(err)
		s.True(signature.Ed25519Verifier{}.Verify(s.signer.PublicKey(), content, e.Signature))
	})

	s.Run("rejects unknown event types", func() {
		_, err := s.trail.Record(context.Background(), audit.Input{EventType: "NOPE", UserID: "patient-1"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a missing user", func() {
		_, err := s.trail.Record(context.Background(), audit.Input{EventType: audit.EventLoginAttempt})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *TrailSuite) TestLedgerOutage() {
	ctx := context.Background()

	s.Run("entry is buffered and later committed by Flush", func() {
		s.ledger.SetAvailable(false)
		e := s.record("patient-1", audit.EventRecordAccessed)
		s.False(e.IsImmutable)
		s.Empty(e.LedgerTransactionID)

		stored, err := s.trail.Get(ctx, e.EntryID)
		s.Require().NoError(err)
		s.Equal(1, stored.SubmitAttempts)

		h, err := s.trail.Health(ctx)
		s.Require().NoError(err)
		s.Equal(1, h.Pending)

		s.ledger.SetAvailable(true)
		n, err := s.trail.Flush(ctx)
		s.Require().NoError(err)
		s.Equal(1, n)

		stored, err = s.trail.Get(ctx, e.EntryID)
		s.Require().NoError(err)
		s.True(stored.IsImmutable)
		s.Require().NotNil(stored.BlockNumber)

		h, err = s.trail.Health(ctx)
		s.Require().NoError(err)
		s.Equal(audit.HealthHealthy, h.Status)
		s.Zero(h.Pending)
		s.NotNil(h.LastCommitAt)
	})

	s.Run("open breaker skips the synchronous attempt", func() {
		s.ledger.SetAvailable(false)
		breaker := circuit.New("test-ledger", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1))
		s.trail = s.newTrail(audit.WithBreaker(breaker))

		s.record("patient-1", audit.EventLoginAttempt)
		s.record("patient-1", audit.EventLoginAttempt)
		s.True(breaker.IsOpen())

		s.ledger.SetAvailable(true)
		before := s.ledger.Len()
		e := s.record("patient-1", audit.EventLoginAttempt)
		s.False(e.IsImmutable)
		s.Equal(before, s.ledger.Len())

		h, err := s.trail.Health(ctx)
		s.Require().NoError(err)
		s.True(h.CircuitOpen)
		s.Equal(audit.HealthDegraded, h.Status)

		n, err := s.trail.Flush(ctx)
		s.Require().NoError(err)
		s.Equal(3, n)
		s.False(breaker.IsOpen())
	})
}

func (s *TrailSuite) TestAbandonment() {
	ctx := context.Background()
	s.trail = s.newTrail(audit.WithRetryPolicy(audit.RetryPolicy{
		InitialInterval: time.Nanosecond,
		MaxInterval:     time.Nanosecond,
		Multiplier:      1,
		MaxAttempts:     2,
		ScanInterval:    time.Millisecond,
	}))
	s.ledger.SetAvailable(false)

	e := s.record("patient-1", audit.EventConsentGranted)
	_, err := s.trail.Flush(ctx)
	s.Require().NoError(err)

	stored, err := s.trail.Get(ctx, e.EntryID)
	s.Require().NoError(err)
	s.True(stored.Abandoned)
	s.False(stored.IsImmutable)
	s.Equal(2, stored.SubmitAttempts)

	h, err := s.trail.Health(ctx)
	s.Require().NoError(err)
	s.Equal(1, h.Abandoned)
	s.Equal(audit.HealthDegraded, h.Status)

	// Abandoned entries are no longer scanned.
	s.ledger.SetAvailable(true)
	n, err := s.trail.Flush(ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *TrailSuite) TestDeferredCommit() {
	ctx := context.Background()
	s.ledger = ledgermem.New(ledgermem.WithDeferredCommit())
	s.trail = s.newTrail()

	e := s.record("patient-1", audit.EventRecordCreated)
	s.False(e.IsImmutable)
	s.NotEmpty(e.LedgerTransactionID)

	s.ledger.Seal()
	s.Eventually(func() bool {
		n, err := s.trail.Flush(ctx)
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	stored, err := s.trail.Get(ctx, e.EntryID)
	s.Require().NoError(err)
	s.True(stored.IsImmutable)
	s.Equal(e.LedgerTransactionID, stored.LedgerTransactionID)
	s.Equal(1, s.ledger.Len())
}

func (s *TrailSuite) TestQuery() {
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		user := domain.UserID(fmt.Sprintf("patient-%d", i%2))
		s.record(user, audit.EventRecordAccessed)
	}
	s.record("doctor-1", audit.EventAccessDenied)

	s.Run("pages newest first", func() {
		res, err := s.trail.Query(ctx, audit.Query{Page: 3, Limit: 10})
		s.Require().NoError(err)
		s.Equal(26, res.TotalCount)
		s.Equal(26, res.FilteredCount)
		s.Len(res.Entries, 6)
		for i := 1; i < len(res.Entries); i++ {
			s.Greater(res.Entries[i-1].Seq, res.Entries[i].Seq)
		}
	})

	s.Run("page zero means the first page", func() {
		res, err := s.trail.Query(ctx, audit.Query{})
		s.Require().NoError(err)
		s.Equal(1, res.Page)
		s.Equal(20, res.Limit)
		s.Equal(audit.EventAccessDenied, res.Entries[0].EventType)
	})

	s.Run("limit is clamped", func() {
		trail := s.newTrail(audit.WithMaxPageSize(5))
		res, err := trail.Query(ctx, audit.Query{Limit: 1000})
		s.Require().NoError(err)
		s.Equal(5, res.Limit)
		s.Len(res.Entries, 5)
	})

	s.Run("filters by user and event", func() {
		res, err := s.trail.Query(ctx, audit.Query{Filter: audit.Filter{UserID: "patient-0", EventType: audit.EventRecordAccessed}})
		s.Require().NoError(err)
		s.Equal(13, res.FilteredCount)
		s.Equal(26, res.TotalCount)
	})

	s.Run("beyond the last page is empty", func() {
		res, err := s.trail.Query(ctx, audit.Query{Page: 9, Limit: 10})
		s.Require().NoError(err)
		s.Empty(res.Entries)
	})

	s.Run("invalid inputs", func() {
		from := time.Now()
		to := from.Add(-time.Hour)
		for name, q := range map[string]audit.Query{
			"negative page":  {Page: -1},
			"negative limit": {Limit: -1},
			"unknown event":  {Filter: audit.Filter{EventType: "NOPE"}},
			"inverted range": {Filter: audit.Filter{From: &from, To: &to}},
		} {
			_, err := s.trail.Query(ctx, q)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), name)
		}
	})
}

func (s *TrailSuite) exportRequest(format audit.ExportFormat, f audit.Filter) audit.ExportRequest {
	msg, err := audit.ExportSigningPayload("auditor-1", format, f)
	s.Require().NoError(err)
	return audit.ExportRequest{
		RequesterID:        "auditor-1",
		Format:             format,
		Filter:             f,
		RequesterSignature: ed25519.Sign(s.auditorKey, msg),
	}
}

func (s *TrailSuite) TestExport() {
	ctx := context.Background()
	s.record("patient-1", audit.EventConsentGranted)
	s.record("patient-1", audit.EventRecordAccessed)
	s.record("patient-2", audit.EventRecordAccessed)

	s.Run("is deterministic and oldest first", func() {
		first, err := s.trail.Export(ctx, s.exportRequest(audit.FormatJSON, audit.Filter{}))
		s.Require().NoError(err)
		second, err := s.trail.Export(ctx, s.exportRequest(audit.FormatJSON, audit.Filter{}))
		s.Require().NoError(err)

		s.Equal(first.Data, second.Data)
		s.Equal(first.Checksum, second.Checksum)
		s.Equal(3, first.EntryCount)
		s.Equal(s.signer.KeyID(), first.KeyID)
		s.True(signature.Ed25519Verifier{}.Verify(s.signer.PublicKey(), first.Data, first.Signature))

		n, err := audit.VerifyExport(first.Data, s.signer.PublicKey(), signature.Ed25519Verifier{})
		s.Require().NoError(err)
		s.Equal(3, n)

		idx := strings.Index(string(first.Data), string(audit.EventConsentGranted))
		s.Less(idx, strings.Index(string(first.Data), string(audit.EventRecordAccessed)))
	})

	s.Run("every attempt is audited", func() {
		res, err := s.trail.Query(ctx, audit.Query{Filter: audit.Filter{EventType: audit.EventAuditExported}})
		s.Require().NoError(err)
		s.Equal(2, res.FilteredCount)
		s.Equal(audit.OutcomeSuccess, res.Entries[0].Details[audit.DetailOutcome])
	})

	s.Run("csv has a header row", func() {
		res, err := s.trail.Export(ctx, s.exportRequest(audit.FormatCSV, audit.Filter{UserID: "patient-2"}))
		s.Require().NoError(err)
		lines := strings.Split(strings.TrimSpace(string(res.Data)), "\n")
		s.Len(lines, 2)
		s.True(strings.HasPrefix(lines[0], "seq,entryId,eventType"))
		s.Equal("text/csv", res.ContentType)
	})

	s.Run("non auditor is forbidden and recorded as denied", func() {
		req := s.exportRequest(audit.FormatJSON, audit.Filter{})
		req.RequesterID = "doctor-1"
		_, err := s.trail.Export(ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		res, err := s.trail.Query(ctx, audit.Query{Filter: audit.Filter{EventType: audit.EventAuditExported, UserID: "doctor-1"}})
		s.Require().NoError(err)
		s.Require().Len(res.Entries, 1)
		s.Equal(audit.OutcomeDenied, res.Entries[0].Details[audit.DetailOutcome])
	})

	s.Run("signature over a different filter is forbidden", func() {
		req := s.exportRequest(audit.FormatJSON, audit.Filter{UserID: "patient-1"})
		req.Filter = audit.Filter{}
		_, err := s.trail.Export(ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("unknown requester is forbidden", func() {
		req := s.exportRequest(audit.FormatJSON, audit.Filter{})
		req.RequesterID = "ghost"
		_, err := s.trail.Export(ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("bad format", func() {
		_, err := s.trail.Export(ctx, audit.ExportRequest{RequesterID: "auditor-1", Format: "XML"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *TrailSuite) TestVerifyEntry() {
	ctx := context.Background()
	e := s.record("patient-1", audit.EventConsentRevoked)

	s.Run("intact entry matches the ledger", func() {
		v, err := s.trail.VerifyEntry(ctx, e.EntryID)
		s.Require().NoError(err)
		s.True(v.SignatureValid)
		s.True(v.Committed)
		s.Require().NotNil(v.LedgerMatches)
		s.True(*v.LedgerMatches)
	})

	s.Run("tampered ledger copy is detected", func() {
		s.ledger.Tamper(e.LedgerTransactionID, []byte(`{"tampered":true}`))
		v, err := s.trail.VerifyEntry(ctx, e.EntryID)
		s.Require().NoError(err)
		s.True(v.SignatureValid)
		s.Require().NotNil(v.LedgerMatches)
		s.False(*v.LedgerMatches)
	})

	s.Run("ledger outage", func() {
		s.ledger.SetAvailable(false)
		defer s.ledger.SetAvailable(true)
		_, err := s.trail.VerifyEntry(ctx, e.EntryID)
		s.True(dErrors.HasCode(err, dErrors.CodeLedgerUnavailable))
	})

	s.Run("unknown entry", func() {
		_, err := s.trail.VerifyEntry(ctx, domain.NewAuditEntryID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *TrailSuite) TestRunRetryStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	s.ledger.SetAvailable(false)
	e := s.record("patient-1", audit.EventLoginAttempt)
	s.ledger.SetAvailable(true)

	done := make(chan error, 1)
	go func() { done <- s.trail.RunRetry(ctx) }()

	s.Eventually(func() bool {
		got, err := s.trail.Get(context.Background(), e.EntryID)
		return err == nil && got.IsImmutable
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := audit.DefaultRetryPolicy()
	cases := map[int]time.Duration{
		0:  500 * time.Millisecond,
		1:  500 * time.Millisecond,
		2:  time.Second,
		4:  4 * time.Second,
		7:  30 * time.Second,
		19: 30 * time.Second,
	}
	for n, want := range cases {
		if got := p.Backoff(n); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestRecordDoesNotBlockOnHungLedger(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	ledger.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ audit.Submission) (audit.Receipt, error) {
			<-ctx.Done()
			return audit.Receipt{}, ctx.Err()
		})

	signer, err := signature.NewSigner("test-audit-secret")
	require.NoError(t, err)
	trail := audit.New(storemem.NewInMemoryStore(), ledger, signer, audit.WithSubmitTimeout(30*time.Millisecond))

	// A cancelled caller context must not abort the bounded ledger attempt early
	// nor leave the entry unpersisted.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	e, err := trail.Record(ctx, audit.Input{EventType: audit.EventLoginAttempt, UserID: "patient-1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, e.IsImmutable)

	stored, err := trail.Get(context.Background(), e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SubmitAttempts)
}

func TestFlushUsesQueryForSubmittedEntries(t *testing.T) {
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	block := uint64(7)

	gomock.InOrder(
		ledger.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(audit.Receipt{TransactionID: "tx-1"}, nil),
		ledger.EXPECT().Query(gomock.Any(), audit.Criteria{TransactionID: "tx-1"}).
			Return(&audit.LedgerRecord{TransactionID: "tx-1", BlockNumber: &block}, nil),
	)

	signer, err := signature.NewSigner("test-audit-secret")
	require.NoError(t, err)
	trail := audit.New(storemem.NewInMemoryStore(), ledger, signer,
		audit.WithSubmitTimeout(time.Millisecond),
		audit.WithRetryPolicy(audit.RetryPolicy{InitialInterval: time.Nanosecond, MaxInterval: time.Nanosecond, Multiplier: 1, MaxAttempts: 3}),
	)

	e, err := trail.Record(context.Background(), audit.Input{EventType: audit.EventRecordCreated, UserID: "doctor-1"})
	require.NoError(t, err)
	assert.False(t, e.IsImmutable)

	require.Eventually(t, func() bool {
		n, err := trail.Flush(context.Background())
		return err == nil && n == 1
	}, time.Second, 2*time.Millisecond)

	got, err := trail.Get(context.Background(), e.EntryID)
	require.NoError(t, err)
	assert.True(t, got.IsImmutable)
	assert.Equal(t, uint64(7), *got.BlockNumber)
}
