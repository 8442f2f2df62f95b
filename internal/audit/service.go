// Package audit implements the append-only, signed audit trail.
//
// Entries are accepted locally first and then submitted to the external
// ledger. A ledger failure never fails Record: the entry stays IsImmutable=false
// and the retry worker keeps submitting it with exponential backoff until it
// commits or exhausts its attempt budget. Health exposes the backlog.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"carevault/internal/crypto/signature"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/circuit"
	"carevault/pkg/platform/sentinel"
	"carevault/pkg/requestcontext"
)

const (
	defaultSubmitTimeout = 2 * time.Second
	defaultPageSize      = 20
	defaultMaxPageSize   = 100
	defaultBatchSize     = 100
)

// RetryPolicy bounds ledger resubmission.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	ScanInterval    time.Duration
}

// DefaultRetryPolicy: 500ms doubling to 30s, 20 attempts, scanned every second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     20,
		ScanInterval:    time.Second,
	}
}

// Backoff returns the delay before attempt n+1 after n failed attempts (n >= 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if time.Duration(d) > p.MaxInterval {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Trail is the audit trail service.
type Trail struct {
	store      Store
	ledger     Ledger
	signer     *signature.Signer
	verifier   signature.Verifier
	principals PrincipalLookup
	breaker    *circuit.Breaker
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer

	submitTimeout time.Duration
	retry         RetryPolicy
	maxPageSize   int

	lastCommit atomic.Pointer[time.Time]
}

// Option configures a Trail.
type Option func(*Trail)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) { t.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(t *Trail) { t.metrics = m }
}

func WithPrincipalLookup(p PrincipalLookup) Option {
	return func(t *Trail) { t.principals = p }
}

func WithVerifier(v signature.Verifier) Option {
	return func(t *Trail) { t.verifier = v }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(t *Trail) { t.breaker = b }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *Trail) { t.retry = p }
}

func WithSubmitTimeout(d time.Duration) Option {
	return func(t *Trail) {
		if d > 0 {
			t.submitTimeout = d
		}
	}
}

func WithMaxPageSize(n int) Option {
	return func(t *Trail) {
		if n > 0 {
			t.maxPageSize = n
		}
	}
}

// New creates a Trail.
func New(store Store, ledger Ledger, signer *signature.Signer, opts ...Option) *Trail {
	t := &Trail{
		store:         store,
		ledger:        ledger,
		signer:        signer,
		verifier:      signature.Ed25519Verifier{},
		breaker:       circuit.New("audit-ledger", circuit.WithFailureThreshold(3), circuit.WithSuccessThreshold(1)),
		logger:        slog.Default(),
		tracer:        otel.Tracer("carevault/audit"),
		submitTimeout: defaultSubmitTimeout,
		retry:         DefaultRetryPolicy(),
		maxPageSize:   defaultMaxPageSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record signs and stores a new entry, then attempts a bounded synchronous
// ledger submission. It returns an error only when the entry could not be
// accepted locally.
func (t *Trail) Record(ctx context.Context, in Input) (*Entry, error) {
	if !in.EventType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown audit event type")
	}
	if in.UserID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "audit entry requires a user id")
	}

	// Microsecond precision survives every backend, keeping signatures verifiable after reload.
	now := requestcontext.Now(ctx).UTC().Truncate(time.Microsecond)
	details := make(map[string]string, len(in.Details)+1)
	for k, v := range in.Details {
		details[k] = v
	}
	if reqID := requestcontext.RequestID(ctx); reqID != "" {
		if _, ok := details[DetailRequestID]; !ok {
			details[DetailRequestID] = reqID
		}
	}

	entry := &Entry{
		EntryID:    domain.NewAuditEntryID(),
		EventType:  in.EventType,
		UserID:     in.UserID,
		ResourceID: in.ResourceID,
		Timestamp:  now,
		Details:    details,
	}
	content, err := CanonicalContent(entry)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode audit entry")
	}
	entry.Signature = t.signer.Sign(content)

	syncAttempt := !t.breaker.IsOpen()
	if syncAttempt {
		// Keep the retry worker away until the synchronous attempt has had its chance.
		entry.NextAttemptAt = now.Add(t.submitTimeout + t.retry.InitialInterval)
	} else {
		entry.NextAttemptAt = now
	}

	if err := t.store.Append(ctx, entry); err != nil {
		t.logger.ErrorContext(ctx, "failed to persist audit entry",
			"event_type", in.EventType,
			"user_id", in.UserID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist audit entry")
	}
	t.metrics.incRecorded(in.EventType)

	if !syncAttempt {
		t.metrics.incSubmit("sync", "skipped")
		return entry.Clone(), nil
	}

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.submitTimeout)
	defer cancel()
	committed, err := t.deliver(subCtx, entry)
	switch {
	case err != nil:
		t.breaker.RecordFailure()
		t.metrics.incSubmit("sync", "failed")
		t.scheduleRetry(ctx, entry, 1, now)
		t.logger.WarnContext(ctx, "ledger submission failed, entry buffered for retry",
			"entry_id", entry.EntryID.String(),
			"event_type", entry.EventType,
			"error", err,
		)
	case committed:
		t.breaker.RecordSuccess()
		t.metrics.incSubmit("sync", "committed")
	default:
		t.breaker.RecordSuccess()
		t.metrics.incSubmit("sync", "pending")
	}
	return entry.Clone(), nil
}

// deliver pushes one entry to the ledger and records the receipt locally.
// committed=false with a nil error means the ledger accepted the transaction
// but has not yet assigned a block.
func (t *Trail) deliver(ctx context.Context, e *Entry) (committed bool, err error) {
	ctx, span := t.tracer.Start(ctx, "audit.ledger.deliver")
	defer span.End()
	start := time.Now()
	defer func() { t.metrics.observeSubmit(time.Since(start)) }()

	if e.LedgerTransactionID != "" {
		rec, err := t.ledger.Query(ctx, Criteria{TransactionID: e.LedgerTransactionID})
		switch {
		case err == nil && rec.BlockNumber != nil:
			return true, t.commit(ctx, e, rec.TransactionID, *rec.BlockNumber)
		case err == nil:
			return false, nil
		case !errors.Is(err, sentinel.ErrNotFound):
			span.RecordError(err)
			return false, err
		}
		// Unknown to the ledger: resubmit.
	}

	payload, err := LedgerPayload(e)
	if err != nil {
		return false, err
	}
	receipt, err := t.ledger.Submit(ctx, Submission{EntryID: e.EntryID.String(), Payload: payload})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if receipt.BlockNumber == nil {
		if err := t.store.MarkSubmitted(ctx, e.EntryID, receipt.TransactionID); err != nil {
			return false, err
		}
		e.LedgerTransactionID = receipt.TransactionID
		return false, nil
	}
	return true, t.commit(ctx, e, receipt.TransactionID, *receipt.BlockNumber)
}

func (t *Trail) commit(ctx context.Context, e *Entry, txID string, block uint64) error {
	err := t.store.MarkCommitted(ctx, e.EntryID, txID, block)
	if err != nil && !errors.Is(err, sentinel.ErrInvalidState) {
		return err
	}
	e.LedgerTransactionID = txID
	e.BlockNumber = &block
	e.IsImmutable = true
	now := time.Now().UTC()
	t.lastCommit.Store(&now)
	return nil
}

func (t *Trail) scheduleRetry(ctx context.Context, e *Entry, attempts int, now time.Time) {
	abandoned := attempts >= t.retry.MaxAttempts
	next := now.Add(t.retry.Backoff(attempts))
	e.SubmitAttempts = attempts
	e.NextAttemptAt = next
	e.Abandoned = abandoned
	if err := t.store.RecordAttempt(ctx, e.EntryID, attempts, next, abandoned); err != nil {
		t.logger.ErrorContext(ctx, "failed to record ledger attempt",
			"entry_id", e.EntryID.String(),
			"error", err,
		)
	}
	if abandoned {
		t.metrics.incSubmit("retry", "abandoned")
		t.logger.ErrorContext(ctx, "audit entry exhausted ledger retry budget",
			"entry_id", e.EntryID.String(),
			"event_type", e.EventType,
			"attempts", attempts,
		)
	}
}

// Query returns one page of entries, newest first. Page is 1-indexed (0 means 1);
// Limit defaults to 20 and is clamped to the configured maximum.
func (t *Trail) Query(ctx context.Context, q Query) (*QueryResult, error) {
	if q.Page < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "page must be >= 1")
	}
	if q.Limit < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "limit must be >= 1")
	}
	if q.EventType != "" && !q.EventType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown event type")
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, dErrors.New(dErrors.CodeValidation, "date range start is after its end")
	}
	page := q.Page
	if page == 0 {
		page = 1
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > t.maxPageSize {
		limit = t.maxPageSize
	}

	entries, total, filtered, err := t.store.Page(ctx, q.Filter, (page-1)*limit, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit trail")
	}
	return &QueryResult{
		Entries:       entries,
		TotalCount:    total,
		FilteredCount: filtered,
		Page:          page,
		Limit:         limit,
	}, nil
}

// Get returns a single entry.
func (t *Trail) Get(ctx context.Context, id domain.AuditEntryID) (*Entry, error) {
	e, err := t.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "audit entry not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit entry")
	}
	return e, nil
}

// VerifyEntry checks the entry signature and, when committed, compares the
// ledger copy with the local one.
func (t *Trail) VerifyEntry(ctx context.Context, id domain.AuditEntryID) (*Verification, error) {
	e, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := CanonicalContent(e)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode audit entry")
	}
	v := &Verification{
		EntryID:        e.EntryID,
		SignatureValid: t.verifier.Verify(t.signer.PublicKey(), content, e.Signature),
		Committed:      e.IsImmutable,
	}
	if !e.IsImmutable {
		return v, nil
	}

	rec, err := t.ledger.Query(ctx, Criteria{TransactionID: e.LedgerTransactionID})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			matches := false
			v.LedgerMatches = &matches
			return v, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "ledger unavailable")
	}
	local, err := LedgerPayload(e)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode ledger payload")
	}
	matches := string(local) == string(rec.Payload)
	checked := time.Now().UTC()
	v.LedgerMatches = &matches
	v.LedgerCheckedAt = &checked
	return v, nil
}

// Health reports the ledger backlog. Degraded means entries are waiting on an
// unreachable ledger or have been abandoned.
func (t *Trail) Health(ctx context.Context) (Health, error) {
	pending, abandoned, err := t.store.Backlog(ctx)
	if err != nil {
		return Health{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit backlog")
	}
	t.metrics.setBacklog(pending, abandoned)
	h := Health{
		Status:       HealthHealthy,
		Pending:      pending,
		Abandoned:    abandoned,
		CircuitOpen:  t.breaker.IsOpen(),
		LastCommitAt: t.lastCommit.Load(),
	}
	if abandoned > 0 || (pending > 0 && h.CircuitOpen) {
		h.Status = HealthDegraded
	}
	return h, nil
}

// PublicKey exposes the audit verification key.
func (t *Trail) PublicKey() []byte { return t.signer.PublicKey() }

// KeyID is the fingerprint of the audit verification key.
func (t *Trail) KeyID() string { return t.signer.KeyID() }
