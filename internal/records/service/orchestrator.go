// Package service coordinates access checks, content storage and audit for
// record uploads and downloads.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"carevault/internal/access"
	"carevault/internal/audit"
	"carevault/internal/crypto/signature"
	"carevault/internal/records/models"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
	"carevault/pkg/requestcontext"
)

const (
	DefaultOperationTimeout = 10 * time.Second
	DefaultMaxBlobSize      = 16 << 20
	defaultContentType      = "application/octet-stream"
	maxAccessReasonLen      = 512
)

type Metrics struct {
	duration *prometheus.HistogramVec
	states   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carevault_storage_operation_duration_seconds",
			Help:    "Record upload and download duration by outcome.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation", "outcome"}),
		states: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_storage_operation_states_total",
			Help: "Orchestrator state transitions.",
		}, []string{"operation", "state"}),
	}
}

func (m *Metrics) observe(op, outcome string, d time.Duration) {
	if m != nil {
		m.duration.WithLabelValues(op, outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) transition(op string, state models.State) {
	if m != nil {
		m.states.WithLabelValues(op, string(state)).Inc()
	}
}

// Orchestrator runs each upload and download through
// validating -> executing -> auditing -> done, or into failed.
// Every call writes exactly one audit entry.
type Orchestrator struct {
	content   ContentStore
	catalogue Catalogue
	access    AccessChecker
	keys      KeyDirectory
	auditor   audit.Recorder
	verifier  signature.Verifier
	timeout   time.Duration
	maxBlob   int
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithVerifier(v signature.Verifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// WithOperationTimeout bounds each content store call.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithMaxBlobSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBlob = n
		}
	}
}

func New(content ContentStore, catalogue Catalogue, checker AccessChecker, keys KeyDirectory, auditor audit.Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		content:   content,
		catalogue: catalogue,
		access:    checker,
		keys:      keys,
		auditor:   auditor,
		verifier:  signature.Ed25519Verifier{},
		timeout:   DefaultOperationTimeout,
		maxBlob:   DefaultMaxBlobSize,
		tracer:    otel.Tracer("carevault/records"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// operation tracks one call through its states.
type operation struct {
	name    string
	state   models.State
	started time.Time
	span    trace.Span
	entry   audit.Input
}

func (o *Orchestrator) begin(ctx context.Context, name string, actor domain.UserID) (context.Context, *operation) {
	ctx, span := o.tracer.Start(ctx, "records."+name)
	op := &operation{
		name:    name,
		started: time.Now(),
		span:    span,
		entry:   audit.Input{UserID: actor, Details: map[string]string{}},
	}
	o.to(ctx, op, models.StateValidating)
	return ctx, op
}

func (o *Orchestrator) to(ctx context.Context, op *operation, state models.State) {
	op.state = state
	op.span.AddEvent(string(state))
	o.metrics.transition(op.name, state)
	o.logger.DebugContext(ctx, "record operation state",
		"operation", op.name,
		"state", state,
		"request_id", requestcontext.RequestID(ctx),
	)
}

// finish writes the single audit entry and closes the operation.
func (o *Orchestrator) finish(ctx context.Context, op *operation, err error) {
	defer op.span.End()

	outcome := audit.OutcomeSuccess
	switch {
	case err == nil:
		o.to(ctx, op, models.StateAuditing)
	case dErrors.HasCode(err, dErrors.CodeForbidden):
		outcome = audit.OutcomeDenied
		o.to(ctx, op, models.StateFailed)
	default:
		outcome = audit.OutcomeFailure
		o.to(ctx, op, models.StateFailed)
	}
	op.entry.Details[audit.DetailOutcome] = outcome
	if err != nil {
		op.entry.Details[audit.DetailReason] = string(dErrors.GetCode(err))
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, string(dErrors.GetCode(err)))
		o.logger.WarnContext(ctx, "record "+op.name+" failed",
			"user_id", op.entry.UserID,
			"content_id", op.entry.ResourceID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
	if o.auditor != nil {
		if _, aerr := o.auditor.Record(ctx, op.entry); aerr != nil {
			o.logger.ErrorContext(ctx, "failed to audit record "+op.name,
				"content_id", op.entry.ResourceID,
				"error", aerr,
			)
		}
	}
	if err == nil {
		o.to(ctx, op, models.StateDone)
	}
	o.metrics.observe(op.name, outcome, time.Since(op.started))
}

// applyDecision stamps the access decision into the audit entry.
func (op *operation) applyDecision(res access.Result) {
	op.entry.Details["accessDecision"] = res.Reason
	op.entry.Details[audit.DetailSensitivity] = res.Sensitivity
	if res.PolicyVersion != "" {
		op.entry.Details["policyVersion"] = res.PolicyVersion
	}
	if res.ConsentTokenID != nil {
		op.entry.Details["consentTokenId"] = res.ConsentTokenID.String()
	}
	op.span.SetAttributes(
		attribute.Bool("access.granted", res.AccessGranted),
		attribute.String("access.reason", res.Reason),
	)
	if !res.AccessGranted {
		op.entry.EventType = audit.EventAccessDenied
	}
}

func deniedError(res access.Result) error {
	return dErrors.New(dErrors.CodeForbidden, "access denied: "+res.Reason)
}

// storageError classifies content store and catalogue failures. Everything
// after a granted decision is reported as retryable.
func storageError(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	}
	return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, msg)
}

// contentError separates a catalogued blob that is gone from a content store
// that cannot be reached. Backends that do not report sentinel.ErrNotFound
// are asked directly while the deadline allows it.
func (o *Orchestrator) contentError(ctx context.Context, id domain.ContentID, err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record content is missing")
	}
	if ctx.Err() == nil {
		if ok, xerr := o.content.Exists(ctx, id); xerr == nil && !ok {
			return dErrors.Wrap(err, dErrors.CodeNotFound, "record content is missing")
		}
	}
	return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "content store unavailable")
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout)
}

// UploadRequest carries an encrypted blob from a provider.
type UploadRequest struct {
	PatientID         domain.UserID
	ProviderID        domain.UserID
	Blob              []byte
	Metadata          models.Metadata
	ProviderSignature []byte
}

type UploadResult struct {
	Record         *models.Record
	ConsentTokenID *domain.ConsentTokenID
	AccessReason   string
}

// Upload verifies the provider's signature, checks write access and stores the blob.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, op := o.begin(ctx, "upload", req.ProviderID)
	op.entry.EventType = audit.EventRecordCreated
	op.entry.Details["patientId"] = req.PatientID.String()
	op.entry.Details["action"] = "upload"
	res, err := o.upload(ctx, op, req)
	o.finish(ctx, op, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) upload(ctx context.Context, op *operation, req UploadRequest) (*UploadResult, error) {
	if req.PatientID.IsZero() || req.ProviderID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "patientId and providerId are required")
	}
	if len(req.Blob) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "blob must not be empty")
	}
	if len(req.Blob) > o.maxBlob {
		return nil, dErrors.New(dErrors.CodeValidation, "blob exceeds the maximum size")
	}
	rt, err := domain.ParseResourceType(req.Metadata.ResourceType.String())
	if err != nil {
		return nil, err
	}
	meta := req.Metadata
	meta.ResourceType = rt
	meta.ContentType = strings.TrimSpace(meta.ContentType)
	if meta.ContentType == "" {
		meta.ContentType = defaultContentType
	}
	contentID := models.ContentIDFor(req.Blob)
	op.entry.ResourceID = contentID.String()
	op.entry.Details["resourceType"] = meta.ResourceType.String()
	op.span.SetAttributes(attribute.String("content.id", contentID.String()))

	keys, err := o.keys.PublicKeys(ctx, req.ProviderID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, dErrors.New(dErrors.CodeForbidden, "provider is not an approved identity")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve provider")
	}
	msg, err := models.UploadSigningPayload(req.PatientID, req.ProviderID, meta, contentID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode upload")
	}
	if !o.verifier.Verify(keys.SigningKey, msg, req.ProviderSignature) {
		return nil, dErrors.New(dErrors.CodeForbidden, "provider signature does not verify")
	}

	decision := o.access.CheckAccess(ctx, access.Request{
		ProviderID:   req.ProviderID,
		PatientID:    req.PatientID,
		ResourceType: meta.ResourceType,
		AccessLevel:  domain.AccessWrite,
	})
	op.applyDecision(decision)
	if !decision.AccessGranted {
		return nil, deniedError(decision)
	}

	o.to(ctx, op, models.StateExecuting)
	storeCtx, cancel := o.withTimeout(ctx)
	defer cancel()
	stored, err := o.content.Put(storeCtx, req.Blob)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "content store unavailable")
	}
	if stored != contentID {
		return nil, dErrors.New(dErrors.CodeInternal, "content store returned an unexpected address")
	}
	if err := o.content.Pin(storeCtx, contentID); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "content store unavailable")
	}
	rec := &models.Record{
		ContentID:    contentID,
		PatientID:    req.PatientID,
		ResourceType: meta.ResourceType,
		ContentType:  meta.ContentType,
		Size:         int64(len(req.Blob)),
		UploadedBy:   req.ProviderID,
		UploadedAt:   requestcontext.Now(ctx).UTC().Truncate(time.Microsecond),
	}
	if err := o.catalogue.Add(storeCtx, rec); err != nil {
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "record catalogue unavailable")
		}
		// Same blob for the same patient: the first catalogue entry stands.
		existing, gerr := o.catalogue.Get(storeCtx, contentID, req.PatientID)
		if gerr != nil {
			return nil, storageError(gerr, "record catalogue unavailable")
		}
		rec = existing
	}
	return &UploadResult{Record: rec, ConsentTokenID: decision.ConsentTokenID, AccessReason: decision.Reason}, nil
}

// DownloadRequest asks for one blob of a patient.
type DownloadRequest struct {
	RequesterID  domain.UserID
	PatientID    domain.UserID
	ContentID    domain.ContentID
	AccessReason string
}

type DownloadResult struct {
	Record         *models.Record
	Blob           []byte
	ConsentTokenID *domain.ConsentTokenID
}

// Download checks read access and returns the blob. Content that is unknown
// for this patient is evaluated with an empty resource type, so callers
// without broad access see FORBIDDEN rather than learning it does not exist.
func (o *Orchestrator) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	ctx, op := o.begin(ctx, "download", req.RequesterID)
	op.entry.EventType = audit.EventRecordAccessed
	op.entry.ResourceID = req.ContentID.String()
	op.entry.Details["patientId"] = req.PatientID.String()
	op.entry.Details["action"] = "download"
	res, err := o.download(ctx, op, req)
	o.finish(ctx, op, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) download(ctx context.Context, op *operation, req DownloadRequest) (*DownloadResult, error) {
	reason := strings.TrimSpace(req.AccessReason)
	if len(reason) > maxAccessReasonLen {
		return nil, dErrors.New(dErrors.CodeValidation, "accessReason is too long")
	}
	op.entry.Details["accessReason"] = reason
	if req.RequesterID.IsZero() || req.PatientID.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "requesterId and patientId are required")
	}
	if _, err := domain.ParseContentID(req.ContentID.String()); err != nil {
		return nil, err
	}

	rec, err := o.catalogue.Get(ctx, req.ContentID, req.PatientID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		rec = nil
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "record catalogue unavailable")
	}
	var rt domain.ResourceType
	if rec != nil {
		rt = rec.ResourceType
		op.entry.Details["resourceType"] = rt.String()
	}

	decision := o.access.CheckAccess(ctx, access.Request{
		ProviderID:   req.RequesterID,
		PatientID:    req.PatientID,
		ResourceType: rt,
		AccessLevel:  domain.AccessRead,
	})
	op.applyDecision(decision)
	if !decision.AccessGranted {
		return nil, deniedError(decision)
	}
	if rec == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "record not found")
	}

	o.to(ctx, op, models.StateExecuting)
	storeCtx, cancel := o.withTimeout(ctx)
	defer cancel()
	blob, err := o.content.Get(storeCtx, req.ContentID)
	if err != nil {
		return nil, o.contentError(storeCtx, req.ContentID, err)
	}
	return &DownloadResult{Record: rec, Blob: blob, ConsentTokenID: decision.ConsentTokenID}, nil
}

// ListForPatient returns catalogue entries the requester may read, newest first.
// It is a projection and writes no audit entry.
func (o *Orchestrator) ListForPatient(ctx context.Context, requesterID, patientID domain.UserID) ([]*models.Record, error) {
	recs, err := o.catalogue.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "record catalogue unavailable")
	}
	out := make([]*models.Record, 0, len(recs))
	for _, r := range recs {
		res := o.access.CheckAccess(ctx, access.Request{
			ProviderID:   requesterID,
			PatientID:    patientID,
			ResourceType: r.ResourceType,
			AccessLevel:  domain.AccessRead,
		})
		if res.AccessGranted {
			out = append(out, r)
		}
	}
	return out, nil
}
