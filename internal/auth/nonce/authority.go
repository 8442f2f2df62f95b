// Package nonce issues and consumes single-use authentication challenges.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carevault/internal/auth/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
	"carevault/pkg/requestcontext"
)

const (
	DefaultWindow      = 5 * time.Minute
	defaultSweepPeriod = time.Minute
	nonceBytes         = 32
)

// Store is the pending-nonce set. Consume must be an atomic check-and-delete.
type Store interface {
	Put(ctx context.Context, n models.Nonce) error
	Consume(ctx context.Context, owner domain.UserID, value string, now time.Time) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Metrics counts nonce outcomes.
type Metrics struct {
	issued   prometheus.Counter
	consumed *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		issued: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_nonces_issued_total",
			Help: "Authentication nonces issued.",
		}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_nonce_consume_total",
			Help: "Nonce consume attempts by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) incIssued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Metrics) incConsumed(result string) {
	if m != nil {
		m.consumed.WithLabelValues(result).Inc()
	}
}

// Authority owns the nonce lifecycle.
type Authority struct {
	store   Store
	window  time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Authority)

func WithWindow(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.window = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

func NewAuthority(store Store, opts ...Option) *Authority {
	a := &Authority{store: store, window: DefaultWindow, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue creates a fresh nonce for userID that expires after the window.
func (a *Authority) Issue(ctx context.Context, userID domain.UserID) (*models.Nonce, error) {
	now := requestcontext.Now(ctx).UTC()
	for range 3 {
		value, err := randomValue()
		if err != nil {
			return nil, err
		}
		n := models.Nonce{Value: value, Owner: userID, IssuedAt: now, ExpiresAt: now.Add(a.window)}
		err = a.store.Put(ctx, n)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a.metrics.incIssued()
		return &n, nil
	}
	return nil, errors.New("could not allocate a unique nonce")
}

// Consume reports whether value was a live nonce owned by userID and removes it.
// Store failures deny.
func (a *Authority) Consume(ctx context.Context, userID domain.UserID, value string) bool {
	if value == "" {
		a.metrics.incConsumed("rejected")
		return false
	}
	ok, err := a.store.Consume(ctx, userID, value, requestcontext.Now(ctx).UTC())
	if err != nil {
		a.logger.ErrorContext(ctx, "nonce store failure, denying",
			"user_id", userID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		a.metrics.incConsumed("error")
		return false
	}
	if !ok {
		a.metrics.incConsumed("rejected")
		return false
	}
	a.metrics.incConsumed("consumed")
	return true
}

// Sweep removes expired nonces.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	return a.store.Sweep(ctx, time.Now().UTC())
}

// RunSweeper sweeps every period until ctx is cancelled.
func (a *Authority) RunSweeper(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = defaultSweepPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := a.Sweep(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "nonce sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.DebugContext(ctx, "expired nonces swept", "count", n)
			}
		}
	}
}

func randomValue() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
