// Package memory is an in-process ledger used in development and tests.
// Blocks are numbered from 1 in submission order.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"carevault/internal/audit"
	"carevault/pkg/platform/sentinel"
)

type record struct {
	rec   audit.LedgerRecord
	block *uint64
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	records   []*record
	byTx      map[string]*record
	available bool
	deferred  bool
	latency   time.Duration
	nextBlock uint64
}

type Option func(*Ledger)

// WithDeferredCommit makes Submit return without a block number until Seal is called.
func WithDeferredCommit() Option {
	return func(l *Ledger) { l.deferred = true }
}

// WithLatency delays every call by d (honouring context cancellation).
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{byTx: make(map[string]*record), available: true, nextBlock: 1}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetAvailable simulates an outage when false.
func (l *Ledger) SetAvailable(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = ok
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Ledger) Submit(ctx context.Context, sub audit.Submission) (audit.Receipt, error) {
	if err := l.wait(ctx); err != nil {
		return audit.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.available {
		return audit.Receipt{}, fmt.Errorf("memory ledger: %w", sentinel.ErrUnavailable)
	}
	r := &record{rec: audit.LedgerRecord{
		TransactionID: "mem-" + uuid.NewString(),
		EntryID:       sub.EntryID,
		Payload:       append([]byte(nil), sub.Payload...),
	}}
	if !l.deferred {
		l.sealLocked(r)
	}
	l.records = append(l.records, r)
	l.byTx[r.rec.TransactionID] = r
	return audit.Receipt{TransactionID: r.rec.TransactionID, BlockNumber: copyBlock(r.block)}, nil
}

func (l *Ledger) Query(ctx context.Context, c audit.Criteria) (*audit.LedgerRecord, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.available {
		return nil, fmt.Errorf("memory ledger: %w", sentinel.ErrUnavailable)
	}
	r, ok := l.byTx[c.TransactionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := r.rec
	out.Payload = append([]byte(nil), r.rec.Payload...)
	out.BlockNumber = copyBlock(r.block)
	return &out, nil
}

// Seal assigns blocks to every uncommitted transaction.
func (l *Ledger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.block == nil {
			l.sealLocked(r)
		}
	}
}

// Tamper overwrites a stored payload; used to exercise verification.
func (l *Ledger) Tamper(txID string, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.byTx[txID]; ok {
		r.rec.Payload = payload
	}
}

// Len returns the number of stored transactions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) sealLocked(r *record) {
	bn := l.nextBlock
	l.nextBlock++
	r.block = &bn
}

func copyBlock(b *uint64) *uint64 {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

var _ audit.Ledger = (*Ledger)(nil)
