// Package kafka adapts a single-partition Kafka topic into the audit ledger.
//
// A record acknowledged by all in-sync replicas is committed: its offset is the
// block number and "topic/partition/offset" is the transaction id. The topic
// should be configured with infinite retention and no compaction.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"carevault/internal/audit"
	"carevault/pkg/platform/sentinel"
)

const entryIDHeader = "carevault-entry-id"

// Ledger produces audit payloads and reads them back by offset.
type Ledger struct {
	client  *kgo.Client
	topic   string
	brokers []string
	tracer  trace.Tracer
}

// New wraps a producer client. brokers are used to open short-lived readers for Query.
func New(client *kgo.Client, topic string, brokers []string) *Ledger {
	return &Ledger{
		client:  client,
		topic:   topic,
		brokers: brokers,
		tracer:  otel.Tracer("carevault/audit/ledger/kafka"),
	}
}

func (l *Ledger) Submit(ctx context.Context, sub audit.Submission) (audit.Receipt, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.kafka.submit", trace.WithAttributes(attribute.String("entry_id", sub.EntryID)))
	defer span.End()

	rec := &kgo.Record{
		Topic:     l.topic,
		Partition: 0,
		Key:       []byte(sub.EntryID),
		Value:     sub.Payload,
		Headers:   []kgo.RecordHeader{{Key: entryIDHeader, Value: []byte(sub.EntryID)}},
	}
	produced, err := l.client.ProduceSync(ctx, rec).First()
	if err != nil {
		span.RecordError(err)
		return audit.Receipt{}, fmt.Errorf("kafka ledger produce: %w: %w", sentinel.ErrUnavailable, err)
	}
	block := uint64(produced.Offset)
	return audit.Receipt{
		TransactionID: FormatTransactionID(produced.Topic, produced.Partition, produced.Offset),
		BlockNumber:   &block,
	}, nil
}

func (l *Ledger) Query(ctx context.Context, c audit.Criteria) (*audit.LedgerRecord, error) {
	topic, partition, offset, err := ParseTransactionID(c.TransactionID)
	if err != nil || topic != l.topic {
		return nil, sentinel.ErrNotFound
	}
	ctx, span := l.tracer.Start(ctx, "ledger.kafka.query", trace.WithAttributes(attribute.String("tx_id", c.TransactionID)))
	defer span.End()

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(l.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {partition: kgo.NewOffset().At(offset)},
		}),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka ledger reader: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer reader.Close()

	for {
		fetches := reader.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("kafka ledger query: %w: %w", sentinel.ErrUnavailable, ctx.Err())
		}
		var fetchErr error
		fetches.EachError(func(_ string, _ int32, err error) { fetchErr = err })
		if fetchErr != nil {
			span.RecordError(fetchErr)
			return nil, fmt.Errorf("kafka ledger fetch: %w: %w", sentinel.ErrUnavailable, fetchErr)
		}
		var found *kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			if found == nil && r.Offset == offset {
				found = r
			}
		})
		if found != nil {
			block := uint64(found.Offset)
			return &audit.LedgerRecord{
				TransactionID: c.TransactionID,
				BlockNumber:   &block,
				EntryID:       headerValue(found, entryIDHeader),
				Payload:       found.Value,
			}, nil
		}
	}
}

func headerValue(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return string(r.Key)
}

// FormatTransactionID renders topic/partition/offset.
func FormatTransactionID(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s/%d/%d", topic, partition, offset)
}

// ParseTransactionID is the inverse of FormatTransactionID.
func ParseTransactionID(id string) (topic string, partition int32, offset int64, err error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("malformed transaction id %q", id)
	}
	j := strings.LastIndex(id[:i], "/")
	if j <= 0 {
		return "", 0, 0, fmt.Errorf("malformed transaction id %q", id)
	}
	p, err := strconv.ParseInt(id[j+1:i], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed partition in %q: %w", id, err)
	}
	o, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || o < 0 {
		return "", 0, 0, fmt.Errorf("malformed offset in %q", id)
	}
	return id[:j], int32(p), o, nil
}

var _ audit.Ledger = (*Ledger)(nil)
