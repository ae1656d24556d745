package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yellowbox/fleetsync/libs/kafkax"
	otelx "github.com/yellowbox/fleetsync/libs/otel"
)

// ErrMalformed marks a notification that can never become a valid Change.
// Malformed notifications are dropped, not retried.
var ErrMalformed = errors.New("malformed change notification")

// Subscription is a live per-collection mutation feed. Next blocks until
// a mutation is observed or ctx is done.
type Subscription interface {
	Collection() Collection
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Topic returns the change-feed topic for a collection.
func Topic(c Collection) string {
	switch c {
	case CollectionRider:
		return "fleet.cdc.riders"
	case CollectionExpense:
		return "fleet.cdc.expenses"
	case CollectionDocument:
		return "fleet.cdc.documents"
	}
	return "fleet.cdc." + string(c)
}

// KafkaSubscription reads one collection's change-feed topic. The CDC
// producer keys messages by record id and sets op/record_id/mutated_at
// headers; the message value is the post-mutation snapshot (empty on
// delete).
type KafkaSubscription struct {
	collection Collection
	reader     *kafka.Reader
}

type KafkaConfig struct {
	Brokers string
	GroupID string
}

func NewKafkaSubscription(cfg KafkaConfig, collection Collection) *KafkaSubscription {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    Topic(collection),
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaSubscription{collection: collection, reader: reader}
}

func (s *KafkaSubscription) Collection() Collection {
	return s.collection
}

func (s *KafkaSubscription) Next(ctx context.Context) (Change, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return Change{}, err
	}
	return decodeMessage(ctx, s.collection, msg)
}

func (s *KafkaSubscription) Close() error {
	return s.reader.Close()
}

func decodeMessage(ctx context.Context, collection Collection, msg kafka.Message) (Change, error) {
	meta := kafkax.ExtractFeedMeta(msg)

	var kind Kind
	switch meta.Op {
	case "c":
		kind = KindCreated
	case "u":
		kind = KindUpdated
	case "d":
		kind = KindDeleted
	default:
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrMalformed, meta.Op)
	}

	if meta.RecordID == "" {
		return Change{}, fmt.Errorf("%w: missing record id", ErrMalformed)
	}

	mutatedAt := msg.Time
	if meta.MutatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, meta.MutatedAt)
		if err != nil {
			return Change{}, fmt.Errorf("%w: bad mutated_at %q", ErrMalformed, meta.MutatedAt)
		}
		mutatedAt = t
	}

	var snapshot map[string]any
	if kind != KindDeleted {
		if err := json.Unmarshal(msg.Value, &snapshot); err != nil {
			return Change{}, fmt.Errorf("%w: snapshot is not a JSON object: %v", ErrMalformed, err)
		}
	}

	traceparent, tracestate := otelx.TraceContextStrings(kafkax.ExtractTraceContext(ctx, msg))
	return Change{
		Collection:    collection,
		RecordID:      meta.RecordID,
		Kind:          kind,
		SnapshotAfter: snapshot,
		MutatedAt:     mutatedAt.UTC(),
		Traceparent:   traceparent,
		Tracestate:    tracestate,
	}, nil
}
