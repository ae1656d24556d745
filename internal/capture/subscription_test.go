package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func feedMessage(op, recordID, mutatedAt string, value []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(recordID),
		Value: value,
		Time:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Headers: []kafka.Header{
			{Key: "op", Value: []byte(op)},
			{Key: "record_id", Value: []byte(recordID)},
			{Key: "mutated_at", Value: []byte(mutatedAt)},
		},
	}
}

func TestDecodeMessage_Update(t *testing.T) {
	msg := feedMessage("u", "exp-1", "2026-03-14T09:30:00Z", []byte(`{"amount":150.5,"category":"Fuel"}`))

	ch, err := decodeMessage(context.Background(), CollectionExpense, msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch.Collection != CollectionExpense || ch.RecordID != "exp-1" || ch.Kind != KindUpdated {
		t.Fatalf("unexpected change: %+v", ch)
	}
	if ch.SnapshotAfter["category"] != "Fuel" {
		t.Fatalf("snapshot not decoded: %v", ch.SnapshotAfter)
	}
	if !ch.MutatedAt.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected mutated_at: %s", ch.MutatedAt)
	}
}

func TestDecodeMessage_DeleteWithEmptySnapshot(t *testing.T) {
	msg := feedMessage("d", "rider-9", "2026-03-14T09:30:00Z", nil)

	ch, err := decodeMessage(context.Background(), CollectionRider, msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch.Kind != KindDeleted {
		t.Fatalf("expected deleted, got %s", ch.Kind)
	}
	if ch.SnapshotAfter != nil {
		t.Fatalf("expected nil snapshot on delete, got %v", ch.SnapshotAfter)
	}
	if ch.RecordID != "rider-9" {
		t.Fatalf("delete must keep the record id, got %q", ch.RecordID)
	}
}

func TestDecodeMessage_FallsBackToKeyAndMessageTime(t *testing.T) {
	msg := kafka.Message{
		Key:     []byte("exp-2"),
		Value:   []byte(`{"amount":1}`),
		Time:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Headers: []kafka.Header{{Key: "op", Value: []byte("c")}},
	}

	ch, err := decodeMessage(context.Background(), CollectionExpense, msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch.RecordID != "exp-2" {
		t.Fatalf("expected record id from key, got %q", ch.RecordID)
	}
	if !ch.MutatedAt.Equal(msg.Time) {
		t.Fatalf("expected message time fallback, got %s", ch.MutatedAt)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	cases := map[string]kafka.Message{
		"unknown op":     feedMessage("x", "exp-1", "2026-03-14T09:30:00Z", []byte(`{}`)),
		"missing id":     {Headers: []kafka.Header{{Key: "op", Value: []byte("c")}}, Value: []byte(`{}`)},
		"bad timestamp":  feedMessage("c", "exp-1", "yesterday", []byte(`{}`)),
		"non-object doc": feedMessage("c", "exp-1", "2026-03-14T09:30:00Z", []byte(`[1,2]`)),
	}
	for name, msg := range cases {
		if _, err := decodeMessage(context.Background(), CollectionExpense, msg); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}
