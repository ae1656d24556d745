package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yellowbox/fleetsync/internal/capture"
)

// ErrMissingRecordID is a fatal construction error: an envelope without a
// record id can never be delivered, so the change is dropped, not retried.
var ErrMissingRecordID = errors.New("change has no record id")

// Action mirrors capture.Kind 1:1 on the wire.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// eventNamespace fixes the UUIDv5 namespace so that the same underlying
// mutation always derives the same event id, across processes and restarts.
var eventNamespace = uuid.MustParse("b4f1a6a2-8f0e-4c93-9a87-2f6d3c1e5a10")

// Event is the immutable unit of delivery derived from one Change.
type Event struct {
	EventID   string
	Type      string
	Action    Action
	RecordID  string
	Data      map[string]any // nil when Action == ActionDeleted
	Timestamp time.Time
	Origin    string
}

// Build derives the delivery envelope from a change. It is pure: no
// network, no clock reads, and redelivering the same change yields a
// byte-identical envelope.
func Build(ch capture.Change, origin string) (Event, error) {
	if ch.RecordID == "" {
		return Event{}, ErrMissingRecordID
	}

	var data map[string]any
	if ch.Kind != capture.KindDeleted {
		data = make(map[string]any, len(ch.SnapshotAfter)+1)
		for k, v := range ch.SnapshotAfter {
			data[k] = v
		}
		// The sink matches on data.id; it must always equal the record id.
		data["id"] = ch.RecordID
	}

	return Event{
		EventID:   EventID(ch),
		Type:      string(ch.Collection),
		Action:    Action(ch.Kind),
		RecordID:  ch.RecordID,
		Data:      data,
		Timestamp: ch.MutatedAt.UTC(),
		Origin:    origin,
	}, nil
}

// EventID derives the deterministic id for a change. Redelivery of the
// same mutation produces the same id, which is what lets the sink treat
// duplicates as upserts.
func EventID(ch capture.Change) string {
	seed := fmt.Sprintf("%s|%s|%s|%s",
		ch.Collection, ch.RecordID, ch.Kind, ch.MutatedAt.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(eventNamespace, []byte(seed)).String()
}

// wireEvent is the sink's wire contract. The body's "id" is the record
// id (the sink's matching key source); the event id travels as a header.
type wireEvent struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Action    Action         `json:"action"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// MarshalBody serializes the envelope to the wire form.
func (e Event) MarshalBody() ([]byte, error) {
	return json.Marshal(wireEvent{
		Type:      e.Type,
		ID:        e.RecordID,
		Action:    e.Action,
		Data:      e.Data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// ParseBody reconstructs an envelope from its stored wire form, used by
// the replay path. The event id is not part of the body and must be
// supplied from the ledger record.
func ParseBody(eventID string, body []byte, origin string) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("parse stored envelope: %w", err)
	}
	if w.ID == "" {
		return Event{}, ErrMissingRecordID
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("parse stored envelope timestamp: %w", err)
	}
	return Event{
		EventID:   eventID,
		Type:      w.Type,
		Action:    w.Action,
		RecordID:  w.ID,
		Data:      w.Data,
		Timestamp: ts,
		Origin:    origin,
	}, nil
}
