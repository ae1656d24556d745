package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

var (
	ErrNotFound = errors.New("delivery record not found")
	// ErrTerminal rejects writes to a record that already reached Sent or
	// Failed. Replay goes through Reopen, never through Record/Finalize.
	ErrTerminal = errors.New("delivery record is terminal")
)

// Attempt is one dispatch attempt. Exactly one of HTTPStatus and
// NetworkError is meaningful: status 0 means the request never completed.
type Attempt struct {
	AttemptedAt  time.Time `json:"attempted_at"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	NetworkError string    `json:"network_error,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
}

// Meta is the event identity captured when the dispatcher accepts an
// event. The serialized envelope is retained so the event can be
// replayed verbatim after the fact.
type Meta struct {
	Type        string
	RecordID    string
	Envelope    []byte
	Traceparent string
	Tracestate  string
}

// DeliveryRecord is the audit entry for one event: one record per event
// id, attempts append-only, status never regresses out of a terminal
// state except through an explicit Reopen.
type DeliveryRecord struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	RecordID       string          `json:"record_id"`
	Status         Status          `json:"status"`
	Envelope       json.RawMessage `json:"envelope"`
	Attempts       []Attempt       `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	FirstAttemptAt time.Time       `json:"first_attempt_at,omitzero"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitzero"`
	Traceparent    string          `json:"-"`
	Tracestate     string          `json:"-"`
}

// Store is the delivery ledger. It is the pipeline's only shared mutable
// state and must tolerate concurrent writers for different events;
// appends to one record are serialized by the implementation.
type Store interface {
	// Begin creates the Pending record for an event. Calling it again
	// while the record is still Pending is a no-op; on a terminal record
	// it returns ErrTerminal.
	Begin(ctx context.Context, eventID string, meta Meta) error

	// Record appends one attempt.
	Record(ctx context.Context, eventID string, attempt Attempt) error

	// Finalize moves a Pending record to Sent or Failed.
	Finalize(ctx context.Context, eventID string, status Status, lastError string) error

	Get(ctx context.Context, eventID string) (DeliveryRecord, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]DeliveryRecord, error)

	// Reopen moves a terminal record back to Pending for replay. The
	// attempt history is kept.
	Reopen(ctx context.Context, eventID string) error

	// MarkInterrupted fails every Pending record, flagging deliveries
	// that were in flight when the process died so operators can replay
	// them. Run once at startup, before the pipeline accepts changes.
	MarkInterrupted(ctx context.Context) (int, error)
}

const interruptedError = "interrupted: pending at startup"
