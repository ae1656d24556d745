package ledger

import (
	"context"
	"sync"
)

// Memory is the in-process ledger, used in tests and when syncd runs
// without DATABASE_URL. History does not survive a restart.
type Memory struct {
	mu      sync.Mutex
	records map[string]*DeliveryRecord
	order   []string
}

func NewMemory() *Memory {
	return &Memory{records: map[string]*DeliveryRecord{}}
}

func (m *Memory) Begin(_ context.Context, eventID string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[eventID]; ok {
		if rec.Status != StatusPending {
			return ErrTerminal
		}
		return nil
	}
	envelope := make([]byte, len(meta.Envelope))
	copy(envelope, meta.Envelope)
	m.records[eventID] = &DeliveryRecord{
		EventID:     eventID,
		Type:        meta.Type,
		RecordID:    meta.RecordID,
		Status:      StatusPending,
		Envelope:    envelope,
		Traceparent: meta.Traceparent,
		Tracestate:  meta.Tracestate,
	}
	m.order = append(m.order, eventID)
	return nil
}

func (m *Memory) Record(_ context.Context, eventID string, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[eventID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrTerminal
	}
	rec.Attempts = append(rec.Attempts, attempt)
	if rec.FirstAttemptAt.IsZero() {
		rec.FirstAttemptAt = attempt.AttemptedAt
	}
	rec.LastAttemptAt = attempt.AttemptedAt
	return nil
}

func (m *Memory) Finalize(_ context.Context, eventID string, status Status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[eventID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrTerminal
	}
	rec.Status = status
	rec.LastError = lastError
	return nil
}

func (m *Memory) Get(_ context.Context, eventID string) (DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[eventID]
	if !ok {
		return DeliveryRecord{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) ListByStatus(_ context.Context, status Status, limit int) ([]DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DeliveryRecord
	for i := len(m.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		rec := m.records[m.order[i]]
		if rec.Status == status {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (m *Memory) Reopen(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[eventID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusPending
	rec.LastError = ""
	return nil
}

func (m *Memory) MarkInterrupted(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.records {
		if rec.Status == StatusPending {
			rec.Status = StatusFailed
			rec.LastError = interruptedError
			n++
		}
	}
	return n, nil
}

func copyRecord(rec *DeliveryRecord) DeliveryRecord {
	out := *rec
	out.Attempts = append([]Attempt(nil), rec.Attempts...)
	out.Envelope = append([]byte(nil), rec.Envelope...)
	return out
}
