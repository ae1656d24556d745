package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/yellowbox/fleetsync/internal/dispatch"
	"github.com/yellowbox/fleetsync/internal/envelope"
	"github.com/yellowbox/fleetsync/internal/ledger"
	otelx "github.com/yellowbox/fleetsync/libs/otel"
)

// Harness is the operator-facing verification tool. It reuses the live
// dispatcher for replays but never sits on the live path itself.
type Harness struct {
	dispatcher *dispatch.Dispatcher
	store      ledger.Store
	logger     *slog.Logger
	sinkURL    string
	origin     string
	client     *http.Client
}

func New(dispatcher *dispatch.Dispatcher, store ledger.Store, logger *slog.Logger, sinkURL, origin string) *Harness {
	return &Harness{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		sinkURL:    sinkURL,
		origin:     origin,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type ProbeResult struct {
	Reachable  bool   `json:"reachable"`
	HTTPStatus int    `json:"http_status,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// Probe sends one synthetic event to url, unretried, and never touches
// the ledger. It tells reachability apart from the sink being down; a
// non-2xx with a body usually means configuration drift on the sink side
// (wrong path, inactive endpoint, missing matching key).
func (h *Harness) Probe(ctx context.Context, url string) ProbeResult {
	if url == "" {
		url = h.sinkURL
	}
	now := time.Now().UTC()
	body, err := json.Marshal(map[string]any{
		"type":   "probe",
		"id":     fmt.Sprintf("probe-%d", now.UnixNano()),
		"action": "created",
		"data": map[string]any{
			"id":      fmt.Sprintf("probe-%d", now.UnixNano()),
			"message": "connectivity probe",
		},
		"timestamp": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ProbeResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.origin != "" {
		req.Header.Set("X-Sync-Origin", h.origin)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ProbeResult{Reachable: false, LatencyMs: latency, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return ProbeResult{
		Reachable:  resp.StatusCode >= 200 && resp.StatusCode < 300,
		HTTPStatus: resp.StatusCode,
		LatencyMs:  latency,
	}
}

// Replay re-dispatches a recorded event. Safe to invoke on any record,
// including one already Sent: the sink's idempotent upsert makes a
// duplicate delivery a no-op.
func (h *Harness) Replay(ctx context.Context, eventID string) (dispatch.Outcome, error) {
	rec, err := h.store.Get(ctx, eventID)
	if err != nil {
		return "", err
	}

	evt, err := envelope.ParseBody(rec.EventID, rec.Envelope, h.origin)
	if err != nil {
		return "", err
	}

	if err := h.store.Reopen(ctx, eventID); err != nil {
		return "", fmt.Errorf("reopen record: %w", err)
	}

	h.logger.Info("replaying event", "event_id", eventID, "type", rec.Type, "record_id", rec.RecordID)
	// Once the record is reopened the replay must run to a terminal state;
	// a caller hanging up mid-dispatch would otherwise strand it Pending
	// until the next restart sweep.
	ctx = otelx.ContextWithTraceContext(context.WithoutCancel(ctx), rec.Traceparent, rec.Tracestate)
	return h.dispatcher.Dispatch(ctx, evt)
}

// SweepInterrupted flags deliveries left Pending by an earlier crash or
// shutdown so they show up in the failed list and can be replayed. Run
// before the pipeline starts accepting changes.
func (h *Harness) SweepInterrupted(ctx context.Context) (int, error) {
	n, err := h.store.MarkInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.logger.Warn("flagged interrupted deliveries for replay", "count", n)
	}
	return n, nil
}
