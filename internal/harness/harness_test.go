package harness

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yellowbox/fleetsync/internal/capture"
	"github.com/yellowbox/fleetsync/internal/dispatch"
	"github.com/yellowbox/fleetsync/internal/envelope"
	"github.com/yellowbox/fleetsync/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// flakySink serves the configured status until flipped to 200.
type flakySink struct {
	status atomic.Int32
}

func (f *flakySink) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(int(f.status.Load()))
}

func newHarness(t *testing.T, sinkURL string) (*Harness, *ledger.Memory) {
	t.Helper()
	store := ledger.NewMemory()
	d, err := dispatch.New(dispatch.Config{
		SinkURL:     sinkURL,
		Origin:      "fleetsync-test",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, store, testLogger())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return New(d, store, testLogger(), sinkURL, "fleetsync-test"), store
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	url := "http://" + lis.Addr().String()
	lis.Close()
	return url
}

func TestProbe_Reachable(t *testing.T) {
	var gotBody atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") == "application/json" {
			gotBody.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, _ := newHarness(t, srv.URL)
	res := h.Probe(context.Background(), "")
	if !res.Reachable {
		t.Fatalf("expected reachable, got %+v", res)
	}
	if res.HTTPStatus != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.HTTPStatus)
	}
	if !gotBody.Load() {
		t.Fatal("probe did not send a json event")
	}
}

func TestProbe_UnreachableDoesNotTouchLedger(t *testing.T) {
	h, store := newHarness(t, unreachableURL(t))

	res := h.Probe(context.Background(), "")
	if res.Reachable {
		t.Fatalf("expected unreachable, got %+v", res)
	}
	if res.Error == "" {
		t.Fatal("expected error detail")
	}

	for _, status := range []ledger.Status{ledger.StatusPending, ledger.StatusSent, ledger.StatusFailed} {
		records, err := store.ListByStatus(context.Background(), status, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(records) != 0 {
			t.Fatalf("probe wrote %d %s ledger records", len(records), status)
		}
	}
}

func TestReplay_FailedRecordCanReachSent(t *testing.T) {
	sink := &flakySink{}
	sink.status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(sink)
	defer srv.Close()

	h, store := newHarness(t, srv.URL)

	evt, err := envelope.Build(capture.Change{
		Collection:    capture.CollectionRider,
		RecordID:      "rider-9",
		Kind:          capture.KindUpdated,
		SnapshotAfter: map[string]any{"status": "active"},
		MutatedAt:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}, "fleetsync-test")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	outcome, err := h.dispatcher.Dispatch(context.Background(), evt)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome != dispatch.OutcomeExhaustedRetries {
		t.Fatalf("expected exhausted retries, got %s", outcome)
	}

	// Sink recovers; operator replays.
	sink.status.Store(http.StatusOK)
	outcome, err = h.Replay(context.Background(), evt.EventID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome != dispatch.OutcomeDelivered {
		t.Fatalf("expected delivered after replay, got %s", outcome)
	}

	rec, err := store.Get(context.Background(), evt.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != ledger.StatusSent {
		t.Fatalf("expected sent, got %s", rec.Status)
	}
	if len(rec.Attempts) != 4 {
		t.Fatalf("expected 3 original + 1 replay attempts, got %d", len(rec.Attempts))
	}
}

func TestReplay_SentRecordIsSafe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, store := newHarness(t, srv.URL)

	evt, err := envelope.Build(capture.Change{
		Collection:    capture.CollectionExpense,
		RecordID:      "exp-1",
		Kind:          capture.KindCreated,
		SnapshotAfter: map[string]any{"amount": 150.5},
		MutatedAt:     time.Now().UTC(),
	}, "fleetsync-test")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := h.dispatcher.Dispatch(context.Background(), evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	outcome, err := h.Replay(context.Background(), evt.EventID)
	if err != nil {
		t.Fatalf("replay after sent: %v", err)
	}
	if outcome != dispatch.OutcomeDelivered {
		t.Fatalf("expected delivered, got %s", outcome)
	}

	rec, _ := store.Get(context.Background(), evt.EventID)
	if rec.Status != ledger.StatusSent || len(rec.Attempts) != 2 {
		t.Fatalf("unexpected record after replay: status=%s attempts=%d", rec.Status, len(rec.Attempts))
	}
}

func TestReplay_SurvivesCallerDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var replaying atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !replaying.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		// Caller hangs up while the sink still holds the request.
		cancel()
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, store := newHarness(t, srv.URL)

	evt, err := envelope.Build(capture.Change{
		Collection:    capture.CollectionRider,
		RecordID:      "rider-9",
		Kind:          capture.KindUpdated,
		SnapshotAfter: map[string]any{"status": "active"},
		MutatedAt:     time.Now().UTC(),
	}, "fleetsync-test")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if outcome, err := h.dispatcher.Dispatch(context.Background(), evt); err != nil || outcome != dispatch.OutcomeExhaustedRetries {
		t.Fatalf("seed dispatch: outcome=%v err=%v", outcome, err)
	}

	replaying.Store(true)
	outcome, err := h.Replay(ctx, evt.EventID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if outcome != dispatch.OutcomeDelivered {
		t.Fatalf("expected delivered despite disconnect, got %s", outcome)
	}

	rec, err := store.Get(context.Background(), evt.EventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != ledger.StatusSent {
		t.Fatalf("replay stranded the record: %s (%s)", rec.Status, rec.LastError)
	}
}

func TestReplay_NotFound(t *testing.T) {
	h, _ := newHarness(t, unreachableURL(t))
	if _, err := h.Replay(context.Background(), "no-such-event"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepInterrupted(t *testing.T) {
	h, store := newHarness(t, unreachableURL(t))

	if err := store.Begin(context.Background(), "evt-stuck", ledger.Meta{
		Type:     "rider",
		RecordID: "rider-1",
		Envelope: []byte(`{"type":"rider","id":"rider-1"}`),
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	n, err := h.SweepInterrupted(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flagged record, got %d", n)
	}

	rec, err := store.Get(context.Background(), "evt-stuck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != ledger.StatusFailed || rec.LastError == "" {
		t.Fatalf("interrupted record not flagged: %+v", rec)
	}
}
