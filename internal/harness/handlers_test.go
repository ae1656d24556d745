package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yellowbox/fleetsync/internal/ledger"
)

func opsServer(t *testing.T, sinkURL string) (*httptest.Server, *ledger.Memory) {
	t.Helper()
	h, store := newHarness(t, sinkURL)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHandleProbe(t *testing.T) {
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	srv, _ := opsServer(t, sink.URL)

	resp, err := http.Post(srv.URL+"/ops/probe", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Reachable || res.HTTPStatus != http.StatusOK {
		t.Fatalf("unexpected probe result: %+v", res)
	}
}

func TestHandleReplay_NotFound(t *testing.T) {
	srv, _ := opsServer(t, unreachableURL(t))

	resp, err := http.Post(srv.URL+"/ops/replay/no-such-event", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleGetAndList(t *testing.T) {
	srv, store := opsServer(t, unreachableURL(t))

	if err := store.Begin(context.Background(), "evt-1", ledger.Meta{
		Type:     "expense",
		RecordID: "exp-1",
		Envelope: []byte(`{"type":"expense","id":"exp-1"}`),
	}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Finalize(context.Background(), "evt-1", ledger.StatusFailed, "sink returned status 500"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	resp, err := http.Get(srv.URL + "/ledger/evt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec ledger.DeliveryRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.EventID != "evt-1" || rec.Status != ledger.StatusFailed {
		t.Fatalf("unexpected record: %+v", rec)
	}

	listResp, err := http.Get(srv.URL + "/ledger?status=failed&limit=10")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var records []ledger.DeliveryRecord
	if err := json.NewDecoder(listResp.Body).Decode(&records); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(records) != 1 || records[0].EventID != "evt-1" {
		t.Fatalf("unexpected list: %+v", records)
	}

	badResp, err := http.Get(srv.URL + "/ledger?status=bogus")
	if err != nil {
		t.Fatalf("bad status get: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", badResp.StatusCode)
	}

	missingResp, err := http.Get(srv.URL + "/ledger/no-such-event")
	if err != nil {
		t.Fatalf("missing get: %v", err)
	}
	defer missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missingResp.StatusCode)
	}
}
