package harness

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/yellowbox/fleetsync/internal/ledger"
)

// Routes mounts the ops surface. These are internal operator endpoints;
// the caller wraps them with whatever middleware the deployment needs.
func (h *Harness) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ops/probe", h.handleProbe)
	mux.HandleFunc("POST /ops/replay/{eventID}", h.handleReplay)
	mux.HandleFunc("GET /ledger/{eventID}", h.handleGet)
	mux.HandleFunc("GET /ledger", h.handleList)
}

func (h *Harness) handleProbe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Probe(r.Context(), body.URL))
}

func (h *Harness) handleReplay(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	outcome, err := h.Replay(r.Context(), eventID)
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, "delivery record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("replay failed", "event_id", eventID, "err", err)
		http.Error(w, "replay failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": eventID,
		"outcome":  outcome,
	})
}

func (h *Harness) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("eventID"))
	if errors.Is(err, ledger.ErrNotFound) {
		http.Error(w, "delivery record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "ledger read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Harness) handleList(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = ledger.StatusFailed
	}
	switch status {
	case ledger.StatusPending, ledger.StatusSent, ledger.StatusFailed:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "ledger read failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []ledger.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
