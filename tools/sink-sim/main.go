// sink-sim is a local stand-in for the external upsert sink. It keeps
// rows keyed by (type, data.id) the way the real endpoint keys its
// sheets, and can inject failures to exercise the dispatcher's retry
// and breaker behavior:
//
//	sink-sim -port 9090 -fail-count 2         # first 2 requests get 500
//	sink-sim -status 503                      # every request fails
//	curl localhost:9090/rows                  # inspect upserted rows
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
)

type event struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type sink struct {
	mu        sync.Mutex
	rows      map[string]map[string]any // "<type>/<id>" -> data
	requests  int
	failCount int
	status    int
}

func (s *sink) handleSync(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	if s.status != 0 || s.requests <= s.failCount {
		status := s.status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		http.Error(w, "simulated sink failure", status)
		return
	}

	var evt event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		// Mirrors the real sink's complaint when the matching key is missing.
		http.Error(w, "no matching key in payload", http.StatusBadRequest)
		return
	}

	key := evt.Type + "/" + evt.ID
	if evt.Action == "deleted" {
		delete(s.rows, key)
	} else {
		s.rows[key] = evt.Data
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *sink) handleRows(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.rows)
}

func main() {
	var (
		port      = flag.String("port", "9090", "listen port")
		failCount = flag.Int("fail-count", 0, "fail this many requests before succeeding")
		status    = flag.Int("status", 0, "fail every request with this status (0 disables)")
	)
	flag.Parse()

	s := &sink{
		rows:      map[string]map[string]any{},
		failCount: *failCount,
		status:    *status,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /rows", s.handleRows)

	fmt.Printf("sink-sim listening on :%s\n", *port)
	if err := http.ListenAndServe(":"+*port, mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
