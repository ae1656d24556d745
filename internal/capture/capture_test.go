package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeResult struct {
	change Change
	err    error
}

// fakeSub replays a scripted sequence of reads, then blocks until ctx
// is done.
type fakeSub struct {
	results []fakeResult
	pos     int
}

func (s *fakeSub) Collection() Collection { return CollectionRider }

func (s *fakeSub) Next(ctx context.Context) (Change, error) {
	if s.pos >= len(s.results) {
		<-ctx.Done()
		return Change{}, ctx.Err()
	}
	r := s.results[s.pos]
	s.pos++
	return r.change, r.err
}

func (s *fakeSub) Close() error { return nil }

func riderChange(id string) Change {
	return Change{
		Collection:    CollectionRider,
		RecordID:      id,
		Kind:          KindUpdated,
		SnapshotAfter: map[string]any{"status": "active"},
		MutatedAt:     time.Now().UTC(),
	}
}

func collect(t *testing.T, sub Subscription, want int) []Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make(chan Change, want+1)
	done := make(chan struct{})
	go func() {
		New(testLogger(), sub).Run(ctx, out)
		close(done)
	}()

	var got []Change
	for len(got) < want {
		select {
		case ch := <-out:
			got = append(got, ch)
		case <-ctx.Done():
			t.Fatalf("timed out after %d of %d changes", len(got), want)
		}
	}
	cancel()
	<-done
	return got
}

func TestCapture_ForwardsEveryMutation(t *testing.T) {
	sub := &fakeSub{results: []fakeResult{
		{change: riderChange("rider-1")},
		{change: riderChange("rider-1")}, // rapid successive mutations are not coalesced
		{change: riderChange("rider-2")},
	}}

	got := collect(t, sub, 3)
	if got[0].RecordID != "rider-1" || got[1].RecordID != "rider-1" || got[2].RecordID != "rider-2" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestCapture_DropsMalformedAndContinues(t *testing.T) {
	sub := &fakeSub{results: []fakeResult{
		{err: fmt.Errorf("%w: missing record id", ErrMalformed)},
		{change: riderChange("rider-1")},
	}}

	got := collect(t, sub, 1)
	if got[0].RecordID != "rider-1" {
		t.Fatalf("expected rider-1, got %s", got[0].RecordID)
	}
}

func TestCapture_ResubscribesAfterFeedError(t *testing.T) {
	sub := &fakeSub{results: []fakeResult{
		{err: errors.New("connection reset")},
		{change: riderChange("rider-1")},
	}}

	start := time.Now()
	got := collect(t, sub, 1)
	if got[0].RecordID != "rider-1" {
		t.Fatalf("expected rider-1, got %s", got[0].RecordID)
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatal("expected a backoff pause before the reread")
	}
}

func TestCapture_ClosesOutputOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Change)

	done := make(chan struct{})
	go func() {
		New(testLogger(), &fakeSub{}).Run(ctx, out)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop on cancellation")
	}
	if _, ok := <-out; ok {
		t.Fatal("output channel not closed")
	}
}
