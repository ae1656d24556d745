package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yellowbox/fleetsync/internal/envelope"
	"github.com/yellowbox/fleetsync/internal/ledger"
	otelx "github.com/yellowbox/fleetsync/libs/otel"
)

type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeExhaustedRetries Outcome = "exhausted_retries"
)

// ErrAlreadyTerminal means the ledger already holds a terminal outcome
// for this event; re-dispatching it goes through the replay path.
var ErrAlreadyTerminal = errors.New("event already has a terminal delivery record")

// Config is passed in at construction; the dispatcher reads no
// environment and keeps no global state.
type Config struct {
	SinkURL string
	Origin  string

	Timeout     time.Duration // per attempt
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// BreakerThreshold consecutive failed dispatch attempts (across
	// events) open the circuit; 0 disables the breaker.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
}

// Dispatcher delivers events to the sink. Dispatch is safe to call
// concurrently for different events; retries for one event are strictly
// sequential.
type Dispatcher struct {
	cfg     Config
	store   ledger.Store
	logger  *slog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
}

func New(cfg Config, store ledger.Store, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.SinkURL == "" {
		return nil, errors.New("dispatch: sink url is required")
	}
	cfg.applyDefaults()

	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		logger: logger,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if cfg.BreakerThreshold > 0 {
		d.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
			Name:    "sink",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
		})
	}
	return d, nil
}

// Dispatch delivers one event, driving the retry policy and reporting
// every attempt to the ledger. A 2xx from the sink is the only success;
// 4xx and 5xx are retried like network errors because the sink reports
// transient configuration problems as server errors.
//
// If ctx is cancelled mid-flight the current attempt is the last one
// tried: the record is left Pending for the startup sweep and ctx's
// error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, evt envelope.Event) (Outcome, error) {
	body, err := evt.MarshalBody()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	err = d.store.Begin(ctx, evt.EventID, ledger.Meta{
		Type:        evt.Type,
		RecordID:    evt.RecordID,
		Envelope:    body,
		Traceparent: traceparent,
		Tracestate:  tracestate,
	})
	if errors.Is(err, ledger.ErrTerminal) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyTerminal, evt.EventID)
	}
	if err != nil {
		// A broken ledger must not suppress delivery; keep going on the
		// HTTP outcome alone.
		d.logger.Error("ledger begin failed", "event_id", evt.EventID, "err", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BackoffBase
	bo.MaxInterval = d.cfg.BackoffCap
	bo.Multiplier = 2

	var lastErr string
	for attemptNo := 1; attemptNo <= d.cfg.MaxAttempts; attemptNo++ {
		attempt, err := d.attempt(ctx, evt, body)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Shed load during a sink outage: fail fast, no attempt
			// consumed and none recorded.
			d.finalize(ctx, evt.EventID, ledger.StatusFailed, "circuit breaker open")
			d.logger.Warn("dispatch rejected by circuit breaker", "event_id", evt.EventID)
			return OutcomeExhaustedRetries, nil
		}

		d.record(ctx, evt.EventID, attempt)

		if err == nil {
			d.finalize(ctx, evt.EventID, ledger.StatusSent, "")
			d.logger.Info("event delivered",
				"event_id", evt.EventID, "type", evt.Type, "record_id", evt.RecordID,
				"attempts", attemptNo)
			return OutcomeDelivered, nil
		}

		lastErr = err.Error()
		d.logger.Warn("delivery attempt failed",
			"event_id", evt.EventID, "attempt", attemptNo, "max_attempts", d.cfg.MaxAttempts,
			"http_status", attempt.HTTPStatus, "err", err)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attemptNo == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}

	d.finalize(ctx, evt.EventID, ledger.StatusFailed, lastErr)
	d.logger.Warn("delivery failed, retries exhausted",
		"event_id", evt.EventID, "type", evt.Type, "record_id", evt.RecordID, "last_error", lastErr)
	return OutcomeExhaustedRetries, nil
}

// attempt runs one HTTP POST, through the breaker when one is configured.
func (d *Dispatcher) attempt(ctx context.Context, evt envelope.Event, body []byte) (ledger.Attempt, error) {
	start := time.Now()
	var status int
	var err error
	if d.breaker != nil {
		status, err = d.breaker.Execute(func() (int, error) {
			return d.post(ctx, evt, body)
		})
	} else {
		status, err = d.post(ctx, evt, body)
	}

	attempt := ledger.Attempt{
		AttemptedAt: start.UTC(),
		HTTPStatus:  status,
		LatencyMs:   time.Since(start).Milliseconds(),
	}
	if err != nil && status == 0 {
		attempt.NetworkError = err.Error()
	}
	return attempt, err
}

func (d *Dispatcher) post(ctx context.Context, evt envelope.Event, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.SinkURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Event-Id", evt.EventID)
	origin := evt.Origin
	if origin == "" {
		origin = d.cfg.Origin
	}
	if origin != "" {
		req.Header.Set("X-Sync-Origin", origin)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// record and finalize run on a non-cancellable context so bookkeeping
// still lands when the dispatch context is shut down mid-attempt.

func (d *Dispatcher) record(ctx context.Context, eventID string, attempt ledger.Attempt) {
	if err := d.store.Record(context.WithoutCancel(ctx), eventID, attempt); err != nil {
		d.logger.Error("ledger append failed", "event_id", eventID, "err", err)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, eventID string, status ledger.Status, lastError string) {
	if err := d.store.Finalize(context.WithoutCancel(ctx), eventID, status, lastError); err != nil {
		d.logger.Error("ledger finalize failed", "event_id", eventID, "status", status, "err", err)
	}
}
