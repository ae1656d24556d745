package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/yellowbox/fleetsync/internal/capture"
	"github.com/yellowbox/fleetsync/internal/dispatch"
	"github.com/yellowbox/fleetsync/internal/envelope"
	otelx "github.com/yellowbox/fleetsync/libs/otel"
)

// Pipeline ties capture to dispatch: one goroutine per subscription
// feeding a change channel, a bounded pool of dispatch workers draining
// it. Events for different records run concurrently; each event's retry
// loop stays sequential inside its worker.
type Pipeline struct {
	capture    *capture.Capture
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	origin     string
	workers    int
	grace      time.Duration
}

type Config struct {
	Origin  string
	Workers int
	// Grace is how long in-flight dispatch attempts get to finish after
	// shutdown is requested. Whatever is still Pending afterwards is
	// flagged by the startup sweep on the next run.
	Grace time.Duration
}

func New(capturer *capture.Capture, dispatcher *dispatch.Dispatcher, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Second
	}
	return &Pipeline{
		capture:    capturer,
		dispatcher: dispatcher,
		logger:     logger,
		origin:     cfg.Origin,
		workers:    cfg.Workers,
		grace:      cfg.Grace,
	}
}

// Run blocks until ctx is done and all workers have drained. Intake
// stops as soon as ctx is cancelled; dispatch gets the grace period.
func (p *Pipeline) Run(ctx context.Context) {
	changes := make(chan capture.Change, p.workers)

	// Workers outlive ctx by the grace period so the attempt in flight
	// can finish instead of being torn down mid-request.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		<-timer.C
		cancelWork()
	}()

	go p.capture.Run(ctx, changes)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ch := range changes {
				p.process(workCtx, ch)
			}
		}()
	}
	wg.Wait()
	cancelWork()
}

func (p *Pipeline) process(ctx context.Context, ch capture.Change) {
	evt, err := envelope.Build(ch, p.origin)
	if err != nil {
		// Construction errors are permanent; retrying cannot help.
		p.logger.Error("dropping change, envelope construction failed",
			"collection", ch.Collection, "record_id", ch.RecordID, "kind", ch.Kind, "err", err)
		return
	}

	dispatchCtx := otelx.ContextWithTraceContext(ctx, ch.Traceparent, ch.Tracestate)
	outcome, err := p.dispatcher.Dispatch(dispatchCtx, evt)
	switch {
	case errors.Is(err, dispatch.ErrAlreadyTerminal):
		p.logger.Info("duplicate change ignored", "event_id", evt.EventID)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.logger.Warn("dispatch interrupted by shutdown", "event_id", evt.EventID)
	case err != nil:
		p.logger.Error("dispatch error", "event_id", evt.EventID, "err", err)
	case outcome == dispatch.OutcomeExhaustedRetries:
		// Already logged by the dispatcher with the last error; nothing
		// to propagate, the live path never blocks on sink health.
	}
}
