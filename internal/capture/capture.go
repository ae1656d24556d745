package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Capture forwards every observed mutation from its subscriptions into
// a single change stream. No batching, no coalescing: rapid successive
// mutations to one record are forwarded independently and the sink's
// idempotent upsert absorbs the duplicates.
//
// If a feed read fails the loop backs off and reads again; mutations
// that happen while the feed is down are not observed and not recovered
// here (the feed's own retention is the only replay buffer).
type Capture struct {
	subs   []Subscription
	logger *slog.Logger
}

func New(logger *slog.Logger, subs ...Subscription) *Capture {
	return &Capture{subs: subs, logger: logger}
}

// Run reads all subscriptions until ctx is done, then closes out.
func (c *Capture) Run(ctx context.Context, out chan<- Change) {
	var wg sync.WaitGroup
	for _, sub := range c.subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			defer func() { _ = sub.Close() }()
			c.runFeed(ctx, sub, out)
		}(sub)
	}
	wg.Wait()
	close(out)
}

func (c *Capture) runFeed(ctx context.Context, sub Subscription, out chan<- Change) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second

	for {
		change, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrMalformed) {
				// Structurally invalid input; retrying can never fix it.
				c.logger.Error("dropping malformed change notification",
					"collection", sub.Collection(), "err", err)
				continue
			}
			wait := bo.NextBackOff()
			c.logger.Warn("change feed read failed, resubscribing",
				"collection", sub.Collection(), "backoff", wait.String(), "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		select {
		case out <- change:
		case <-ctx.Done():
			return
		}
	}
}
