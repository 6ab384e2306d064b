package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Do runs op up to attempts times with jittered exponential backoff.
// Calls against the shared registry, queue and store go through here so a
// transient Redis or Mongo hiccup does not surface as a hard failure.
func Do(ctx context.Context, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
