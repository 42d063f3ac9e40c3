package crashstore

import (
	"context"
	"time"
)

// RetryPolicy decides how an operation is retried across reconnects.
type RetryPolicy struct {
	// Retries is how many extra attempts follow the first one. Values below
	// one are treated as one.
	Retries int
	// Delay is slept before each reconnect.
	Delay time.Duration
	// Retryable classifies errors worth a reconnect. Defaults to IsConnectivity.
	Retryable func(error) bool
}

func (p RetryPolicy) retries() int {
	if p.Retries < 1 {
		return 1
	}
	return p.Retries
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsConnectivity(err)
	}
	return p.Retryable(err)
}

// Do runs op. On a retryable failure it sleeps, calls reconnect, and runs op
// again, for at most 1+Retries attempts. Exhaustion is reported as Fatal;
// non-retryable errors are classified and returned at once.
func (p RetryPolicy) Do(ctx context.Context, name string, reconnect func(context.Context) error, op func(context.Context) error) error {
	limit := p.retries()
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return classify(name, err)
		}
		if attempt >= limit {
			return exhausted(name, attempt+1, err)
		}
		log.Debugf("%s: attempt %d failed, reconnecting: %v", name, attempt+1, err)
		if err := sleep(ctx, p.Delay); err != nil {
			return classify(name, err)
		}
		if err := reconnect(ctx); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
