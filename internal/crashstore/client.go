// Package crashstore is the client for the column-family store holding crash
// reports. It owns row-key salting, the secondary index tables, counters, and
// the retry/reconnect policy every operation goes through.
package crashstore

import (
	"context"
	"sync"
	"time"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("crashstore")

// Options tune a Client.
type Options struct {
	// Retries is the number of extra connect attempts and the number of
	// reconnect-and-retry rounds per operation. Minimum one.
	Retries int
	// RetryDelay is slept between attempts.
	RetryDelay time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client serialises reconnects over a Transport and applies the retry policy
// to every operation. It is safe for concurrent use; callers that want
// independent connections create one Client per worker.
type Client struct {
	transport Transport
	policy    RetryPolicy
	now       func() time.Time

	mu         sync.Mutex
	generation uint64
	closed     bool
}

// New connects t, trying 1+Retries times before giving up with
// ErrNoConnection.
func New(ctx context.Context, t Transport, opts Options) (*Client, error) {
	c := &Client{
		transport: t,
		policy:    RetryPolicy{Retries: opts.Retries, Delay: opts.RetryDelay},
		now:       opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	c.generation = 1
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	attempts := 1 + c.policy.retries()
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := sleep(ctx, c.policy.Delay); serr != nil {
				return noConnection(i, serr)
			}
		}
		if err = c.transport.Connect(ctx); err == nil {
			return nil
		}
		log.Debugf("connect attempt %d/%d failed: %v", i+1, attempts, err)
	}
	return noConnection(attempts, err)
}

func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// reconnect closes and reopens the transport unless another caller already
// did so since gen was observed. It returns the generation now current.
func (c *Client) reconnect(ctx context.Context, gen uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.generation, noConnection(0, ErrConnectivity)
	}
	if c.generation != gen {
		return c.generation, nil
	}
	if err := c.transport.Close(); err != nil {
		log.Debugf("close before reconnect: %v", err)
	}
	if err := c.connect(ctx); err != nil {
		return c.generation, err
	}
	c.generation++
	log.Infof("reconnected to store (generation %d)", c.generation)
	return c.generation, nil
}

// do runs op under the retry policy, reconnecting between attempts.
func (c *Client) do(ctx context.Context, name string, op func(context.Context) error) error {
	gen := c.currentGeneration()
	return c.policy.Do(ctx, name, func(ctx context.Context) error {
		var err error
		gen, err = c.reconnect(ctx, gen)
		return err
	}, op)
}

// Close releases the transport. Further operations fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close()
}

func (c *Client) readRow(ctx context.Context, name, table, key string, columns []string) (*Row, error) {
	var row *Row
	err := c.do(ctx, name, func(ctx context.Context) error {
		var err error
		row, err = c.transport.ReadRow(ctx, table, key, columns)
		return err
	})
	return row, err
}

func (c *Client) mutateRow(ctx context.Context, name, table, key string, values map[string][]byte) error {
	return c.do(ctx, name, func(ctx context.Context) error {
		return c.transport.MutateRow(ctx, table, key, values)
	})
}

func (c *Client) deleteRow(ctx context.Context, name, table, key string) error {
	return c.do(ctx, name, func(ctx context.Context) error {
		return c.transport.DeleteRow(ctx, table, key)
	})
}

func (c *Client) increment(ctx context.Context, name, table, key string, deltas map[string]int64) error {
	return c.do(ctx, name, func(ctx context.Context) error {
		return c.transport.Increment(ctx, table, key, deltas)
	})
}

// FullRow returns every column of a row, for diagnostics.
func (c *Client) FullRow(ctx context.Context, table, key string) (*Row, error) {
	row, err := c.readRow(ctx, "full row", table, key, nil)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, notFound(key)
	}
	return row, nil
}
