package pipeline

import (
	"context"
	"sync"
)

// SliceSource yields jobs in order, then ErrExhausted.
func SliceSource(jobs ...Job) Source {
	var mu sync.Mutex
	return SourceFunc(func(ctx context.Context) (Job, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(jobs) == 0 {
			return nil, ErrExhausted
		}
		job := jobs[0]
		jobs = jobs[1:]
		return job, nil
	})
}

// ChanSource yields values received from ch until it is closed.
func ChanSource[T any](ch <-chan T) Source {
	return SourceFunc(func(ctx context.Context) (Job, error) {
		select {
		case v, ok := <-ch:
			if !ok {
				return nil, ErrExhausted
			}
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}
