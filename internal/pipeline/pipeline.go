// Package pipeline drives a bounded pool of worker goroutines that pull job
// descriptors from a source and hand them to a task function. Goroutines and
// a buffered channel power the implementation; the channel is the only state
// shared between the queuing goroutine and the workers.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	logging "github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("pipeline")

// Job is an opaque descriptor handed from a source to a task. Jobs must
// tolerate at-least-once delivery.
type Job interface{}

var (
	// ErrIdle tells the queuing goroutine that nothing is available right now;
	// it sleeps the idle delay before asking again.
	ErrIdle = errors.New("no job available")
	// ErrExhausted tells the queuing goroutine that the source is done.
	ErrExhausted = errors.New("job source exhausted")
)

// Source yields jobs. Next may block, for example on a scan.
type Source interface {
	Next(ctx context.Context) (Job, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Job, error)

func (f SourceFunc) Next(ctx context.Context) (Job, error) { return f(ctx) }

// Task processes one job on behalf of a worker.
type Task func(ctx context.Context, worker int, job Job) error

// State is the lifecycle of a Manager.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tune a Manager.
type Options struct {
	Workers   int
	QueueSize int
	// IdleDelay is slept when the source reports ErrIdle or fails.
	IdleDelay time.Duration
	// OnError, when set, is told about every failed job, for example to drop
	// a worker's connection after a fatal error.
	OnError func(worker int, job Job, err error)
}

const (
	defaultWorkers   = 4
	defaultQueueSize = 8
	defaultIdleDelay = 7 * time.Second
)

// Stats counts finished jobs.
type Stats struct {
	Processed int64
	Failed    int64
}

// Manager runs the queuing goroutine and the workers. Stopping is
// cooperative: a task in flight always runs to completion.
type Manager struct {
	source Source
	task   Task
	opts   Options

	mu    sync.Mutex
	state State
	quit  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	processed int64
	failed    int64
}

// New builds a Manager. Zero options take the defaults of four workers, a
// queue of eight and a seven second idle delay.
func New(source Source, task Task, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleDelay < 0 {
		opts.IdleDelay = defaultIdleDelay
	}
	done := make(chan struct{})
	close(done)
	return &Manager{source: source, task: task, opts: opts, done: done}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns job counters.
func (m *Manager) Stats() Stats {
	return Stats{Processed: atomic.LoadInt64(&m.processed), Failed: atomic.LoadInt64(&m.failed)}
}

// Start launches the queuing goroutine and the workers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Stopped {
		return errors.Errorf("pipeline is %s", m.state)
	}
	m.state = Running
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	queue := make(chan Job, m.opts.QueueSize)

	m.wg.Add(1 + m.opts.Workers)
	go m.queueJobs(ctx, queue, m.quit)
	for i := 0; i < m.opts.Workers; i++ {
		go m.work(ctx, i, queue, m.quit)
	}
	go func(done chan struct{}) {
		m.wg.Wait()
		m.mu.Lock()
		m.state = Stopped
		m.mu.Unlock()
		close(done)
		log.Infof("all workers done")
	}(m.done)
	log.Infof("started %d workers", m.opts.Workers)
	return nil
}

// Stop asks every goroutine to finish after its current iteration and waits
// for them. Calling Stop while a stop is already under way only logs.
func (m *Manager) Stop() {
	m.mu.Lock()
	switch m.state {
	case Stopping:
		m.mu.Unlock()
		log.Warningf("shutdown already in progress")
		return
	case Stopped:
		m.mu.Unlock()
		return
	}
	m.state = Stopping
	close(m.quit)
	done := m.done
	m.mu.Unlock()

	log.Infof("stopping workers")
	<-done
}

// Wait blocks until every goroutine has exited, either after Stop or after
// the source was exhausted and the queue drained.
func (m *Manager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	<-done
}

// Run starts the pipeline and blocks until the source is exhausted, ctx is
// cancelled, or an interrupt, hangup or terminate signal arrives. A second
// signal does not restart the shutdown.
func (m *Manager) Run(ctx context.Context) error {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)
	if err := m.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	stopping := false
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			if !stopping {
				stopping = true
				go m.Stop()
			}
		case sig := <-signals:
			if stopping {
				log.Warningf("received %s: we heard you the first time, shutdown already in progress", sig)
				continue
			}
			log.Infof("received %s, shutting down", sig)
			stopping = true
			go m.Stop()
		}
	}
}

func (m *Manager) queueJobs(ctx context.Context, queue chan<- Job, quit <-chan struct{}) {
	defer m.wg.Done()
	defer close(queue)
	for {
		select {
		case <-quit:
			return
		default:
		}
		job, err := m.source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrExhausted):
			log.Infof("job source exhausted")
			return
		default:
			if !errors.Is(err, ErrIdle) {
				log.Errorf("job source failed: %v", err)
			}
			if !m.sleep(ctx, quit) {
				return
			}
			continue
		}
		select {
		case queue <- job:
		case <-quit:
			return
		}
	}
}

func (m *Manager) sleep(ctx context.Context, quit <-chan struct{}) bool {
	t := time.NewTimer(m.opts.IdleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-quit:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) work(ctx context.Context, worker int, queue <-chan Job, quit <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-quit:
			return
		default:
		}
		select {
		case <-quit:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			m.run(ctx, worker, job)
		}
	}
}

func (m *Manager) run(ctx context.Context, worker int, job Job) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("task panic: %v", r)
			}
		}()
		return m.task(ctx, worker, job)
	}()
	if err == nil {
		atomic.AddInt64(&m.processed, 1)
		return
	}
	atomic.AddInt64(&m.failed, 1)
	log.Errorf("worker %d: job %v failed: %v", worker, job, err)
	if m.opts.OnError != nil {
		m.opts.OnError(worker, job, err)
	}
}
