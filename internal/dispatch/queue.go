package dispatch

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
)

// QueueDispatcher hands crash ids to processors through asynq. Every
// processor owns a queue named after it.
type QueueDispatcher struct {
	client   *asynq.Client
	priority bool
	retries  int
}

// NewQueueDispatcher wraps an asynq client. Priority dispatchers mark their
// payloads so processors can jump the queue.
func NewQueueDispatcher(client *asynq.Client, priority bool) *QueueDispatcher {
	return &QueueDispatcher{client: client, priority: priority, retries: 5}
}

// RedisOpt builds the connection options shared by the dispatcher and the
// worker.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

// Dispatch enqueues id on the processor's queue and returns the processor
// name, which is recorded on the index row.
func (d *QueueDispatcher) Dispatch(ctx context.Context, processor, id string) (string, error) {
	if processor == "" {
		return "", errors.New("no processor named")
	}
	data, err := json.Marshal(ProcessPayload{CrashID: id, Processor: processor, Priority: d.priority})
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}
	task := asynq.NewTask(ProcessCrashTask, data)
	info, err := d.client.EnqueueContext(ctx, task, asynq.Queue(processor), asynq.MaxRetry(d.retries))
	if err != nil {
		return "", errors.Wrapf(err, "enqueue %s for %s", id, processor)
	}
	log.Debugf("queued %s on %s as task %s", id, info.Queue, info.ID)
	return processor, nil
}

// Close releases the redis connection.
func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}
