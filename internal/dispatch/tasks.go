// Package dispatch carries crash ids to processors and processed results
// back to the store.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/dharsanguruparan/CrashVault/internal/model"
)

var log = logging.MustGetLogger("dispatch")

const (
	// ProcessCrashTask is enqueued once per crash id handed to a processor.
	ProcessCrashTask = "crash:process"
	// SaveProcessedTask carries a processor's output back to the store.
	SaveProcessedTask = "crash:save_processed"
)

// ProcessPayload is serialized into a ProcessCrashTask.
type ProcessPayload struct {
	CrashID   string `json:"crash_id"`
	Processor string `json:"processor"`
	Priority  bool   `json:"priority,omitempty"`
}

// SaveProcessedPayload is serialized into a SaveProcessedTask.
type SaveProcessedPayload struct {
	CrashID string                `json:"crash_id"`
	Result  model.ProcessedResult `json:"result"`
}

// NewSaveProcessedTask builds the task a processor enqueues when it is done
// with a report.
func NewSaveProcessedTask(id string, result model.ProcessedResult) (*asynq.Task, error) {
	data, err := json.Marshal(SaveProcessedPayload{CrashID: id, Result: result})
	if err != nil {
		return nil, errors.Wrap(err, "marshal processed payload")
	}
	return asynq.NewTask(SaveProcessedTask, data), nil
}

// EnqueueProcessed enqueues a processed result for the store worker.
func EnqueueProcessed(ctx context.Context, client *asynq.Client, id string, result model.ProcessedResult) error {
	task, err := NewSaveProcessedTask(id, result)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return errors.Wrapf(err, "enqueue processed result for %s", id)
	}
	return nil
}
