// Package worker ingests processed results that processors enqueue and
// writes them to the crash store.
package worker

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/dispatch"
	"github.com/dharsanguruparan/CrashVault/internal/model"
)

var log = logging.MustGetLogger("worker")

// ResultStore saves processed results. *storage.Collector implements it.
type ResultStore interface {
	SaveProcessed(ctx context.Context, id string, result model.ProcessedResult) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store ResultStore
}

// NewProcessor constructs a worker processor.
func NewProcessor(store ResultStore) *Processor {
	return &Processor{store: store}
}

// Handler registers the processed result handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(dispatch.SaveProcessedTask, p.HandleSaveProcessed)
	return mux
}

// HandleSaveProcessed decodes a processed result and stores it. Malformed
// payloads and reports the store has never seen are not retried.
func (p *Processor) HandleSaveProcessed(ctx context.Context, task *asynq.Task) error {
	var payload dispatch.SaveProcessedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return errors.Wrapf(asynq.SkipRetry, "decode payload: %v", err)
	}
	if payload.CrashID == "" {
		return errors.Wrap(asynq.SkipRetry, "payload names no crash")
	}
	err := p.store.SaveProcessed(ctx, payload.CrashID, payload.Result)
	switch {
	case err == nil:
		log.Infof("stored processed result for %s", payload.CrashID)
		return nil
	case crashstore.IsNotFound(err), crashstore.IsMalformed(err):
		log.Errorf("dropping processed result for %s: %v", payload.CrashID, err)
		return errors.Wrap(asynq.SkipRetry, err.Error())
	}
	log.Warningf("processed result for %s not stored, will retry: %v", payload.CrashID, err)
	return err
}
