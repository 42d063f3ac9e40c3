// Package mover runs the batch jobs that shift crash reports between
// backends: draining the filesystem fallback into the store and copying
// processed documents out to the archive.
package mover

import (
	"context"

	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/pipeline"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
)

var log = logging.MustGetLogger("mover")

// Lister enumerates the reports held by a backend.
type Lister interface {
	IDs(ctx context.Context) <-chan string
}

// Source is a backend reports are moved out of.
type Source interface {
	storage.CrashStorage
	storage.Remover
	Lister
}

// Mover copies every report from a source backend into the storage handed
// out by a pool, removing each from the source once it is saved.
type Mover struct {
	from Source
	pool *storage.Pool
}

// New builds a Mover. Every pipeline worker saves through its own pool
// instance.
func New(from Source, pool *storage.Pool) *Mover {
	return &Mover{from: from, pool: pool}
}

// Jobs yields the ids held by the source.
func (m *Mover) Jobs(ctx context.Context) pipeline.Source {
	return pipeline.ChanSource(m.from.IDs(ctx))
}

// Move is the pipeline task for one id.
func (m *Mover) Move(ctx context.Context, worker int, job pipeline.Job) error {
	id, ok := job.(string)
	if !ok {
		return errors.Errorf("unexpected job %T", job)
	}
	meta, err := m.from.GetMeta(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "read %s", id)
	}
	dump, err := m.from.GetDump(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "read %s", id)
	}
	to, err := m.pool.Get(ctx, worker)
	if err != nil {
		return err
	}
	result, err := to.SaveRaw(ctx, id, meta, dump)
	if err != nil {
		return errors.Wrapf(err, "save %s", id)
	}
	if result != storage.OK {
		return errors.Errorf("save %s: %s", id, result)
	}
	if err := m.from.Remove(ctx, id); err != nil {
		return errors.Wrapf(err, "remove %s after move", id)
	}
	log.Debugf("moved %s", id)
	return nil
}

// OnError drops a worker's storage instance after a Fatal error so the next
// job opens a fresh connection.
func (m *Mover) OnError(worker int, job pipeline.Job, err error) {
	if crashstore.IsFatal(err) {
		log.Warningf("worker %d: discarding storage after %v", worker, err)
		m.pool.Discard(worker)
	}
}

// Run moves everything the source holds and returns the job counts.
func (m *Mover) Run(ctx context.Context, opts pipeline.Options) (pipeline.Stats, error) {
	opts.OnError = m.OnError
	mgr := pipeline.New(m.Jobs(ctx), m.Move, opts)
	err := mgr.Run(ctx)
	stats := mgr.Stats()
	log.Infof("moved %d reports, %d failed", stats.Processed, stats.Failed)
	return stats, err
}
