package mover

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/api/iterator"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/pipeline"
)

// Uploader stores a processed document.
type Uploader interface {
	Put(ctx context.Context, id string, doc []byte) error
}

// Archiver copies processed documents out of the store.
type Archiver struct {
	client *crashstore.Client
	to     Uploader
}

// NewArchiver builds an Archiver.
func NewArchiver(client *crashstore.Client, to Uploader) *Archiver {
	return &Archiver{client: client, to: to}
}

// DrainQueue archives every id on a processed queue, legacy or priority.
// Entries leave the queue only after their document is archived; the
// iterator deletes an entry when the following one is requested.
func (a *Archiver) DrainQueue(ctx context.Context, queue string, limit int) (int, error) {
	it, err := a.client.ProcessedQueue(ctx, queue, limit)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for {
		id, err := it.Next(ctx)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, err
		}
		processed, err := a.client.GetProcessedResult(ctx, id)
		if crashstore.IsNotFound(err) {
			log.Warningf("%s is queued as processed but has no result", id)
			continue
		}
		if err != nil {
			return n, err
		}
		doc, err := json.Marshal(processed)
		if err != nil {
			return n, errors.Wrapf(err, "encode %s", id)
		}
		if err := a.to.Put(ctx, id, doc); err != nil {
			return n, err
		}
		n++
	}
	log.Infof("archived %d reports from the %s queue", n, queue)
	return n, nil
}

type exported struct {
	id  string
	doc []byte
}

// ExportDay uploads every processed document of one day, given as yymmdd,
// using a pipeline of uploaders fed by a single scan.
func (a *Archiver) ExportDay(ctx context.Context, day string, limit int, opts pipeline.Options) (pipeline.Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	docs := make(chan exported)
	scanErr := make(chan error, 1)
	go func() {
		defer close(docs)
		_, err := a.client.ExportProcessed(ctx, day, limit, func(id string, doc []byte) error {
			select {
			case docs <- exported{id: id, doc: doc}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		scanErr <- err
	}()

	mgr := pipeline.New(pipeline.ChanSource(docs), func(ctx context.Context, worker int, job pipeline.Job) error {
		e := job.(exported)
		return a.to.Put(ctx, e.id, e.doc)
	}, opts)
	if err := mgr.Start(ctx); err != nil {
		return pipeline.Stats{}, err
	}
	mgr.Wait()
	stats := mgr.Stats()
	log.Infof("exported %d reports for %s, %d failed", stats.Processed, day, stats.Failed)
	return stats, <-scanErr
}
