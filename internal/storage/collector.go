package storage

import (
	"context"
	"time"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dharsanguruparan/CrashVault/internal/throttle"
	"github.com/pkg/errors"
)

// Throttler is the admission control consulted before every save.
type Throttler interface {
	Throttle(report model.Metadata) throttle.Decision
}

// Collector is the storage abstraction used by ingestion: admission control,
// then the primary backend, then the fallback if the primary failed.
type Collector struct {
	throttler Throttler
	primary   CrashStorage
	fallback  CrashStorage
}

// NewCollector wires a collector. primary and fallback may be nil.
func NewCollector(t Throttler, primary, fallback CrashStorage) *Collector {
	return &Collector{throttler: t, primary: primary, fallback: fallback}
}

// Save throttles a report and stores it. The metadata is annotated with the
// submission timestamp and the throttle decision before it is written. The
// returned error explains an Error result; callers count outcomes but do not
// retry, since retries already happened below.
func (c *Collector) Save(ctx context.Context, id string, meta model.Metadata, dump []byte, submitted time.Time) (Result, throttle.Decision, error) {
	decision := throttle.Accept
	if c.throttler != nil {
		decision = c.throttler.Throttle(meta)
	}
	if decision == throttle.Discard {
		log.Warningf("crash %s discarded by throttle", id)
		return NoAction, decision, nil
	}

	meta = meta.Clone()
	if _, ok := meta[model.KeySubmittedTimestamp]; !ok {
		meta[model.KeySubmittedTimestamp] = model.FormatTimestamp(submitted)
	}
	meta[model.KeyLegacyProcessing] = int(decision)

	var primaryErr error
	if c.primary != nil {
		res, err := c.primary.SaveRaw(ctx, id, meta, dump)
		if err == nil && res == OK {
			return OK, decision, nil
		}
		primaryErr = err
		if primaryErr == nil {
			primaryErr = errors.Errorf("primary returned %s", res)
		}
		log.Warningf("crash %s: primary storage failed, trying fallback: %v", id, primaryErr)
	} else {
		primaryErr = ErrNoAction
	}

	if c.fallback == nil {
		return Error, decision, errors.Wrap(primaryErr, "no fallback storage")
	}
	res, err := c.fallback.SaveRaw(ctx, id, meta, dump)
	if err == nil && res == OK {
		log.Warningf("crash %s saved to fallback storage", id)
		return OK, decision, nil
	}
	if err == nil {
		err = errors.Errorf("fallback returned %s", res)
	}
	log.Errorf("crash %s lost: primary: %v; fallback: %v", id, primaryErr, err)
	return Error, decision, errors.Wrapf(err, "fallback after primary failure (%v)", primaryErr)
}

// Fetch returns a report from the primary backend.
func (c *Collector) Fetch(ctx context.Context, id string) (*model.CrashReport, error) {
	if c.primary == nil {
		return nil, ErrNoAction
	}
	meta, err := c.primary.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	dump, err := c.primary.GetDump(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.CrashReport{ID: id, Metadata: meta, Dump: dump}, nil
}

// SaveProcessed stores a processor result on the primary backend.
func (c *Collector) SaveProcessed(ctx context.Context, id string, result model.ProcessedResult) error {
	if c.primary == nil {
		return ErrNoAction
	}
	return c.primary.SaveProcessed(ctx, id, result)
}

// Close closes both backends.
func (c *Collector) Close() error {
	var first error
	for _, s := range []CrashStorage{c.primary, c.fallback} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
