package storage

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/diskv/v3"
	"github.com/pkg/errors"
)

// FSOptions configure the filesystem fallback.
type FSOptions struct {
	Root string
	// DirDepth is how many two-character id prefixes become directories,
	// bounding the fan-out of any one directory to 256 entries.
	DirDepth   int
	JSONSuffix string
	DumpSuffix string
	// CacheBytes sizes diskv's read cache. Zero disables it.
	CacheBytes uint64
}

// FSStorage keeps one metadata file and one dump file per report under a
// fan-out directory tree: root/ab/cd/abcd...json. The metadata file is
// written last and marks the report complete.
type FSStorage struct {
	opts FSOptions
	d    *diskv.Diskv
}

// NewFSStorage opens (and lazily creates) a fallback store at opts.Root.
func NewFSStorage(opts FSOptions) *FSStorage {
	if opts.DirDepth <= 0 {
		opts.DirDepth = 2
	}
	if opts.JSONSuffix == "" {
		opts.JSONSuffix = ".json"
	}
	if opts.DumpSuffix == "" {
		opts.DumpSuffix = ".dump"
	}
	depth := opts.DirDepth
	transform := func(key string) *diskv.PathKey {
		var path []string
		for i := 0; i < depth && 2*i+2 <= len(key); i++ {
			path = append(path, key[2*i:2*i+2])
		}
		return &diskv.PathKey{Path: path, FileName: key}
	}
	inverse := func(pk *diskv.PathKey) string {
		return pk.FileName
	}
	return &FSStorage{
		opts: opts,
		d: diskv.New(diskv.Options{
			BasePath:          opts.Root,
			AdvancedTransform: transform,
			InverseTransform:  inverse,
			CacheSizeMax:      opts.CacheBytes,
		}),
	}
}

func (s *FSStorage) metaKey(id string) string { return id + s.opts.JSONSuffix }
func (s *FSStorage) dumpKey(id string) string { return id + s.opts.DumpSuffix }

func (s *FSStorage) SaveRaw(ctx context.Context, id string, meta model.Metadata, dump []byte) (Result, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return Error, errors.Wrapf(crashstore.ErrMalformed, "crash id %q", id)
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return Error, errors.Wrap(err, "encode metadata")
	}
	if err := s.d.Write(s.dumpKey(id), dump); err != nil {
		return Error, errors.Wrapf(err, "write dump %s", id)
	}
	if err := s.d.Write(s.metaKey(id), body); err != nil {
		s.d.Erase(s.dumpKey(id))
		return Error, errors.Wrapf(err, "write metadata %s", id)
	}
	log.Debugf("fallback stored crash %s (%s dump)", id, humanize.Bytes(uint64(len(dump))))
	return OK, nil
}

// SaveProcessed is not supported: the fallback only holds raw reports.
func (s *FSStorage) SaveProcessed(ctx context.Context, id string, result model.ProcessedResult) error {
	return ErrNoAction
}

func (s *FSStorage) read(key, id string) ([]byte, error) {
	b, err := s.d.Read(key)
	if os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(crashstore.ErrNotFound, "crash %s", id)
	}
	return b, errors.Wrapf(err, "read %s", key)
}

func (s *FSStorage) GetMeta(ctx context.Context, id string) (model.Metadata, error) {
	b, err := s.read(s.metaKey(id), id)
	if err != nil {
		return nil, err
	}
	var meta model.Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, errors.Wrapf(crashstore.ErrMalformed, "crash %s: %v", id, err)
	}
	return meta, nil
}

func (s *FSStorage) GetDump(ctx context.Context, id string) ([]byte, error) {
	return s.read(s.dumpKey(id), id)
}

func (s *FSStorage) GetProcessed(ctx context.Context, id string) (model.ProcessedResult, error) {
	return nil, ErrNoAction
}

// Remove deletes both files of a report. A missing report is not an error.
func (s *FSStorage) Remove(ctx context.Context, id string) error {
	for _, key := range []string{s.metaKey(id), s.dumpKey(id)} {
		if err := s.d.Erase(key); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return errors.Wrapf(err, "erase %s", key)
		}
	}
	return nil
}

// IDs streams the ids of every complete report until ctx is done.
func (s *FSStorage) IDs(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for key := range s.d.Keys(ctx.Done()) {
			if !strings.HasSuffix(key, s.opts.JSONSuffix) {
				continue
			}
			select {
			case out <- strings.TrimSuffix(key, s.opts.JSONSuffix):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *FSStorage) Close() error { return nil }
