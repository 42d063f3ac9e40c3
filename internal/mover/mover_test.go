package mover

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dharsanguruparan/CrashVault/internal/pipeline"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
)

var submitted = time.Date(2010, 5, 23, 17, 4, 5, 0, time.UTC)

func clock() time.Time { return submitted }

func newStore(t *testing.T) (*crashstore.Client, *crashstore.MemoryTransport) {
	t.Helper()
	tr := crashstore.NewMemoryTransport()
	c, err := crashstore.New(context.Background(), tr, crashstore.Options{Retries: 1, Now: clock})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, tr
}

func storePool(tr *crashstore.MemoryTransport) *storage.Pool {
	return storage.NewPool(func(ctx context.Context) (storage.CrashStorage, error) {
		c, err := crashstore.New(ctx, tr.Session(), crashstore.Options{Retries: 1, Now: clock})
		if err != nil {
			return nil, err
		}
		return storage.NewStoreStorage(c), nil
	})
}

func fillFallback(t *testing.T, fs *storage.FSStorage, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id := model.NewCrashID(submitted)
		meta := model.Metadata{"ProductName": "Waterwolf", "Version": "1.0", "legacy_processing": 0}
		_, err := fs.SaveRaw(context.Background(), id, meta, []byte("dump-"+id))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func TestMoverDrainsFallbackIntoStore(t *testing.T) {
	ctx := context.Background()
	client, tr := newStore(t)
	fs := storage.NewFSStorage(storage.FSOptions{Root: t.TempDir()})
	ids := fillFallback(t, fs, 5)

	pool := storePool(tr)
	defer pool.Close()
	stats, err := New(fs, pool).Run(ctx, pipeline.Options{Workers: 2, IdleDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Stats{Processed: 5}, stats)

	for _, id := range ids {
		dump, err := client.GetDump(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("dump-"+id), dump)
		_, err = fs.GetMeta(ctx, id)
		assert.True(t, storage.IsNotFound(err), "%s removed from the fallback", id)
	}
	assert.Len(t, tr.Keys(crashstore.IndexLegacyUnprocessedFlag), 5)
}

func TestMoverKeepsReportsItCouldNotSave(t *testing.T) {
	ctx := context.Background()
	_, tr := newStore(t)
	fs := storage.NewFSStorage(storage.FSOptions{Root: t.TempDir()})
	ids := fillFallback(t, fs, 1)

	pool := storePool(tr)
	defer pool.Close()
	m := New(fs, pool)

	tr.FailNext(crashstore.OpMutateRow, -1)
	err := m.Move(ctx, 0, ids[0])
	require.Error(t, err)
	assert.True(t, crashstore.IsFatal(err))
	m.OnError(0, ids[0], err)
	assert.Zero(t, pool.Len(), "fatal errors drop the worker's storage")

	_, err = fs.GetMeta(ctx, ids[0])
	assert.NoError(t, err, "report stays in the fallback")

	tr.FailNext(crashstore.OpMutateRow, 0)
	require.NoError(t, m.Move(ctx, 0, ids[0]))
	_, err = fs.GetMeta(ctx, ids[0])
	assert.True(t, storage.IsNotFound(err))
}

func TestMoverDiscardKeepsOtherWorkersConnected(t *testing.T) {
	ctx := context.Background()
	_, tr := newStore(t)
	fs := storage.NewFSStorage(storage.FSOptions{Root: t.TempDir()})
	ids := fillFallback(t, fs, 2)

	var sessions []*crashstore.MemoryTransport
	pool := storage.NewPool(func(ctx context.Context) (storage.CrashStorage, error) {
		s := tr.Session()
		sessions = append(sessions, s)
		c, err := crashstore.New(ctx, s, crashstore.Options{Retries: 1, Now: clock})
		if err != nil {
			return nil, err
		}
		return storage.NewStoreStorage(c), nil
	})
	defer pool.Close()
	m := New(fs, pool)

	_, err := pool.Get(ctx, 0)
	require.NoError(t, err)
	_, err = pool.Get(ctx, 1)
	require.NoError(t, err)
	connects := tr.Connects()

	m.OnError(0, ids[0], crashstore.ErrFatal)
	assert.Equal(t, 1, pool.Len())
	assert.False(t, sessions[0].Connected())
	require.True(t, sessions[1].Connected())

	require.NoError(t, m.Move(ctx, 1, ids[1]))
	assert.Equal(t, connects, tr.Connects(), "worker 1 never reconnected")
	assert.True(t, sessions[1].Connected())
}

type memoryUploads struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (m *memoryUploads) Put(ctx context.Context, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = map[string][]byte{}
	}
	m.docs[id] = doc
	return nil
}

func processedReports(t *testing.T, c *crashstore.Client, n int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		id := model.NewCrashID(submitted)
		_, err := c.PutReport(ctx, id, model.Metadata{"ProductName": "Waterwolf", "legacy_processing": 0}, []byte("d"))
		require.NoError(t, err)
		require.NoError(t, c.PutProcessedResult(ctx, id, model.ProcessedResult{"signature": "js_Interpret", "uuid": id}))
		ids = append(ids, id)
	}
	return ids
}

func TestDrainQueue(t *testing.T) {
	ctx := context.Background()
	client, tr := newStore(t)
	ids := processedReports(t, client, 3)
	up := &memoryUploads{}

	n, err := NewArchiver(client, up).DrainQueue(ctx, crashstore.QueueLegacyProcessed, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, tr.Keys(crashstore.IndexLegacyProcessed))
	for _, id := range ids {
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(up.docs[id], &doc))
		assert.Equal(t, id, doc["uuid"])
	}
}

func TestExportDay(t *testing.T) {
	ctx := context.Background()
	client, _ := newStore(t)
	ids := processedReports(t, client, 4)
	unprocessed := model.NewCrashID(submitted)
	_, err := client.PutReport(ctx, unprocessed, model.Metadata{"ProductName": "Waterwolf"}, []byte("d"))
	require.NoError(t, err)
	up := &memoryUploads{}

	stats, err := NewArchiver(client, up).ExportDay(ctx, "100523", 0, pipeline.Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Stats{Processed: 4}, stats)
	for _, id := range ids {
		assert.Contains(t, up.docs, id)
	}
	assert.NotContains(t, up.docs, unprocessed)

	_, err = NewArchiver(client, up).ExportDay(ctx, "2010-05", 0, pipeline.Options{})
	assert.True(t, crashstore.IsMalformed(err))
}
