package crashstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatched struct{ processor, id string }

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	fail  map[string]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, processor, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[processor] {
		return "", errors.New("processor down")
	}
	f.calls = append(f.calls, dispatched{processor, id})
	return processor + ".example.com", nil
}

func putLegacyReports(t *testing.T, c *Client, clock *testClock, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		id := model.NewCrashID(testNow)
		_, err := c.PutReport(context.Background(), id, model.Metadata{"ProductName": "Waterwolf", "legacy_processing": 0}, []byte("dump"))
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}
	return ids
}

func TestSubmitToProcessorRoundRobin(t *testing.T) {
	ctx := context.Background()
	c, tr, clock := newTestClient(t)
	ids := putLegacyReports(t, c, clock, 3)

	d := &fakeDispatcher{}
	stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, SubmitStats{Examined: 3, Submitted: 3}, stats)
	assert.Equal(t, []dispatched{{"a", ids[0]}, {"b", ids[1]}, {"a", ids[2]}}, d.calls)

	for _, table := range []string{IndexUnprocessedFlag, IndexLegacyUnprocessedFlag} {
		for _, key := range tr.Keys(table) {
			row, err := tr.ReadRow(ctx, table, key, []string{familyProcessor})
			require.NoError(t, err)
			assert.Contains(t, []string{"a.example.com", "b.example.com"}, string(row.Value(colProcessorName)))
			assert.Equal(t, model.FormatTimestamp(clock.Now()), string(row.Value(colProcessorPost)))
		}
	}

	t.Run("recently posted entries are skipped", func(t *testing.T) {
		clock.Advance(time.Minute)
		stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"a"}})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Skipped)
		assert.Len(t, d.calls, 3)
	})

	t.Run("stale entries are offered again", func(t *testing.T) {
		clock.Advance(DefaultResubmitThreshold)
		stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"a"}, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Submitted)
		assert.Len(t, d.calls, 5)
	})
}

func TestSubmitToProcessorBadEntries(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Client, *MemoryTransport, string) {
		c, tr, clock := newTestClient(t)
		ids := putLegacyReports(t, c, clock, 2)
		require.NoError(t, c.PutProcessedResult(ctx, ids[0], model.ProcessedResult{"signature": "s"}))
		// PutProcessedResult removed the index rows; put one back to make
		// a stale entry for a processed report.
		key := IndexRowKey(ids[0], model.FormatTimestamp(testNow))
		require.NoError(t, tr.MutateRow(ctx, IndexLegacyUnprocessedFlag, key, map[string][]byte{colID: []byte(ids[0])}))
		// An index row whose report is gone, and one missing its id.
		require.NoError(t, tr.MutateRow(ctx, IndexLegacyUnprocessedFlag, IndexRowKey("f", "2010-05-22T00:00:00.000000")+"fgone",
			map[string][]byte{colID: []byte("f0000000-0000-0000-0000-000002100522")}))
		require.NoError(t, tr.MutateRow(ctx, IndexLegacyUnprocessedFlag, "0orphan",
			map[string][]byte{colProcessorName: []byte("x")}))
		return c, tr, ids[1]
	}

	t.Run("delete", func(t *testing.T) {
		c, tr, good := setup(t)
		d := &fakeDispatcher{}
		stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"a"}, BadEntries: BadEntryDelete})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Removed)
		assert.Equal(t, []dispatched{{"a", good}}, d.calls)
		assert.Len(t, tr.Keys(IndexLegacyUnprocessedFlag), 1)
	})

	t.Run("skip", func(t *testing.T) {
		c, tr, _ := setup(t)
		d := &fakeDispatcher{}
		stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"a"}, BadEntries: BadEntrySkip})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Removed, "rows without an id are always removed")
		assert.Equal(t, 2, stats.Skipped)
		assert.Len(t, d.calls, 1)
		assert.Len(t, tr.Keys(IndexLegacyUnprocessedFlag), 3)
	})

	t.Run("resubmit", func(t *testing.T) {
		c, _, _ := setup(t)
		d := &fakeDispatcher{}
		stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"a"}, BadEntries: BadEntryResubmit})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Submitted, "processed report is resubmitted, missing one is not")
		assert.Equal(t, 1, stats.Skipped)
	})
}

func TestSubmitToProcessorDispatchFailure(t *testing.T) {
	ctx := context.Background()
	c, tr, clock := newTestClient(t)
	putLegacyReports(t, c, clock, 2)

	d := &fakeDispatcher{fail: map[string]bool{"down": true}}
	stats, err := c.SubmitToProcessor(ctx, d, SubmitOptions{Processors: []string{"down", "up"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Submitted)
	assert.Len(t, tr.Keys(IndexLegacyUnprocessedFlag), 2, "failed entries stay queued")

	_, err = c.SubmitToProcessor(ctx, d, SubmitOptions{})
	assert.Error(t, err)
}

func TestResubmitToProcessor(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestClient(t)
	putLegacyReports(t, c, clock, 4)

	d := &fakeDispatcher{}
	n, err := c.ResubmitToProcessor(ctx, d, []string{"a", "b"}, "", "2010-05-23", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, d.calls, 3)
}

func TestParseBadEntryPolicy(t *testing.T) {
	p, err := ParseBadEntryPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BadEntryDelete, p)
	p, err = ParseBadEntryPolicy("resubmit")
	require.NoError(t, err)
	assert.Equal(t, BadEntryResubmit, p)
	_, err = ParseBadEntryPolicy("ignore")
	assert.Error(t, err)
}

func TestExportProcessed(t *testing.T) {
	ctx := context.Background()
	c, _, clock := newTestClient(t)
	ids := putLegacyReports(t, c, clock, 3)
	require.NoError(t, c.PutProcessedResult(ctx, ids[1], model.ProcessedResult{"signature": "s"}))

	got := map[string]string{}
	n, err := c.ExportProcessed(ctx, "100523", 0, func(id string, processed []byte) error {
		got[id] = string(processed)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `{"signature":"s"}`, got[ids[1]])

	_, err = c.ExportProcessed(ctx, "2010-05-23", 0, nil)
	assert.True(t, IsMalformed(err))
}
