package crashstore

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/bigtable/bttest"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

func newBigtableClient(t *testing.T) (*Client, *BigtableTransport) {
	t.Helper()
	srv, err := bttest.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	tr := NewBigtableTransport(BigtableOptions{
		Project:  "proj",
		Instance: "inst",
		Emulator: srv.Addr,
		Timeout:  5 * time.Second,
		PageSize: 3,
	})
	require.NoError(t, tr.EnsureTables(ctx))
	// A second run finds everything in place.
	require.NoError(t, tr.EnsureTables(ctx))

	c, err := New(ctx, tr, Options{Retries: 1, Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, tr
}

func TestBigtableTransport(t *testing.T) {
	ctx := context.Background()
	c, tr := newBigtableClient(t)

	meta := model.Metadata{"ProductName": "Waterwolf", "Version": "1.0", "legacy_processing": float64(0)}
	var ids []string
	for i := 0; i < 8; i++ {
		id := model.NewCrashID(testNow)
		ids = append(ids, id)
		_, err := c.PutReport(ctx, id, meta, []byte("0123456789"))
		require.NoError(t, err)
	}

	t.Run("round trip", func(t *testing.T) {
		report, err := c.GetReport(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, meta, report.Metadata)
		assert.Equal(t, []byte("0123456789"), report.Dump)

		_, err = c.GetReport(ctx, model.NewCrashID(testNow))
		assert.True(t, IsNotFound(err))
	})

	t.Run("counters", func(t *testing.T) {
		counters, err := c.Counters(ctx, "2010-05-23")
		require.NoError(t, err)
		assert.EqualValues(t, 8, counters["submitted_crash_reports"])
		assert.EqualValues(t, 8, counters["submitted_crash_reports_legacy_throttle_0"])
	})

	t.Run("merge scan pages through every shard", func(t *testing.T) {
		cursor, err := c.MergeScan(ctx, IndexLegacyUnprocessedFlag, "", []string{colID})
		require.NoError(t, err)
		rows, err := Collect(ctx, cursor)
		require.NoError(t, err)
		assert.Len(t, rows, 8)
		for i := 1; i < len(rows); i++ {
			assert.LessOrEqual(t, Unsalted(rows[i-1].Key), Unsalted(rows[i].Key))
		}
	})

	t.Run("processed result", func(t *testing.T) {
		require.NoError(t, c.PutProcessedResult(ctx, ids[0], model.ProcessedResult{"signature": "foo::bar"}))
		state, err := c.GetProcessingState(ctx, ids[0])
		require.NoError(t, err)
		assert.True(t, state.Processed)

		row, err := tr.ReadRow(ctx, IndexUnprocessedFlag, IndexRowKey(ids[0], model.FormatTimestamp(testNow)), nil)
		require.NoError(t, err)
		assert.Nil(t, row)

		ids, err := c.IDsBySignature(ctx, "foo::bar", 0)
		require.NoError(t, err)
		assert.Len(t, ids, 1)
	})

	t.Run("scanner resumes after a key", func(t *testing.T) {
		sc, err := tr.OpenScanner(ctx, ScanRequest{Table: IndexSubmittedTime, Columns: []string{colID}})
		require.NoError(t, err)
		first, err := sc.Next(ctx)
		require.NoError(t, err)
		sc.Close()

		sc, err = tr.OpenScanner(ctx, ScanRequest{Table: IndexSubmittedTime, StartAfter: first.Key, Columns: []string{colID}})
		require.NoError(t, err)
		defer sc.Close()
		n := 0
		for {
			row, err := sc.Next(ctx)
			if err == iterator.Done {
				break
			}
			require.NoError(t, err)
			assert.Greater(t, row.Key, first.Key)
			n++
		}
		assert.Equal(t, 7, n)
	})
}

func TestBigtableReconnect(t *testing.T) {
	ctx := context.Background()
	c, tr := newBigtableClient(t)

	id := model.NewCrashID(testNow)
	_, err := c.PutReport(ctx, id, model.Metadata{"ProductName": "Waterwolf"}, []byte("d"))
	require.NoError(t, err)

	// Dropping the connection underneath the client is cured by a reconnect.
	require.NoError(t, tr.Close())
	_, err = c.GetDump(ctx, id)
	assert.NoError(t, err)
}

func TestScanRange(t *testing.T) {
	assert.Equal(t, "ab", prefixSuccessor("aa"))
	assert.Equal(t, "b", prefixSuccessor("a\xff"))
	assert.Equal(t, "", prefixSuccessor("\xff\xff"))
	assert.Equal(t, "", prefixSuccessor(""))
}
