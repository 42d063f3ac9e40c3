package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/CrashVault/internal/config"
	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/dharsanguruparan/CrashVault/internal/storage"
	"github.com/dharsanguruparan/CrashVault/internal/throttle"
)

var now = time.Date(2010, 5, 23, 17, 4, 5, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{MaxDumpBytes: 1024, DumpField: "upload_file_minidump"}
}

func submission(t *testing.T, fields map[string]string, dump []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if dump != nil {
		fw, err := mw.CreateFormFile("upload_file_minidump", "crash.dmp")
		require.NoError(t, err)
		_, err = fw.Write(dump)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func post(t *testing.T, h http.Handler, fields map[string]string, dump []byte) *httptest.ResponseRecorder {
	body, ct := submission(t, fields, dump)
	req := httptest.NewRequest(http.MethodPost, "/submit", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type saverFunc func(ctx context.Context, id string, meta model.Metadata, dump []byte, submitted time.Time) (storage.Result, throttle.Decision, error)

func (f saverFunc) Save(ctx context.Context, id string, meta model.Metadata, dump []byte, submitted time.Time) (storage.Result, throttle.Decision, error) {
	return f(ctx, id, meta, dump, submitted)
}

func TestSubmitStoresReport(t *testing.T) {
	ctx := context.Background()
	client, err := crashstore.New(ctx, crashstore.NewMemoryTransport(), crashstore.Options{Retries: 1})
	require.NoError(t, err)
	collector := storage.NewCollector(nil, storage.NewStoreStorage(client), nil)
	defer collector.Close()

	s := New(testConfig(), collector)
	s.now = func() time.Time { return now }
	rec := post(t, s.Handler(), map[string]string{"ProductName": "Waterwolf", "Version": "1.0"}, []byte("MDMP"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	line := strings.TrimSpace(rec.Body.String())
	require.True(t, strings.HasPrefix(line, "CrashID=bp-"), line)
	id := strings.TrimPrefix(line, "CrashID=bp-")
	assert.True(t, strings.HasSuffix(id, "100523"), "id carries the submission date")

	meta, err := client.GetMeta(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Waterwolf", meta["ProductName"])
	assert.Equal(t, "2010-05-23T17:04:05.000000", meta["submitted_timestamp"])
	dump, err := client.GetDump(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("MDMP"), dump)
}

func TestSubmitOutcomes(t *testing.T) {
	for _, tc := range []struct {
		name     string
		result   storage.Result
		decision throttle.Decision
		code     int
		body     string
	}{
		{"accepted", storage.OK, throttle.Accept, http.StatusOK, "CrashID=bp-"},
		{"deferred", storage.OK, throttle.Defer, http.StatusOK, "CrashID=bp-"},
		{"discarded", storage.NoAction, throttle.Discard, http.StatusOK, "Discarded=1"},
		{"lost", storage.Error, throttle.Accept, http.StatusInternalServerError, "failed to store crash"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got model.Metadata
			s := New(testConfig(), saverFunc(func(ctx context.Context, id string, meta model.Metadata, dump []byte, submitted time.Time) (storage.Result, throttle.Decision, error) {
				got = meta
				return tc.result, tc.decision, nil
			}))
			rec := post(t, s.Handler(), map[string]string{"ProductName": "Waterwolf"}, []byte("MDMP"))
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.body)
			assert.Equal(t, "Waterwolf", got["ProductName"])
			assert.NotContains(t, got, "upload_file_minidump")
		})
	}
}

func TestSubmitRejects(t *testing.T) {
	s := New(testConfig(), saverFunc(func(context.Context, string, model.Metadata, []byte, time.Time) (storage.Result, throttle.Decision, error) {
		t.Fatal("nothing should be saved")
		return storage.NoAction, throttle.Accept, nil
	}))
	h := s.Handler()

	rec := post(t, h, map[string]string{"ProductName": "Waterwolf"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing dump")

	rec = post(t, h, map[string]string{"ProductName": "Waterwolf"}, bytes.Repeat([]byte("x"), 2048))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "dump too large")

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("ProductName=Waterwolf"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "not multipart")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/submit", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	New(testConfig(), nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
