package archive

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	opts    map[string]minio.PutObjectOptions
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{buckets: map[string]bool{}, objects: map[string][]byte{}, opts: map[string]minio.PutObjectOptions{}}
}

func (f *fakeBucket) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeBucket) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeBucket) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	f.opts[bucket+"/"+key] = opts
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func (f *fakeBucket) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error) {
	return nil, io.ErrUnexpectedEOF
}

func (f *fakeBucket) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "0b/ba/0bba929f-8721-460c-dead-a43c20071025.jsonz", ObjectKey("0bba929f-8721-460c-dead-a43c20071025"))
	assert.Equal(t, "ab.jsonz", ObjectKey("ab"))
}

func TestArchivePutGet(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	a := NewWithBucket(bucket, "crashes-processed", "us-east-1")
	a.read = func(ctx context.Context, key string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(bucket.object("crashes-processed/" + key))), nil
	}

	require.NoError(t, a.EnsureBucket(ctx))
	require.NoError(t, a.EnsureBucket(ctx))
	assert.True(t, bucket.buckets["crashes-processed"])

	id := "0bba929f-8721-460c-dead-a43c20071025"
	doc := []byte(`{"signature":"js_Interpret","uuid":"0bba929f-8721-460c-dead-a43c20071025"}`)
	require.NoError(t, a.Put(ctx, id, doc))

	stored := bucket.object("crashes-processed/" + ObjectKey(id))
	require.NotEmpty(t, stored)
	assert.NotEqual(t, doc, stored, "stored compressed")
	assert.Equal(t, "gzip", bucket.opts["crashes-processed/"+ObjectKey(id)].ContentEncoding)

	got, err := a.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress(bytes.NewReader([]byte("not gzip")))
	assert.Error(t, err)
}
