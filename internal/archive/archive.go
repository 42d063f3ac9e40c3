// Package archive keeps gzip-compressed processed documents in an S3
// compatible bucket.
package archive

import (
	"bytes"
	"context"
	"io"
	"path"

	humanize "github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/dharsanguruparan/CrashVault/internal/config"
)

var log = logging.MustGetLogger("archive")

// Suffix marks a gzip-compressed processed document.
const Suffix = ".jsonz"

// Bucket is the slice of the object store the archive uses.
type Bucket interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// Archive writes processed documents under ab/cd/<id>.jsonz.
type Archive struct {
	client Bucket
	bucket string
	region string
	// read is swapped in tests; minio objects are only readable from a
	// live endpoint.
	read func(ctx context.Context, key string) (io.ReadCloser, error)
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Archive, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init minio")
	}
	return NewWithBucket(client, cfg.ArchiveBucket, cfg.S3Region), nil
}

// NewWithBucket wraps an existing object store client.
func NewWithBucket(client Bucket, bucket, region string) *Archive {
	a := &Archive{client: client, bucket: bucket, region: region}
	a.read = a.getObject
	return a
}

// EnsureBucket makes sure the archive bucket exists before use.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", a.bucket)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return errors.Wrapf(err, "make bucket %s", a.bucket)
	}
	return nil
}

// ObjectKey is where a crash id's processed document lives.
func ObjectKey(id string) string {
	if len(id) < 4 {
		return id + Suffix
	}
	return path.Join(id[:2], id[2:4], id+Suffix)
}

// Compress gzips a document.
func Compress(doc []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "open gzip stream")
	}
	defer zr.Close()
	doc, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	return doc, nil
}

// Put uploads a processed document for id.
func (a *Archive) Put(ctx context.Context, id string, doc []byte) error {
	data, err := Compress(doc)
	if err != nil {
		return err
	}
	key := ObjectKey(id)
	opts := minio.PutObjectOptions{ContentType: "application/json", ContentEncoding: "gzip"}
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return errors.Wrapf(err, "upload %s", key)
	}
	log.Debugf("archived %s (%s, %s compressed)", key, humanize.Bytes(uint64(len(doc))), humanize.Bytes(uint64(len(data))))
	return nil
}

// Get downloads and decompresses the processed document for id.
func (a *Archive) Get(ctx context.Context, id string) ([]byte, error) {
	rc, err := a.read(ctx, ObjectKey(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Decompress(rc)
}

func (a *Archive) getObject(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return obj, nil
}
