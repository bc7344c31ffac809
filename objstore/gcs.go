//go:build gcs

package objstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// GCSBackend addresses objects within one Google Cloud Storage bucket.
type GCSBackend struct {
	bucket *storage.BucketHandle
}

func NewGCS(ctx context.Context, bucket string) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSBackend{bucket: client.Bucket(bucket)}, nil
}

func init() {
	register("gcs", func(ctx context.Context, bucket string) (Backend, error) { return NewGCS(ctx, bucket) })
}

func (b *GCSBackend) Provider() string { return "gcs" }

func key(path string) string { return strings.TrimPrefix(path, "/") }

func (b *GCSBackend) Stat(ctx context.Context, path string) (Info, error) {
	attrs, err := b.bucket.Object(key(path)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Info{}, cos.NewErrNotFound("gcs object %q", path)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Size: attrs.Size}, nil
}

func (b *GCSBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := b.bucket.Object(key(path)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, cos.NewErrNotFound("gcs object %q", path)
	}
	return r, err
}

func (b *GCSBackend) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	return b.bucket.Object(key(path)).NewWriter(ctx), nil
}

func (b *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: key(prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

var _ Backend = (*GCSBackend)(nil)
