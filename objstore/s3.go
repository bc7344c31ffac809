//go:build s3

package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// S3Backend addresses "<bucket>/<key>" paths against one AWS region,
// resolved from the process's default credential chain.
type S3Backend struct {
	bucket string
	client *s3.Client
}

func NewS3(ctx context.Context, bucket string) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &S3Backend{bucket: bucket, client: s3.NewFromConfig(cfg)}, nil
}

func init() {
	register("s3", func(ctx context.Context, bucket string) (Backend, error) { return NewS3(ctx, bucket) })
}

func (b *S3Backend) Provider() string { return "s3" }

func (b *S3Backend) Stat(ctx context.Context, path string) (Info, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	})
	if isNotFound(err) {
		return Info{}, cos.NewErrNotFound("s3 object %q", path)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Size: aws.ToInt64(out.ContentLength)}, nil
}

func (b *S3Backend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	})
	if isNotFound(err) {
		return nil, cos.NewErrNotFound("s3 object %q", path)
	}
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// s3Writer buffers the whole object in memory and uploads it on
// Close via the manager's multipart uploader, so callers can still
// use the plain io.WriteCloser contract row-group writers expect.
type s3Writer struct {
	ctx    context.Context
	bucket string
	key    string
	client *s3.Client
	buf    []byte
}

func (w *s3Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *s3Writer) Close() error {
	uploader := manager.NewUploader(w.client)
	_, err := uploader.Upload(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf),
	})
	return err
}

func (b *S3Backend) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	return &s3Writer{ctx: ctx, bucket: b.bucket, key: strings.TrimPrefix(path, "/"), client: b.client}, nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(strings.TrimPrefix(prefix, "/")),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, aws.ToString(obj.Key))
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return strings.Contains(err.Error(), "NotFound")
}

var _ Backend = (*S3Backend)(nil)
