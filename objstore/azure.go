//go:build azure

// Adapted from the aistore project's ais/backend/azure.go: same SDK,
// same shared-key-credential construction, narrowed from a
// multi-bucket provider to one container addressed by flat blob keys.
package objstore

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/chapterhouse/distqe/cmn/cos"
)

func init() {
	register("azure", func(_ context.Context, containerName string) (Backend, error) {
		return NewAzure(os.Getenv("AZURE_STORAGE_ACCOUNT"), os.Getenv("AZURE_STORAGE_KEY"), containerName)
	})
}

// AzureBackend addresses blobs within one container of one storage
// account (AZURE_STORAGE_ACCOUNT / AZURE_STORAGE_KEY).
type AzureBackend struct {
	containerURL string
	client       *azblob.Client
	containerCl  *container.Client
}

func NewAzure(account, key, containerName string) (*AzureBackend, error) {
	creds, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, err
	}
	serviceURL := "https://" + account + ".blob.core.windows.net"
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, creds, nil)
	if err != nil {
		return nil, err
	}
	containerCl, err := container.NewClientWithSharedKeyCredential(serviceURL+"/"+containerName, creds, nil)
	if err != nil {
		return nil, err
	}
	return &AzureBackend{containerURL: containerName, client: client, containerCl: containerCl}, nil
}

func (b *AzureBackend) Provider() string { return "azure" }

func (b *AzureBackend) Stat(ctx context.Context, path string) (Info, error) {
	blobCl := b.containerCl.NewBlobClient(blobKey(path))
	props, err := blobCl.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return Info{}, cos.NewErrNotFound("azure blob %q", path)
	}
	if err != nil {
		return Info{}, err
	}
	size := int64(0)
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return Info{Size: size}, nil
}

func (b *AzureBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.containerURL, blobKey(path), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, cos.NewErrNotFound("azure blob %q", path)
	}
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

type azureWriter struct {
	ctx    context.Context
	client *azblob.Client
	cnt    string
	key    string
	buf    []byte
}

func (w *azureWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *azureWriter) Close() error {
	_, err := w.client.UploadBuffer(w.ctx, w.cnt, w.key, w.buf, nil)
	return err
}

func (b *AzureBackend) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	return &azureWriter{ctx: ctx, client: b.client, cnt: b.containerURL, key: blobKey(path)}, nil
}

func (b *AzureBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	opts := &container.ListBlobsFlatOptions{Prefix: strPtr(blobKey(prefix))}
	pager := b.containerCl.NewListBlobsFlatPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				out = append(out, *item.Name)
			}
		}
	}
	return out, nil
}

func blobKey(path string) string { return strings.TrimPrefix(path, "/") }
func strPtr(s string) *string    { return &s }

var _ Backend = (*AzureBackend)(nil)
