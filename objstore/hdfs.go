//go:build hdfs

package objstore

import (
	"context"
	"io"
	"os"

	"github.com/colinmarc/hdfs/v2"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// HDFSBackend addresses paths on one HDFS namenode.
type HDFSBackend struct {
	client *hdfs.Client
}

func NewHDFS(namenode string) (*HDFSBackend, error) {
	client, err := hdfs.New(namenode)
	if err != nil {
		return nil, err
	}
	return &HDFSBackend{client: client}, nil
}

func init() {
	register("hdfs", func(_ context.Context, namenode string) (Backend, error) { return NewHDFS(namenode) })
}

func (b *HDFSBackend) Provider() string { return "hdfs" }

func (b *HDFSBackend) Stat(_ context.Context, path string) (Info, error) {
	fi, err := b.client.Stat(path)
	if os.IsNotExist(err) {
		return Info{}, cos.NewErrNotFound("hdfs path %q", path)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Size: fi.Size()}, nil
}

func (b *HDFSBackend) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := b.client.Open(path)
	if os.IsNotExist(err) {
		return nil, cos.NewErrNotFound("hdfs path %q", path)
	}
	return f, err
}

func (b *HDFSBackend) Create(_ context.Context, path string) (io.WriteCloser, error) {
	if err := b.client.MkdirAll(parentDir(path), 0o755); err != nil {
		return nil, err
	}
	return b.client.Create(path)
}

func (b *HDFSBackend) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.walk(prefix, &out)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

func (b *HDFSBackend) walk(path string, out *[]string) error {
	fi, err := b.client.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		*out = append(*out, path)
		return nil
	}
	entries, err := b.client.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := b.walk(path+"/"+entry.Name(), out); err != nil {
			return err
		}
	}
	return nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

var _ Backend = (*HDFSBackend)(nil)
