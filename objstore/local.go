package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// LocalBackend addresses paths directly on this worker's filesystem.
// It is the default backend (no flags required) and the one every
// integration test in this repo runs against.
type LocalBackend struct {
	root string
}

func NewLocal(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) Provider() string { return "local" }

// resolve joins a flat object key (always "/"-prefixed by convention,
// e.g. "/query_results/<uuid>/rec_0.parquet") under root. The leading
// slash is part of the key namespace, not an OS absolute-path marker —
// filepath.Join treats it as an ordinary path segment, so it never
// escapes root. With an empty root the key is returned unchanged and
// used as an OS path, so a "/"-prefixed key is absolute.
func (b *LocalBackend) resolve(path string) string {
	if b.root == "" {
		return path
	}
	return filepath.Join(b.root, path)
}

func (b *LocalBackend) Stat(_ context.Context, path string) (Info, error) {
	fi, err := os.Stat(b.resolve(path))
	if os.IsNotExist(err) {
		return Info{}, cos.NewErrNotFound("local object %q", path)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Size: fi.Size()}, nil
}

func (b *LocalBackend) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(b.resolve(path))
	if os.IsNotExist(err) {
		return nil, cos.NewErrNotFound("local object %q", path)
	}
	return f, err
}

func (b *LocalBackend) Create(_ context.Context, path string) (io.WriteCloser, error) {
	full := b.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.Create(full)
}

// List walks prefix recursively and returns every regular file found,
// using godirwalk for allocation-light directory scans (the scan
// operator's glob expansion runs this once per query, SPEC_FULL.md
// §4.9).
func (b *LocalBackend) List(_ context.Context, prefix string) ([]string, error) {
	root := b.resolve(prefix)
	fi, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{prefix}, nil
	}

	var out []string
	err = godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(b.root, osPathname)
			if rerr != nil {
				rel = osPathname
			}
			out = append(out, filepath.ToSlash(rel))
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Backend = (*LocalBackend)(nil)
