package resultstore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/objstore"
	"github.com/chapterhouse/distqe/recbatch"
)

// Path builds the verbatim-per-spec result file path (spec.md §4.8).
func Path(queryID cos.UUID128, fileIdx uint64) string {
	return fmt.Sprintf("/query_results/%s/rec_%d.parquet", queryID, fileIdx)
}

// Dir is Path's directory, for listing a query's result files.
func Dir(queryID cos.UUID128) string {
	return fmt.Sprintf("/query_results/%s/", queryID)
}

// ParseFileIdx extracts the file_idx from a path or key previously
// returned by Path/Dir's listing, e.g. ".../rec_3.parquet" -> (3, true).
func ParseFileIdx(pathOrKey string) (uint64, bool) {
	name := pathOrKey
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "rec_")
	name = strings.TrimSuffix(name, ".parquet")
	n, err := strconv.ParseUint(name, 10, 64)
	return n, err == nil
}

// Create opens a new result file's Writer through backend. The
// materialize operator holds one of these open for the lifetime of
// its output file, appending a row group per accumulated batch.
func Create(ctx context.Context, backend objstore.Backend, path string) (*Writer, error) {
	w, err := backend.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewWriter(w)
}

// Open returns a Reader positioned at the start of path.
// cos.IsErrNotFound(err) distinguishes a missing file from any other
// failure — the query-data service needs that distinction to tell
// ReachedEndOfFiles (missing first file) from RecordRowGroupNotFound
// (missing row group inside an existing file), per spec.md §4.8.
func Open(ctx context.Context, backend objstore.Backend, path string) (*Reader, io.Closer, error) {
	r, err := backend.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	reader, err := NewReader(r)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return reader, r, nil
}

// ReadRowGroup returns the batch at row-group index idx in path, plus
// the total number of row groups the file holds. A missing idx past
// the last row group (but the file itself exists) is reported via
// cos.IsErrNotFound.
func ReadRowGroup(ctx context.Context, backend objstore.Backend, path string, idx uint64) (recbatch.Batch, uint64, error) {
	reader, closer, err := Open(ctx, backend, path)
	if err != nil {
		return recbatch.Batch{}, 0, err
	}
	defer closer.Close()

	if err := reader.Skip(int(idx)); err != nil {
		return recbatch.Batch{}, 0, err
	}
	batch, _, err := reader.Next()
	if err != nil {
		return recbatch.Batch{}, 0, cos.NewErrNotFound("row group %d of %q", idx, path)
	}

	total := idx + 1
	for {
		if _, _, err := reader.Next(); err != nil {
			break
		}
		total++
	}
	return batch, total, nil
}

// CountRowGroups scans path's headers (without decompressing any
// payload) and returns how many row groups it holds. Used by
// `querydata` to populate its per-file row-group-count cache.
func CountRowGroups(ctx context.Context, backend objstore.Backend, path string) (uint64, error) {
	reader, closer, err := Open(ctx, backend, path)
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	var n uint64
	for {
		if err := reader.Skip(1); err != nil {
			if cos.IsErrNotFound(err) {
				break
			}
			return 0, err
		}
		n++
	}
	return n, nil
}
