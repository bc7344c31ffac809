package resultstore

import (
	"context"
	"testing"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/objstore"
)

func TestCreateWriteReadRowGroup(t *testing.T) {
	ctx := context.Background()
	backend := objstore.NewLocal(t.TempDir())
	queryID := cos.NewUUID128()
	path := Path(queryID, 0)

	w, err := Create(ctx, backend, path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := w.WriteRowGroup(rowBatch(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	batch, total, err := ReadRowGroup(ctx, backend, path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("total row groups = %d, want 4", total)
	}
	if batch.Row(0)[0] != float64(2) {
		t.Fatalf("row group 2 = %+v, want value 2", batch)
	}

	count, err := CountRowGroups(ctx, backend, path)
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("CountRowGroups = %d, want 4", count)
	}
}

func TestReadRowGroupMissingFileIsErrNotFound(t *testing.T) {
	backend := objstore.NewLocal(t.TempDir())
	_, _, err := ReadRowGroup(context.Background(), backend, Path(cos.NewUUID128(), 0), 0)
	if !cos.IsErrNotFound(err) {
		t.Fatalf("ReadRowGroup on missing file = %v, want ErrNotFound", err)
	}
}

func TestReadRowGroupMissingIndexInExistingFileIsErrNotFound(t *testing.T) {
	ctx := context.Background()
	backend := objstore.NewLocal(t.TempDir())
	path := Path(cos.NewUUID128(), 0)

	w, err := Create(ctx, backend, path)
	if err != nil {
		t.Fatal(err)
	}
	w.WriteRowGroup(rowBatch(0))
	w.Close()

	_, _, err = ReadRowGroup(ctx, backend, path, 5)
	if !cos.IsErrNotFound(err) {
		t.Fatalf("ReadRowGroup past last row group = %v, want ErrNotFound", err)
	}
}
