package resultstore

import (
	"bytes"
	"io"
	"testing"

	"github.com/chapterhouse/distqe/recbatch"
)

func rowBatch(v int) recbatch.Batch {
	return recbatch.Batch{Columns: []recbatch.Column{{Name: "x", Values: []any{v}}}}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf closingBuffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := w.WriteRowGroup(rowBatch(i)); err != nil {
			t.Fatal(err)
		}
	}
	if w.RowGroups() != 3 {
		t.Fatalf("RowGroups = %d, want 3", w.RowGroups())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		batch, numRows, err := r.Next()
		if err != nil {
			t.Fatalf("row group %d: %v", i, err)
		}
		if numRows != 1 || batch.Row(0)[0] != float64(i) {
			t.Fatalf("row group %d = %+v, want value %d", i, batch, i)
		}
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("Next past end = %v, want io.EOF", err)
	}
}

func TestReaderSkip(t *testing.T) {
	var buf closingBuffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.WriteRowGroup(rowBatch(i))
	}
	w.Close()

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Skip(3); err != nil {
		t.Fatal(err)
	}
	batch, _, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if batch.Row(0)[0] != float64(3) {
		t.Fatalf("after Skip(3), Next() = %+v, want value 3", batch)
	}
}

type closingBuffer struct{ bytes.Buffer }

func (c *closingBuffer) Close() error { return nil }
