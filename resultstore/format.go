// Package resultstore reads and writes the materialized result files
// this engine writes to `/query_results/<query-uuid>/rec_<n>.parquet`
// (SPEC_FULL.md §3.2). The name is kept verbatim from spec.md §4.8,
// but the file itself holds no parquet bytes: it is a sequence of
// length-prefixed, zstd-compressed `recbatch.Batch` frames ("row
// groups"), each header also recording its row count so callers don't
// need to decompress a frame just to learn how many rows it holds.
// There is no trailing footer/directory — row group N is only
// reachable by skipping the N frames before it, mirroring the
// original source's own row-group-at-a-time access pattern
// (`query_data_handler.rs`'s `get_row_group_data`).
package resultstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/recbatch"
)

// frameHeader is [compressedLen uint32][numRows uint32], big-endian.
const frameHeaderSize = 8

var errShortHeader = errors.New("resultstore: truncated frame header")

// Writer appends row groups to one result file. Callers open one per
// materialized output file and call WriteRowGroup once per accumulated
// batch (the materialize operator's natural cadence — SPEC_FULL.md §4.9).
type Writer struct {
	w         io.WriteCloser
	enc       *zstd.Encoder
	rowGroups int
}

func NewWriter(w io.WriteCloser) (*Writer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, enc: enc}, nil
}

// WriteRowGroup compresses and appends one batch as the next row
// group.
func (rw *Writer) WriteRowGroup(b recbatch.Batch) error {
	raw, err := recbatch.Marshal(b)
	if err != nil {
		return err
	}
	compressed := rw.enc.EncodeAll(raw, nil)

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(compressed)))
	binary.BigEndian.PutUint32(header[4:8], uint32(b.NumRows()))
	if _, err := rw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := rw.w.Write(compressed); err != nil {
		return err
	}
	rw.rowGroups++
	return nil
}

// RowGroups reports how many row groups have been written so far.
func (rw *Writer) RowGroups() int { return rw.rowGroups }

func (rw *Writer) Close() error {
	rw.enc.Close()
	return rw.w.Close()
}

// Reader scans row groups sequentially from the start of a file.
type Reader struct {
	r   *bufio.Reader
	dec *zstd.Decoder
}

func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Reader{r: bufio.NewReader(r), dec: dec}, nil
}

// Next reads the next row group and its row count, or returns
// io.EOF once the file is exhausted (the original format has no
// footer, so end-of-frames and end-of-file coincide).
func (r *Reader) Next() (batch recbatch.Batch, numRows int, err error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return recbatch.Batch{}, 0, io.EOF
		}
		return recbatch.Batch{}, 0, err
	}
	compressedLen := binary.BigEndian.Uint32(header[0:4])
	numRows = int(binary.BigEndian.Uint32(header[4:8]))

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(r.r, compressed); err != nil {
		return recbatch.Batch{}, 0, errShortHeader
	}
	raw, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return recbatch.Batch{}, 0, err
	}
	batch, err = recbatch.Unmarshal(raw)
	return batch, numRows, err
}

// Skip discards n row groups without decompressing their payloads.
func (r *Reader) Skip(n int) error {
	for i := 0; i < n; i++ {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(r.r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return cos.NewErrNotFound("row group %d", i)
			}
			return err
		}
		compressedLen := int64(binary.BigEndian.Uint32(header[0:4]))
		if _, err := io.CopyN(io.Discard, r.r, compressedLen); err != nil {
			return err
		}
	}
	return nil
}
