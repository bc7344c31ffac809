// Package recbatch implements the in-house columnar record-batch type
// exchanged between producer, exchange, and materialize operators
// (spec.md glossary "Record batch"). The retrieval pack carries no
// Arrow or parquet columnar library, so the wire representation here
// is a small self-describing column set, encoded with the same
// jsoniter codec the rest of the wire layer uses.
package recbatch

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Column is one named, homogeneously-typed vector of values.
type Column struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// Batch is an ordered set of equal-length columns plus the table
// aliases contributing to it (spec.md §4.7 "Record { ..., table_aliases }").
type Batch struct {
	Columns      []Column `json:"columns"`
	TableAliases []string `json:"table_aliases,omitempty"`
}

// NumRows returns the shared column length, or 0 for a columnless batch.
func (b Batch) NumRows() int {
	if len(b.Columns) == 0 {
		return 0
	}
	return len(b.Columns[0].Values)
}

// ColumnNames returns the batch's schema in column order.
func (b Batch) ColumnNames() []string {
	names := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = c.Name
	}
	return names
}

// Row extracts one row as a slice positioned by column order.
func (b Batch) Row(i int) []any {
	row := make([]any, len(b.Columns))
	for ci, c := range b.Columns {
		row[ci] = c.Values[i]
	}
	return row
}

// Slice returns a new Batch holding rows [start,end) of b.
func (b Batch) Slice(start, end int) Batch {
	out := Batch{Columns: make([]Column, len(b.Columns)), TableAliases: b.TableAliases}
	for i, c := range b.Columns {
		out.Columns[i] = Column{Name: c.Name, Values: append([]any(nil), c.Values[start:end]...)}
	}
	return out
}

// Reverse returns a new Batch with row order reversed. The query-data
// service does not call it: its backward paging picks rows directly in
// descending order.
func (b Batch) Reverse() Batch {
	n := b.NumRows()
	out := Batch{Columns: make([]Column, len(b.Columns)), TableAliases: b.TableAliases}
	for i, c := range b.Columns {
		vals := make([]any, n)
		for j, v := range c.Values {
			vals[n-1-j] = v
		}
		out.Columns[i] = Column{Name: c.Name, Values: vals}
	}
	return out
}

// Concat returns a new Batch holding every row of batches, in order;
// all batches must share the same schema (column count and order).
func Concat(batches ...Batch) (Batch, error) {
	if len(batches) == 0 {
		return Batch{}, nil
	}
	out := Batch{Columns: make([]Column, len(batches[0].Columns)), TableAliases: batches[0].TableAliases}
	for i, c := range batches[0].Columns {
		out.Columns[i] = Column{Name: c.Name}
	}
	for _, b := range batches {
		if len(b.Columns) != len(out.Columns) {
			return Batch{}, fmt.Errorf("recbatch: schema mismatch concatenating %d columns into %d", len(b.Columns), len(out.Columns))
		}
		for i, c := range b.Columns {
			out.Columns[i].Values = append(out.Columns[i].Values, c.Values...)
		}
	}
	return out, nil
}

// Marshal encodes b for the wire (GetNextRecordResponsePayload.Data,
// GetQueryDataRespPayload's row-group files on disk).
func Marshal(b Batch) ([]byte, error) { return json.Marshal(b) }

// Unmarshal decodes bytes previously produced by Marshal.
func Unmarshal(data []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(data, &b)
	return b, err
}
