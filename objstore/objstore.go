// Package objstore is the pluggable object-store backend this engine
// reads query inputs from and writes materialized results to
// (SPEC_FULL.md §1.2). Every path is a flat key, not a
// bucket/object pair: the engine only ever addresses files by the
// glob the query names or the fixed "/query_results/<uuid>/rec_<n>.parquet"
// convention (spec.md §4.8), so there is no bucket-metadata surface to
// carry.
/*
 * Adapted from the aistore project's ais/backend package layout: one
 * file per provider, each guarded by its own build tag, all
 * implementing the same provider interface.
 */
package objstore

import (
	"context"
	"io"
)

// Info is the subset of object metadata this engine ever needs.
type Info struct {
	Size int64
}

// Backend is the provider contract every storage integration
// implements (local filesystem, s3, gcs, azure, hdfs).
type Backend interface {
	Provider() string
	Stat(ctx context.Context, path string) (Info, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	// List returns every key beneath prefix, suitable for glob
	// matching by the scan operator (SPEC_FULL.md §4.9).
	List(ctx context.Context, prefix string) ([]string, error)
}
