// Package scan implements the "scan" producer operator (spec.md §4.9
// operator catalog, registered under the planner's "producer" kind):
// it expands a glob against the object store, reads each matching
// file as a sequence of resultstore row groups, and pushes every
// batch to its declared outbound exchange instance.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/objstore"
	"github.com/chapterhouse/distqe/operator"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/resultstore"
	"github.com/chapterhouse/distqe/stats"
	"github.com/chapterhouse/distqe/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// putRetryDelay spaces out PutRecord retries after a BufferFull
// response (spec.md §4.7 "producers receive an explicit buffer-full
// response and must retry"; the spec names the contract but not a
// retry cadence, so this value is the implementer's choice).
const putRetryDelay = 100 * time.Millisecond

// Task is the operator.Task registered under the producer kind.
// backend is supplied at worker startup (one LocalBackend/S3Backend
// per process), not per instance.
type Task struct {
	backend objstore.Backend
	stats   *stats.Collector
}

func NewTask(backend objstore.Backend, c *stats.Collector) func() operator.Task {
	return func() operator.Task { return &Task{backend: backend, stats: c} }
}

// params mirrors queryhandler.assignParams' exact JSON shape for a
// producer operator.
type params struct {
	Glob               string   `json:"glob"`
	Columns            []string `json:"columns"`
	OutboundExchangeID string   `json:"outbound_exchange_id"`
}

func (t *Task) Run(ctx context.Context, p *pipe.Pipe, assign operator.TaskAssignment) error {
	var prm params
	if len(assign.Params) > 0 {
		if err := json.Unmarshal(assign.Params, &prm); err != nil {
			return fmt.Errorf("scan: decoding params: %w", err)
		}
	}
	exchangeOperatorID := prm.OutboundExchangeID
	if exchangeOperatorID == "" {
		exchangeOperatorID = assign.OutboundExchangeID
	}

	target, err := operator.LocatePeer(ctx, p, assign, exchangeOperatorID)
	if canceled(ctx, err) {
		return nil
	}
	if err != nil {
		return err
	}

	keys, err := matchGlob(ctx, t.backend, prm.Glob)
	if err != nil {
		return fmt.Errorf("scan: expanding glob %q: %w", prm.Glob, err)
	}
	nlog.Infof("scan: instance %s matched %d file(s) for glob %q", assign.InstanceID, len(keys), prm.Glob)

	for _, key := range keys {
		if err := t.scanFile(ctx, p, assign, target, key, prm.Columns); err != nil {
			if canceled(ctx, err) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *Task) scanFile(ctx context.Context, p *pipe.Pipe, assign operator.TaskAssignment, target wire.RouteTo, key string, columns []string) error {
	reader, closer, err := resultstore.Open(ctx, t.backend, key)
	if err != nil {
		return fmt.Errorf("scan: opening %q: %w", key, err)
	}
	defer closer.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, _, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan: reading %q: %w", key, err)
		}
		if len(columns) > 0 {
			batch = project(batch, columns)
		}
		if err := t.push(ctx, p, target, assign, batch); err != nil {
			return err
		}
	}
}

// push sends one batch to the exchange instance, retrying while it
// answers BufferFull (spec.md §4.7).
func (t *Task) push(ctx context.Context, p *pipe.Pipe, target wire.RouteTo, assign operator.TaskAssignment, batch recbatch.Batch) error {
	data, err := recbatch.Marshal(batch)
	if err != nil {
		return fmt.Errorf("scan: marshaling batch: %w", err)
	}
	for {
		msg := wire.NewMessage(wire.KindPutRecord, &wire.PutRecordPayload{
			ProducerOperatorID: assign.OperatorID,
			RecordID:           cos.NewUUID128(),
			Data:               data,
		})
		msg.To = target

		reply, err := p.SendRequest(ctx, msg, wire.KindPutRecordResponse, 30*time.Second)
		if err != nil {
			return err
		}
		resp := reply.Body.(*wire.PutRecordResponsePayload)
		if resp.Accepted {
			t.stats.IncRecordsProduced()
			return nil
		}
		if !resp.BufferFull {
			return fmt.Errorf("scan: exchange rejected record for a reason other than buffer_full")
		}
		select {
		case <-time.After(putRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// project narrows batch to the named columns, in that order. An
// unknown column name is dropped silently — the planner is expected
// to have already validated column names against the source schema.
func project(batch recbatch.Batch, columns []string) recbatch.Batch {
	byName := make(map[string]recbatch.Column, len(batch.Columns))
	for _, col := range batch.Columns {
		byName[col.Name] = col
	}
	out := recbatch.Batch{TableAliases: batch.TableAliases}
	for _, name := range columns {
		if col, ok := byName[name]; ok {
			out.Columns = append(out.Columns, col)
		}
	}
	return out
}

// matchGlob expands a glob pattern (e.g. "/data/events/*.parquet")
// into the object keys beneath its non-wildcard directory prefix that
// match it. There is no glob-matching library anywhere in the
// retrieval pack to ground this on (see DESIGN.md), so it is built
// directly on path.Match.
func matchGlob(ctx context.Context, backend objstore.Backend, glob string) ([]string, error) {
	if glob == "" {
		return nil, fmt.Errorf("scan: empty glob")
	}
	prefix := globPrefix(glob)
	keys, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	// Backends are free to return keys with or without the prefix's
	// leading slash (LocalBackend's List yields paths relative to its
	// root, so a "/"-prefixed glob never matches verbatim); compare
	// both sides with it stripped, but return keys in the form List
	// produced them, since that is what Open/Create expect back.
	pattern := strings.TrimPrefix(glob, "/")
	var out []string
	for _, k := range keys {
		ok, err := path.Match(pattern, strings.TrimPrefix(k, "/"))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// globPrefix returns the longest directory prefix of glob that
// contains no wildcard metacharacter, so List need only scan the
// subtree that could possibly match.
func globPrefix(glob string) string {
	if i := strings.IndexAny(glob, "*?["); i >= 0 {
		glob = glob[:i]
	}
	if i := strings.LastIndexByte(glob, '/'); i >= 0 {
		return glob[:i+1]
	}
	return ""
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
