// Package querydata implements the query-data service (spec.md
// component C8): the paginated, forward/backward reader over a
// completed query's row-group result files (resultstore).
package querydata

import (
	"context"
	"math"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/objstore"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/resultstore"
	"github.com/chapterhouse/distqe/router"
	"github.com/chapterhouse/distqe/wire"
)

// maxIdx is the "unset, meaning last" sentinel spec.md §4.8 calls
// u64::MAX.
const maxIdx = uint64(math.MaxUint64)

// sender is the subset of *router.Router the service depends on,
// narrowed for testability (queryhandler.Handler does the same).
type sender interface {
	Send(msg *wire.Message) bool
}

// Service is the query-data host: one per worker process, answering
// every GetQueryData request routed to this worker regardless of
// which query it names (spec.md §4.10 — it keeps no per-query process,
// only a row-group-count cache keyed by query id internally).
type Service struct {
	ID            cos.UUID128
	localWorkerID cos.UUID128
	backend       objstore.Backend
	cache         *rowGroupCache
	router        sender
}

// New wires a Service to r, registering it as an internal subscriber
// of every wire.KindGetQueryData message (spec.md §4.3's broadcast
// cascade — queryhandler.Handler never claims this kind, so there is
// no double-delivery to guard against).
func New(localWorkerID cos.UUID128, r *router.Router, backend objstore.Backend) (*Service, error) {
	cache, err := newRowGroupCache()
	if err != nil {
		return nil, err
	}
	id := cos.NewUUID128()
	s := &Service{ID: id, localWorkerID: localWorkerID, backend: backend, cache: cache, router: r}

	r.AddInternalSubscriber(&router.InternalSubscriber{
		ID:       id,
		Consumes: s.consumes,
		Deliver:  s.deliver,
	})
	return s, nil
}

// Close releases the service's row-group-count cache.
func (s *Service) Close() error {
	return s.cache.close()
}

func (s *Service) consumes(msg *wire.Message) bool {
	if msg.To.Operation == s.ID {
		return true
	}
	// A client cannot know this service's id in advance, so it
	// addresses GetQueryData to the worker it is connected to
	// (To.Worker only); the router falls through to broadcast() and
	// every worker's one query-data subscriber claims it by kind.
	return msg.KindID == wire.KindGetQueryData
}

func (s *Service) deliver(msg *wire.Message) {
	if msg.Body == nil {
		if err := wire.ResolveBody(msg); err != nil {
			nlog.Warningf("querydata: dropping unparseable message kind=%d: %v", msg.KindID, err)
			return
		}
	}
	switch msg.KindID {
	case wire.KindGetQueryData:
		s.handleGetQueryData(msg)
	default:
		nlog.Warningf("querydata: no handler for kind=%d", msg.KindID)
	}
}

func (s *Service) send(msg *wire.Message) {
	if msg.From.Worker == cos.Nil {
		msg.From.Worker = s.localWorkerID
	}
	if msg.From.Operation == cos.Nil {
		msg.From.Operation = s.ID
	}
	if !s.router.Send(msg) {
		nlog.Infof("querydata: reply for kind=%d had no deliverable route", msg.KindID)
	}
}

func (s *Service) handleGetQueryData(msg *wire.Message) {
	body := msg.Body.(*wire.GetQueryDataPayload)
	reply := wire.NewMessage(wire.KindGetQueryDataResp, nil).ReplyTo(msg)

	// A query's client surface has no deadline of its own, but object
	// store I/O must not hang the service forever.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply.Body = s.paginate(ctx, body)
	s.send(reply)
}

// paginate runs spec.md §4.8's algorithm: read row groups one at a
// time from the requested position, forward or backward, until limit
// rows are accumulated or the files run out.
func (s *Service) paginate(ctx context.Context, req *wire.GetQueryDataPayload) *wire.GetQueryDataRespPayload {
	limit := req.Limit
	if limit == 0 {
		limit = 1
	}

	fileIdx, rgIdx, rowIdx, resolveErr := s.resolveStart(ctx, req)
	if resolveErr != nil {
		return resolveErr
	}

	var picks []rowPick
	first := true
	for uint64(len(picks)) < limit {
		total, err := s.rowGroupCount(ctx, req.QueryID, fileIdx)
		if err != nil {
			if cos.IsErrNotFound(err) {
				if first {
					return outcome(wire.GetQueryDataReachedEndOfFiles)
				}
				break
			}
			return errOutcome(err)
		}
		if rgIdx == maxIdx {
			// Backward "last row group of file" sentinel, only
			// resolvable once this file's row-group count is known.
			if total == 0 {
				if first {
					return outcome(wire.GetQueryDataRowGroupNotFound)
				}
				break
			}
			rgIdx = total - 1
		} else if rgIdx >= total {
			if first {
				return outcome(wire.GetQueryDataRowGroupNotFound)
			}
			break
		}

		batch, _, err := resultstore.ReadRowGroup(ctx, s.backend, resultstore.Path(req.QueryID, fileIdx), rgIdx)
		if err != nil {
			return errOutcome(err)
		}

		n := batch.NumRows()
		if first && rowIdx != maxIdx && int(rowIdx) >= n {
			return outcome(wire.GetQueryDataRowGroupNotFound)
		}

		if req.Forward {
			start := int(rowIdx)
			for row := start; row < n && uint64(len(picks)) < limit; row++ {
				picks = append(picks, rowPick{batch: &batch, row: row, pos: wire.RowPosition{FileIdx: fileIdx, RowGroupIdx: rgIdx, RowIdx: uint64(row)}})
			}
		} else {
			end := n - 1
			if rowIdx != maxIdx {
				end = int(rowIdx)
			}
			for row := end; row >= 0 && uint64(len(picks)) < limit; row-- {
				picks = append(picks, rowPick{batch: &batch, row: row, pos: wire.RowPosition{FileIdx: fileIdx, RowGroupIdx: rgIdx, RowIdx: uint64(row)}})
			}
		}
		first = false

		var advanced bool
		if req.Forward {
			fileIdx, rgIdx, rowIdx, advanced = s.advanceForward(ctx, req.QueryID, fileIdx, rgIdx, total)
		} else {
			fileIdx, rgIdx, rowIdx, advanced = s.advanceBackward(ctx, req.QueryID, fileIdx, rgIdx)
		}
		if !advanced {
			break
		}
	}

	if len(picks) == 0 {
		return outcome(wire.GetQueryDataReachedEndOfFiles)
	}
	batch, offsets := buildBatch(picks)
	data, err := recbatch.Marshal(batch)
	if err != nil {
		return errOutcome(err)
	}
	return &wire.GetQueryDataRespPayload{Outcome: wire.GetQueryDataRecord, Data: data, Offsets: offsets}
}

// resolveStart resolves spec.md §4.8's u64::MAX sentinels (backward
// mode only: "last file" / "last row group of file" / "last row of
// row group") into concrete indices. Forward requests are expected to
// name a concrete starting position.
func (s *Service) resolveStart(ctx context.Context, req *wire.GetQueryDataPayload) (fileIdx, rgIdx, rowIdx uint64, errResp *wire.GetQueryDataRespPayload) {
	fileIdx, rgIdx, rowIdx = req.FileIdx, req.RowGroupIdx, req.RowIdx
	if req.Forward {
		return fileIdx, rgIdx, rowIdx, nil
	}
	if fileIdx == maxIdx {
		last, ok, err := s.lastFileIdx(ctx, req.QueryID)
		if err != nil {
			return 0, 0, 0, errOutcome(err)
		}
		if !ok {
			return 0, 0, 0, outcome(wire.GetQueryDataReachedEndOfFiles)
		}
		fileIdx = last
	}
	// rgIdx/rowIdx sentinels are resolved once the target file's row
	// group count (and that row group's batch) is known, inside the
	// main loop — both depend on data not yet read here.
	return fileIdx, rgIdx, rowIdx, nil
}

func (s *Service) lastFileIdx(ctx context.Context, queryID cos.UUID128) (uint64, bool, error) {
	keys, err := s.backend.List(ctx, resultstore.Dir(queryID))
	if err != nil {
		return 0, false, err
	}
	var max uint64
	found := false
	for _, k := range keys {
		idx, ok := resultstore.ParseFileIdx(k)
		if !ok {
			continue
		}
		if !found || idx > max {
			max, found = idx, true
		}
	}
	return max, found, nil
}

// rowGroupCount returns the total row-group count of a result file,
// through the per-(query,file) cache.
func (s *Service) rowGroupCount(ctx context.Context, queryID cos.UUID128, fileIdx uint64) (uint64, error) {
	if n, ok := s.cache.get(queryID, fileIdx); ok {
		return n, nil
	}
	n, err := resultstore.CountRowGroups(ctx, s.backend, resultstore.Path(queryID, fileIdx))
	if err != nil {
		return 0, err
	}
	s.cache.set(queryID, fileIdx, n)
	return n, nil
}

// advanceForward computes the next (fileIdx, rgIdx, rowIdx) to read
// after exhausting the current row group, rolling to the next file at
// end-of-file. The returned rowIdx is always 0 (a fresh row group
// starts at its first row).
func (s *Service) advanceForward(ctx context.Context, queryID cos.UUID128, fileIdx, rgIdx, total uint64) (uint64, uint64, uint64, bool) {
	if rgIdx+1 < total {
		return fileIdx, rgIdx + 1, 0, true
	}
	next := fileIdx + 1
	if _, err := s.rowGroupCount(ctx, queryID, next); err != nil {
		return 0, 0, 0, false
	}
	return next, 0, 0, true
}

// advanceBackward computes the previous (fileIdx, rgIdx, rowIdx),
// rolling to the previous file's last row group at row group 0 of the
// current file; rowIdx maxIdx defers to the newly entered row group's
// last row, resolved in the next loop iteration.
func (s *Service) advanceBackward(ctx context.Context, queryID cos.UUID128, fileIdx, rgIdx uint64) (uint64, uint64, uint64, bool) {
	if rgIdx > 0 {
		return fileIdx, rgIdx - 1, maxIdx, true
	}
	if fileIdx == 0 {
		return 0, 0, 0, false
	}
	prev := fileIdx - 1
	total, err := s.rowGroupCount(ctx, queryID, prev)
	if err != nil || total == 0 {
		return 0, 0, 0, false
	}
	return prev, total - 1, maxIdx, true
}

type rowPick struct {
	batch *recbatch.Batch
	row   int
	pos   wire.RowPosition
}

// buildBatch assembles the final response batch and offsets list in
// picks' order — already the correct result order (ascending for
// forward, descending for backward), so no separate reversal pass is
// needed on top of it.
func buildBatch(picks []rowPick) (recbatch.Batch, []wire.RowPosition) {
	cols := picks[0].batch.ColumnNames()
	out := recbatch.Batch{Columns: make([]recbatch.Column, len(cols)), TableAliases: picks[0].batch.TableAliases}
	for i, name := range cols {
		out.Columns[i] = recbatch.Column{Name: name, Values: make([]any, len(picks))}
	}
	offsets := make([]wire.RowPosition, len(picks))
	for pi, p := range picks {
		row := p.batch.Row(p.row)
		for ci := range cols {
			out.Columns[ci].Values[pi] = row[ci]
		}
		offsets[pi] = p.pos
	}
	return out, offsets
}

func outcome(o wire.GetQueryDataOutcome) *wire.GetQueryDataRespPayload {
	return &wire.GetQueryDataRespPayload{Outcome: o}
}

func errOutcome(err error) *wire.GetQueryDataRespPayload {
	return &wire.GetQueryDataRespPayload{Outcome: wire.GetQueryDataError, Error: err.Error()}
}
