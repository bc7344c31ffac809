// Package materialize implements the terminal "materialize" operator
// (spec.md §4.9 operator catalog): it pulls records from its declared
// upstream exchange until the source drains, writing each as a row
// group to the query's result file through resultstore.
package materialize

import (
	"context"
	"errors"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/objstore"
	"github.com/chapterhouse/distqe/operator"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/resultstore"
	"github.com/chapterhouse/distqe/stats"
	"github.com/chapterhouse/distqe/wire"
)

// waitPollDelay spaces out GetNextRecord retries when the broker
// answers "nothing ready yet, source not drained" (exchange.OutcomeWait).
const waitPollDelay = 100 * time.Millisecond

// Task is the operator.Task registered under the planner's
// "materialize" kind. backend is supplied at worker startup.
type Task struct {
	backend objstore.Backend
	stats   *stats.Collector
}

func NewTask(backend objstore.Backend, c *stats.Collector) func() operator.Task {
	return func() operator.Task { return &Task{backend: backend, stats: c} }
}

// resultFileIdx is always 0: one result file per query, one row
// group per received batch (resultstore's natural cadence — see
// format.go). Splitting into multiple files is left to a future
// size-based rotation policy; spec.md leaves the threshold
// unspecified beyond "each file contains one or more row groups".
const resultFileIdx = 0

func (t *Task) Run(ctx context.Context, p *pipe.Pipe, assign operator.TaskAssignment) error {
	target, err := operator.LocatePeer(ctx, p, assign, assign.SourceOperatorID)
	if canceled(err) {
		return nil
	}
	if err != nil {
		return err
	}

	w, err := resultstore.Create(ctx, t.backend, resultstore.Path(assign.QueryID, resultFileIdx))
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			w.Close()
			return nil
		}

		req := wire.NewMessage(wire.KindGetNextRecord, &wire.GetNextRecordPayload{ConsumerOperatorID: assign.InstanceID})
		req.To = target
		reply, err := p.SendRequest(ctx, req, wire.KindGetNextRecordResponse, 30*time.Second)
		if err != nil {
			w.Close()
			if canceled(err) {
				return nil
			}
			return err
		}
		resp := reply.Body.(*wire.GetNextRecordResponsePayload)

		if resp.NoneLeft {
			return w.Close()
		}
		if resp.RecordID == cos.Nil {
			// OutcomeWait: the broker has nothing ready but its
			// source has not drained; poll again shortly.
			select {
			case <-time.After(waitPollDelay):
				continue
			case <-ctx.Done():
				w.Close()
				return nil
			}
		}

		batch, err := recbatch.Unmarshal(resp.Data)
		if err != nil {
			w.Close()
			return err
		}
		if err := w.WriteRowGroup(batch); err != nil {
			w.Close()
			return err
		}
		t.stats.IncRecordsMaterialized()

		ack := wire.NewMessage(wire.KindCompletedRecordProcessing, &wire.CompletedRecordProcessingPayload{
			ConsumerOperatorID: assign.InstanceID,
			RecordID:           resp.RecordID,
		})
		ack.To = target
		if err := p.Send(ctx, ack); err != nil && !canceled(err) {
			w.Close()
			return err
		}
	}
}

func canceled(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
