package exchange

import (
	"context"

	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/operator"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/stats"
	"github.com/chapterhouse/distqe/wire"
)

// Task is the operator.Task registered under kind "exchange" (spec.md
// §4.9 operator catalog). One Task per exchange operator instance,
// backed by its own Broker.
type Task struct {
	stats *stats.Collector
}

// NewTask returns an operator.Factory, matching the scan/materialize
// producer tasks' construction style (worker-level dependencies
// closed over once at registration, not per instance).
func NewTask(c *stats.Collector) func() operator.Task {
	return func() operator.Task { return &Task{stats: c} }
}

// Run services PutRecord/GetNextRecord/CompletedRecordProcessing/
// ExchangeOperatorStatusChangeCompleted until ctx is canceled — the
// host cancels ctx on Shutdown::Immediate (spec.md §4.7), at which
// point Run returns nil so the runtime reports Complete rather than
// Error.
func (t *Task) Run(ctx context.Context, p *pipe.Pipe, assign operator.TaskAssignment) error {
	b := NewBroker(assign.SourceOperatorID, DefaultCapacity, t.stats)

	for {
		msg, ok := p.Recv(ctx)
		if !ok {
			b.Shutdown()
			return nil
		}
		switch msg.KindID {
		case wire.KindPutRecord:
			t.handlePut(ctx, p, b, msg)
		case wire.KindGetNextRecord:
			t.handleGetNext(ctx, p, b, msg)
		case wire.KindCompletedRecordProcessing:
			t.handleAck(b, msg)
		case wire.KindExchangeOperatorStatusChangeCompleted:
			if body, ok := msg.Body.(*wire.ExchangeOperatorStatusChangeCompletedPayload); ok {
				b.MarkSourceDrained(body.OperatorID)
			}
		default:
			nlog.Warningf("exchange: instance %s ignoring kind=%d", assign.InstanceID, msg.KindID)
		}
	}
}

func (t *Task) handlePut(ctx context.Context, p *pipe.Pipe, b *Broker, msg *wire.Message) {
	body, ok := msg.Body.(*wire.PutRecordPayload)
	if !ok {
		return
	}
	batch, err := recbatch.Unmarshal(body.Data)
	if err != nil {
		nlog.Warningf("exchange: bad record payload from %s: %v", body.ProducerOperatorID, err)
		return
	}
	accepted, bufferFull := b.Put(body.RecordID, batch)
	reply := wire.NewMessage(wire.KindPutRecordResponse, &wire.PutRecordResponsePayload{
		Accepted:   accepted,
		BufferFull: bufferFull,
	}).ReplyTo(msg)
	if err := p.Send(ctx, reply); err != nil {
		nlog.Warningf("exchange: send PutRecordResponse: %v", err)
	}
}

func (t *Task) handleGetNext(ctx context.Context, p *pipe.Pipe, b *Broker, msg *wire.Message) {
	body, ok := msg.Body.(*wire.GetNextRecordPayload)
	if !ok {
		return
	}
	resp := &wire.GetNextRecordResponsePayload{}
	switch outcome, recordID, batch := b.GetNextRecord(body.ConsumerOperatorID); outcome {
	case OutcomeRecord:
		data, err := recbatch.Marshal(batch)
		if err != nil {
			nlog.Warningf("exchange: marshal record %s: %v", recordID, err)
			return
		}
		resp.RecordID = recordID
		resp.Data = data
	case OutcomeNoneLeft:
		resp.NoneLeft = true
	case OutcomeWait:
		// Zero-value response: not NoneLeft and no RecordID means
		// "nothing ready, retry" — the consumer-side loop polls again.
	}
	reply := wire.NewMessage(wire.KindGetNextRecordResponse, resp).ReplyTo(msg)
	if err := p.Send(ctx, reply); err != nil {
		nlog.Warningf("exchange: send GetNextRecordResponse: %v", err)
	}
}

func (t *Task) handleAck(b *Broker, msg *wire.Message) {
	body, ok := msg.Body.(*wire.CompletedRecordProcessingPayload)
	if !ok {
		return
	}
	b.Ack(body.ConsumerOperatorID, body.RecordID)
}
