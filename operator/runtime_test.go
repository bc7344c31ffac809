package operator

import (
	"context"
	"testing"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/router"
	"github.com/chapterhouse/distqe/wire"
)

// probe is a minimal InternalSubscriber that records every message
// routed to it, standing in for a query-handler or client peer.
type probe struct {
	id   cos.UUID128
	recv chan *wire.Message
}

func newProbe(r *router.Router) *probe {
	p := &probe{id: cos.NewUUID128(), recv: make(chan *wire.Message, 32)}
	r.AddInternalSubscriber(&router.InternalSubscriber{
		ID:       p.id,
		Consumes: func(*wire.Message) bool { return true },
		Deliver:  func(msg *wire.Message) { p.recv <- msg },
	})
	return p
}

func (p *probe) expect(t *testing.T, kind uint16) *wire.Message {
	t.Helper()
	select {
	case msg := <-p.recv:
		if msg.KindID != kind {
			t.Fatalf("got kind=%d, want %d", msg.KindID, kind)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for kind=%d", kind)
		return nil
	}
}

func TestHandleNotificationRepliesWithRemainingCapacity(t *testing.T) {
	workerID := cos.NewUUID128()
	r := router.New(workerID)
	qh := newProbe(r)

	rt := New(workerID, r, wire.Compute{Instances: 4, MemoryMiB: 2048, CPUThousandths: 4000}, NewRegistry())

	queryID := cos.NewUUID128()
	notify := wire.NewMessage(wire.KindOperatorInstanceAvailableNotification, &wire.OperatorInstanceAvailableNotificationPayload{QueryID: queryID})
	notify.From.Worker = workerID
	notify.From.Operation = qh.id
	if err := wire.Marshal(notify); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := wire.ResolveBody(notify); err != nil {
		t.Fatalf("ResolveBody: %v", err)
	}
	r.Send(notify)

	resp := qh.expect(t, wire.KindOperatorInstanceAvailableNotificationResponse)
	if err := wire.ResolveBody(resp); err != nil {
		t.Fatalf("ResolveBody resp: %v", err)
	}
	body := resp.Body.(*wire.OperatorInstanceAvailableNotificationResponsePayload)
	if body.QueryID != queryID || body.WorkerID != workerID {
		t.Errorf("body = %+v", body)
	}
	want := wire.Compute{Instances: 4, MemoryMiB: 2048, CPUThousandths: 4000}
	if body.Remaining != want {
		t.Errorf("Remaining = %+v, want %+v", body.Remaining, want)
	}
	_ = rt
}

type noopTask struct{ blockUntilCanceled bool }

func (n *noopTask) Run(ctx context.Context, p *pipe.Pipe, assign TaskAssignment) error {
	if n.blockUntilCanceled {
		<-ctx.Done()
	}
	return nil
}

func TestHandleAssignAcceptsWithinBudgetAndReportsComplete(t *testing.T) {
	workerID := cos.NewUUID128()
	r := router.New(workerID)
	qh := newProbe(r)

	registry := NewRegistry()
	registry.Register("materialize", func() Task { return &noopTask{} })
	New(workerID, r, wire.Compute{Instances: 2, MemoryMiB: 1024, CPUThousandths: 1000}, registry)

	instanceID := cos.NewUUID128()
	assign := wire.NewMessage(wire.KindOperatorInstanceAssign, &wire.OperatorInstanceAssignPayload{
		QueryID:      cos.NewUUID128(),
		OperatorID:   "op_materialize",
		OperatorKind: "materialize",
		InstanceID:   instanceID,
		Cost:         wire.Compute{Instances: 1, MemoryMiB: 256, CPUThousandths: 150},
	})
	assign.From.Worker = workerID
	assign.From.Operation = qh.id
	assign.To.Worker = workerID
	mustPrepare(t, assign)
	r.Send(assign)

	accepted := qh.expect(t, wire.KindOperatorInstanceAssignAccepted)
	mustResolve(t, accepted)
	if accepted.Body.(*wire.OperatorInstanceAssignAcceptedPayload).InstanceID != instanceID {
		t.Error("accepted for wrong instance")
	}

	complete := qh.expect(t, wire.KindOperatorInstanceStatusChangeComplete)
	mustResolve(t, complete)
	if complete.Body.(*wire.OperatorInstanceStatusChangeCompletePayload).InstanceID != instanceID {
		t.Error("complete for wrong instance")
	}
}

func TestHandleAssignRejectsWhenBudgetInsufficient(t *testing.T) {
	workerID := cos.NewUUID128()
	r := router.New(workerID)
	qh := newProbe(r)

	registry := NewRegistry()
	registry.Register("scan", func() Task { return &noopTask{} })
	New(workerID, r, wire.Compute{Instances: 1, MemoryMiB: 64, CPUThousandths: 64}, registry)

	assign := wire.NewMessage(wire.KindOperatorInstanceAssign, &wire.OperatorInstanceAssignPayload{
		QueryID:      cos.NewUUID128(),
		OperatorID:   "op_producer",
		OperatorKind: "scan",
		InstanceID:   cos.NewUUID128(),
		Cost:         wire.Compute{Instances: 1, MemoryMiB: 4096, CPUThousandths: 2000},
	})
	assign.From.Worker = workerID
	assign.From.Operation = qh.id
	assign.To.Worker = workerID
	mustPrepare(t, assign)
	r.Send(assign)

	rejected := qh.expect(t, wire.KindOperatorInstanceAssignRejected)
	mustResolve(t, rejected)
}

func TestShutdownImmediateCancelsBlockedTask(t *testing.T) {
	workerID := cos.NewUUID128()
	r := router.New(workerID)
	qh := newProbe(r)

	registry := NewRegistry()
	registry.Register("exchange", func() Task { return &noopTask{blockUntilCanceled: true} })
	New(workerID, r, wire.Compute{Instances: 2, MemoryMiB: 1024, CPUThousandths: 1000}, registry)

	instanceID := cos.NewUUID128()
	assign := wire.NewMessage(wire.KindOperatorInstanceAssign, &wire.OperatorInstanceAssignPayload{
		QueryID:      cos.NewUUID128(),
		OperatorID:   "op_exchange",
		OperatorKind: "exchange",
		InstanceID:   instanceID,
		Cost:         wire.Compute{Instances: 1, MemoryMiB: 128, CPUThousandths: 100},
	})
	assign.From.Worker = workerID
	assign.From.Operation = qh.id
	assign.To.Worker = workerID
	mustPrepare(t, assign)
	r.Send(assign)
	qh.expect(t, wire.KindOperatorInstanceAssignAccepted)

	shutdown := wire.NewMessage(wire.KindOperatorShutdownImmediate, &wire.OperatorShutdownImmediatePayload{InstanceID: instanceID})
	shutdown.To.Operation = instanceID
	mustPrepare(t, shutdown)
	r.Send(shutdown)

	qh.expect(t, wire.KindOperatorInstanceStatusChangeComplete)
}

func mustPrepare(t *testing.T, msg *wire.Message) {
	t.Helper()
	if err := wire.Marshal(msg); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	mustResolve(t, msg)
}

func mustResolve(t *testing.T, msg *wire.Message) {
	t.Helper()
	if err := wire.ResolveBody(msg); err != nil {
		t.Fatalf("ResolveBody: %v", err)
	}
}
