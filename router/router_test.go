package router

import (
	"testing"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/wire"
)

func TestDeliverExactOnlyReachesMatchingSubscriber(t *testing.T) {
	local := cos.NewUUID128()
	r := New(local)

	opA := cos.NewUUID128()
	opB := cos.NewUUID128()
	var gotA, gotB int

	r.AddInternalSubscriber(&InternalSubscriber{
		ID:       opA,
		Consumes: func(*wire.Message) bool { return false },
		Deliver:  func(*wire.Message) { gotA++ },
	})
	r.AddInternalSubscriber(&InternalSubscriber{
		ID:       opB,
		Consumes: func(*wire.Message) bool { return false },
		Deliver:  func(*wire.Message) { gotB++ },
	})

	msg := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	msg.To = wire.RouteTo{Operation: opA}

	if !r.Send(msg) {
		t.Fatal("expected message to be routed")
	}
	if gotA != 1 || gotB != 0 {
		t.Fatalf("gotA=%d gotB=%d, want 1,0", gotA, gotB)
	}
}

func TestBroadcastReachesAllConsumingSubscribers(t *testing.T) {
	local := cos.NewUUID128()
	r := New(local)

	var count int
	for i := 0; i < 3; i++ {
		r.AddInternalSubscriber(&InternalSubscriber{
			ID:       cos.NewUUID128(),
			Consumes: func(*wire.Message) bool { return true },
			Deliver:  func(*wire.Message) { count++ },
		})
	}
	r.AddInternalSubscriber(&InternalSubscriber{
		ID:       cos.NewUUID128(),
		Consumes: func(*wire.Message) bool { return false },
		Deliver:  func(*wire.Message) { t.Fatal("should not be delivered") },
	})

	msg := wire.NewMessage(wire.KindOperatorInstanceAvailableNotification, wire.OperatorInstanceAvailableNotificationPayload{})
	if !r.Send(msg) {
		t.Fatal("expected broadcast to route to at least one subscriber")
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestRouteToUnknownExternalWorkerIsUndeliverable(t *testing.T) {
	local := cos.NewUUID128()
	r := New(local)

	msg := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	msg.To = wire.RouteTo{Worker: cos.NewUUID128()}

	if r.Send(msg) {
		t.Fatal("expected undeliverable message to report false, not panic or succeed")
	}
}

func TestRouteToLocalWorkerFallsThroughToOperationOrBroadcast(t *testing.T) {
	local := cos.NewUUID128()
	r := New(local)

	var delivered bool
	opID := cos.NewUUID128()
	r.AddInternalSubscriber(&InternalSubscriber{
		ID:       opID,
		Consumes: func(*wire.Message) bool { return false },
		Deliver:  func(*wire.Message) { delivered = true },
	})

	msg := wire.NewMessage(wire.KindPing, wire.PingPayload{})
	msg.To = wire.RouteTo{Worker: local, Operation: opID}

	if !r.Send(msg) {
		t.Fatal("expected message addressed to the local worker + a valid operation id to be delivered")
	}
	if !delivered {
		t.Fatal("expected the matching internal subscriber to receive the message")
	}
}
