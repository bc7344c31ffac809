package exchange

import (
	"testing"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/recbatch"
)

func oneRowBatch(v int) recbatch.Batch {
	return recbatch.Batch{Columns: []recbatch.Column{{Name: "x", Values: []any{v}}}}
}

func TestPutRejectsOnceCapacityReached(t *testing.T) {
	b := NewBroker("op_producer", 2, nil)
	for i := 0; i < 2; i++ {
		accepted, full := b.Put(cos.NewUUID128(), oneRowBatch(i))
		if !accepted || full {
			t.Fatalf("put %d: accepted=%v full=%v, want accepted", i, accepted, full)
		}
	}
	accepted, full := b.Put(cos.NewUUID128(), oneRowBatch(2))
	if accepted || !full {
		t.Fatalf("third put: accepted=%v full=%v, want rejected+full", accepted, full)
	}
}

func TestGetNextRecordDeliversInOrderAndWaitsWithoutDrain(t *testing.T) {
	b := NewBroker("op_producer", 8, nil)
	id1 := cos.NewUUID128()
	b.Put(id1, oneRowBatch(1))

	consumer := cos.NewUUID128()
	outcome, gotID, _ := b.GetNextRecord(consumer)
	if outcome != OutcomeRecord || gotID != id1 {
		t.Fatalf("outcome=%v gotID=%v, want OutcomeRecord/%v", outcome, gotID, id1)
	}

	// Same record is re-delivered until acked (at-least-once).
	outcome, gotID, _ = b.GetNextRecord(consumer)
	if outcome != OutcomeRecord || gotID != id1 {
		t.Fatalf("repeat get: outcome=%v gotID=%v, want same unacked record", outcome, gotID)
	}

	b.Ack(consumer, id1)
	outcome, _, _ = b.GetNextRecord(consumer)
	if outcome != OutcomeWait {
		t.Fatalf("after ack with source not drained: outcome=%v, want OutcomeWait", outcome)
	}

	b.MarkSourceDrained("op_producer")
	outcome, _, _ = b.GetNextRecord(consumer)
	if outcome != OutcomeNoneLeft {
		t.Fatalf("after drain: outcome=%v, want OutcomeNoneLeft", outcome)
	}
}

func TestAckIsIdempotentAndEvictsOnlyOnceAllRegisteredConsumersAck(t *testing.T) {
	b := NewBroker("op_producer", 8, nil)
	recordID := cos.NewUUID128()
	b.Put(recordID, oneRowBatch(7))

	c1, c2 := cos.NewUUID128(), cos.NewUUID128()
	// Register both consumers by having each fetch once.
	if outcome, _, _ := b.GetNextRecord(c1); outcome != OutcomeRecord {
		t.Fatal("c1 should see the record")
	}
	if outcome, _, _ := b.GetNextRecord(c2); outcome != OutcomeRecord {
		t.Fatal("c2 should see the record")
	}

	b.Ack(c1, recordID)
	if b.Empty() {
		t.Fatal("buffer should not be empty until every registered consumer acks")
	}
	// Repeat ack for c1 is a no-op.
	b.Ack(c1, recordID)
	if b.Empty() {
		t.Fatal("still should not be empty after a duplicate ack")
	}

	b.Ack(c2, recordID)
	if !b.Empty() {
		t.Fatal("buffer should be empty once all registered consumers have acked")
	}
}

func TestMarkSourceDrainedIgnoresUnrelatedOperator(t *testing.T) {
	b := NewBroker("op_producer", 8, nil)
	b.MarkSourceDrained("op_unrelated")
	if b.SourceDrained() {
		t.Fatal("drained flag should only flip for the declared source operator")
	}
	b.MarkSourceDrained("op_producer")
	if !b.SourceDrained() {
		t.Fatal("drained flag should flip for the declared source operator")
	}
}

func TestShutdownDropsBuffer(t *testing.T) {
	b := NewBroker("op_producer", 8, nil)
	b.Put(cos.NewUUID128(), oneRowBatch(1))
	if b.Empty() {
		t.Fatal("setup: expected a buffered record")
	}
	b.Shutdown()
	if !b.Empty() {
		t.Fatal("Shutdown should drop the buffer")
	}
}
