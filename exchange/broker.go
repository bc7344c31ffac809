// Package exchange implements the exchange protocol (spec.md
// component C7): a per-operator-instance broker that buffers record
// batches from one upstream producer operator and hands them to
// downstream consumer operators with at-least-once delivery and
// explicit backpressure.
/*
 * The retrieval pack's original_source carries no exchange operator
 * implementation (see DESIGN.md), so Broker is built directly from
 * spec.md §4.7 and the backpressure/eviction invariants of §8.
 */
package exchange

import (
	"sync"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/stats"
)

// DefaultCapacity bounds the number of unevicted records a Broker
// holds at once (spec.md §4.7 "caps its buffer at a configured entry
// count"; §9 Open Question: the source never chose one, so this is
// the implementer's choice).
const DefaultCapacity = 256

type record struct {
	offset   int64
	id       cos.UUID128
	batch    recbatch.Batch
	ackedBy  map[cos.UUID128]bool
}

// Broker is the exchange's in-memory state for one exchange operator
// instance. sourceOperatorID names the single upstream producer
// operator this plan shape allows (planner.Operator.SourceOperatorID);
// Broker is otherwise independent of the wire/router layer so it can
// be tested without a running process.
type Broker struct {
	mu               sync.Mutex
	capacity         int
	sourceOperatorID string

	nextOffset   int64
	records      []*record
	registered   map[cos.UUID128]bool
	consumerNext map[cos.UUID128]int64
	sourceDrained bool

	stats *stats.Collector
}

func NewBroker(sourceOperatorID string, capacity int, c *stats.Collector) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broker{
		capacity:         capacity,
		sourceOperatorID: sourceOperatorID,
		registered:       make(map[cos.UUID128]bool),
		consumerNext:     make(map[cos.UUID128]int64),
		stats:            c,
	}
}

// Put admits one producer-delivered record. accepted is false with
// bufferFull true when the buffer is at capacity; the producer must
// retry (spec.md §4.7 "never silently drop records").
func (b *Broker) Put(recordID cos.UUID128, batch recbatch.Batch) (accepted, bufferFull bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.capacity {
		return false, true
	}
	b.records = append(b.records, &record{
		offset:  b.nextOffset,
		id:      recordID,
		batch:   batch,
		ackedBy: make(map[cos.UUID128]bool),
	})
	b.nextOffset++
	b.stats.SetExchangeBuffered(len(b.records))
	return true, false
}

// Outcome discriminates GetNextRecord's three possible results.
type Outcome int

const (
	// OutcomeRecord: a batch is ready for this consumer.
	OutcomeRecord Outcome = iota
	// OutcomeNoneLeft: the source has drained and nothing remains
	// unacked for this consumer — it should stop asking.
	OutcomeNoneLeft
	// OutcomeWait: nothing ready yet, but the source has not drained;
	// the consumer should retry.
	OutcomeWait
)

// GetNextRecord returns the oldest record at or beyond this
// consumer's next_expected_offset that it has not yet acked (spec.md
// §4.7). Calling it registers consumerID so future evictions wait for
// its ack too.
func (b *Broker) GetNextRecord(consumerID cos.UUID128) (Outcome, cos.UUID128, recbatch.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[consumerID] = true

	next := b.consumerNext[consumerID]
	for _, r := range b.records {
		if r.offset < next || r.ackedBy[consumerID] {
			continue
		}
		return OutcomeRecord, r.id, r.batch
	}
	if b.sourceDrained {
		return OutcomeNoneLeft, cos.Nil, recbatch.Batch{}
	}
	return OutcomeWait, cos.Nil, recbatch.Batch{}
}

// Ack moves recordID into consumerID's completed set (idempotent: a
// repeat ack for an already-acked record is a no-op, spec.md §8
// "does not double-evict"). Once every consumer that has ever called
// GetNextRecord has acked a record, it is evicted.
func (b *Broker) Ack(consumerID, recordID cos.UUID128) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.records {
		if r.id != recordID {
			continue
		}
		if r.ackedBy[consumerID] {
			return
		}
		r.ackedBy[consumerID] = true
		if r.offset >= b.consumerNext[consumerID] {
			b.consumerNext[consumerID] = r.offset + 1
		}
		if b.allRegisteredAcked(r) {
			b.records = append(b.records[:i], b.records[i+1:]...)
			b.stats.IncExchangeEvicted(1)
			b.stats.SetExchangeBuffered(len(b.records))
		}
		return
	}
}

func (b *Broker) allRegisteredAcked(r *record) bool {
	for consumerID := range b.registered {
		if !r.ackedBy[consumerID] {
			return false
		}
	}
	return true
}

// MarkSourceDrained records that sourceOperatorID has completed
// (spec.md §4.7 "OperatorStatusChange::Completed"); subsequent
// GetNextRecord calls that would otherwise wait now answer NoneLeft
// once nothing unacked remains.
func (b *Broker) MarkSourceDrained(operatorID string) {
	if operatorID != b.sourceOperatorID {
		return
	}
	b.mu.Lock()
	b.sourceDrained = true
	b.mu.Unlock()
}

func (b *Broker) SourceDrained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sourceDrained
}

// Empty reports whether the buffer holds no unevicted records. The
// exchange Task and the operator host do not call it.
func (b *Broker) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records) == 0
}

// Shutdown drops the buffer (spec.md §4.7 "Shutdown::Immediate causes
// the exchange to ... drop the buffer").
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}
