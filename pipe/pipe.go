// Package pipe implements the bidirectional typed channel described
// in spec.md component C4: a send half and a receive half over Go
// channels, with a bounded send deadline, request/reply matching by
// reply kind, and default addressing decoration.
/*
 * Adapted from original_source's handlers/message_handler/comms.rs
 * Pipe type, translated from tokio mpsc channels + select! to Go
 * channels + context.
 */
package pipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/wire"
)

// sendDeadline bounds how long Send blocks for channel capacity
// before giving up (spec.md §4.4 "Send-with-deadline").
const sendDeadline = 60 * time.Second

// Pipe is a bidirectional channel: Send writes to out, Recv reads
// from in. sentFromQueryID/sentFromOperationID are stamped on every
// outgoing message when set (spec.md glossary: the wire's
// sent_from_pipeline_id field carries the query id — "pipeline" and
// "query" name the same id in this system).
type Pipe struct {
	out          chan<- *wire.Message
	in           <-chan *wire.Message

	mu                  sync.RWMutex
	sentFromQueryID     cos.UUID128
	sentFromOperationID cos.UUID128
}

// New creates a connected pair of pipes: p1's out feeds p2's in and
// vice versa, mirroring comms.rs's Pipe::new.
func New(size int) (p1, p2 *Pipe) {
	a := make(chan *wire.Message, size)
	b := make(chan *wire.Message, size)
	p1 = &Pipe{out: a, in: b}
	p2 = &Pipe{out: b, in: a}
	return p1, p2
}

// NewWithExistingSender builds one pipe whose outbound channel is the
// caller-supplied sink (e.g. a fan-in channel feeding the router),
// returning a fresh channel for delivering inbound messages to it.
// Mirrors comms.rs's Pipe::new_with_existing_sender (used when
// multiple operator pipes must feed one shared router inbox).
func NewWithExistingSender(sink chan<- *wire.Message, size int) (p *Pipe, inboundFeed chan<- *wire.Message) {
	in := make(chan *wire.Message, size)
	return &Pipe{out: sink, in: in}, in
}

func (p *Pipe) SetSentFromQueryID(id cos.UUID128) *Pipe {
	p.mu.Lock()
	p.sentFromQueryID = id
	p.mu.Unlock()
	return p
}

func (p *Pipe) SetSentFromOperationID(id cos.UUID128) *Pipe {
	p.mu.Lock()
	p.sentFromOperationID = id
	p.mu.Unlock()
	return p
}

func (p *Pipe) decorate(msg *wire.Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sentFromQueryID != cos.Nil && msg.From.Pipeline == cos.Nil {
		msg.From.Pipeline = p.sentFromQueryID
	}
	if p.sentFromOperationID != cos.Nil && msg.From.Operation == cos.Nil {
		msg.From.Operation = p.sentFromOperationID
	}
}

// Send blocks up to sendDeadline for channel capacity (spec.md §4.4).
func (p *Pipe) Send(ctx context.Context, msg *wire.Message) error {
	p.decorate(msg)
	timer := time.NewTimer(sendDeadline)
	defer timer.Stop()
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("pipe: timed out waiting to send message (kind %d) after %s", msg.KindID, sendDeadline)
	}
}

// SendAll is the comms.rs send_all convenience: best-effort fan-out,
// bailing on the first error.
func (p *Pipe) SendAll(ctx context.Context, msgs []*wire.Message) error {
	for _, msg := range msgs {
		if err := p.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Recv blocks until a message arrives, ctx is canceled, or the pipe's
// inbound channel is closed (ok=false).
func (p *Pipe) Recv(ctx context.Context) (msg *wire.Message, ok bool) {
	select {
	case msg, ok = <-p.in:
		return msg, ok
	case <-ctx.Done():
		return nil, false
	}
}

var (
	ErrTimeout  = fmt.Errorf("pipe: send_request timed out waiting for a reply")
	ErrMismatch = fmt.Errorf("pipe: send_request received a reply of the wrong kind")
)

// SendRequest sends msg and blocks until the next message of kind
// expectKind arrives on this pipe, timeout elapses, or ctx is
// canceled (spec.md §4.4 "Send request"). Messages of any other kind
// seen while waiting are discarded. The reply is matched by kind only,
// not by the request's msg id, so two overlapping requests expecting
// the same reply kind on one pipe can each receive the other's reply.
func (p *Pipe) SendRequest(ctx context.Context, msg *wire.Message, expectKind uint16, timeout time.Duration) (*wire.Message, error) {
	if err := p.Send(ctx, msg); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case reply, ok := <-p.in:
			if !ok {
				return nil, ErrMismatch
			}
			if reply.KindID != expectKind {
				continue
			}
			return reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		}
	}
}
