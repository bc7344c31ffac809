// Package transport is the worker-to-worker connection pool (spec.md
// component C2): an inbound listener plus per-socket reader/writer
// goroutines on the accept side, and a backoff-retrying dialer plus
// matching reader/writer pair on the connect side. Every connection
// begins with an Identify handshake before any user message is
// allowed to flow (spec.md §4.2).
/*
 * Adapted from the aistore project's transport package's stream
 * abstraction, reworked from an HTTP object stream onto raw framed
 * TCP sockets.
 */
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/wire"
)

// maxUnparsedBuffer bounds how much unparsed data a single socket may
// accumulate before the connection is closed (spec.md §4.2: "a read
// that produces more than 10 MiB of unparsed buffer closes the
// connection").
const maxUnparsedBuffer = 10 << 20

// RecvFunc is invoked once per decoded message, from the conn's own
// reader goroutine; callers (the router) must not block in it for
// long since it serializes delivery from that one socket.
type RecvFunc func(*Conn, *wire.Message)

// Conn wraps one TCP socket with a dedicated reader and writer
// goroutine. StreamID is a process-local identifier (never sent on
// the wire) used by the router's external-subscriber table.
type Conn struct {
	StreamID string
	Identity wire.IdentifyPayload
	identified bool
	initiator  bool // true for the dial side, which sends Identify first

	nc    net.Conn
	out   chan *wire.Message
	onMsg RecvFunc
	onClose func(*Conn, error)

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn, onMsg RecvFunc, onClose func(*Conn, error)) *Conn {
	return &Conn{
		StreamID: cos.GenStreamID(),
		nc:       nc,
		out:      make(chan *wire.Message, 256),
		onMsg:    onMsg,
		onClose:  onClose,
		closed:   make(chan struct{}),
	}
}

func (c *Conn) run(ctx context.Context) {
	go c.writeLoop(ctx)
	c.readLoop(ctx)
}

func (c *Conn) readLoop(ctx context.Context) {
	r := bufio.NewReaderSize(c.nc, 64<<10)
	buf := make([]byte, 0, 64<<10)
	chunk := make([]byte, 32<<10)

	var loopErr error
loop:
	for {
		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
			break loop
		default:
		}

		for {
			msg, result, consumed := wire.Decode(buf)
			if result == wire.Incomplete {
				break
			}
			buf = buf[consumed:]
			switch result {
			case wire.Ok:
				msg.InboundStreamID = c.StreamID
				if err := wire.ResolveBody(msg); err != nil {
					nlog.Warningf("transport: stream %s: resolve body kind %d: %v", c.StreamID, msg.KindID, err)
					continue
				}
				c.onMsg(c, msg)
			case wire.ErrBadKind:
				nlog.Warningf("transport: stream %s: unknown kind %d, dropping frame", c.StreamID, msg.KindID)
			case wire.ErrMalformed:
				loopErr = errMalformedFrame
				break loop
			}
		}
		if len(buf) > maxUnparsedBuffer {
			loopErr = errFrameTooLarge
			break loop
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			loopErr = err
			break loop
		}
	}
	c.close(loopErr)
}

func (c *Conn) writeLoop(ctx context.Context) {
	w := bufio.NewWriterSize(c.nc, 64<<10)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if err := wire.Marshal(msg); err != nil {
				nlog.Errorf("transport: stream %s: marshal kind %d: %v", c.StreamID, msg.KindID, err)
				continue
			}
			frame, err := msg.Encode()
			if err != nil {
				nlog.Errorf("transport: stream %s: encode kind %d: %v", c.StreamID, msg.KindID, err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				c.close(err)
				return
			}
			if len(c.out) == 0 {
				if err := w.Flush(); err != nil {
					c.close(err)
					return
				}
			}
		}
	}
}

// Send enqueues msg for the writer goroutine. It never blocks past
// the outbound queue's capacity; a full queue indicates a wedged peer
// and the caller (pipe.Pipe) is expected to apply its own deadline
// around this call.
func (c *Conn) Send(msg *wire.Message) {
	select {
	case c.out <- msg:
	case <-c.closed:
	}
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
		if c.onClose != nil {
			c.onClose(c, err)
		}
	})
}

func (c *Conn) Close() { c.close(nil) }
