package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/wire"
)

// OnIdentify is invoked once a peer's Identify handshake completes
// (spec.md §4.2); the router uses it to populate the external
// subscriber table.
type OnIdentify func(c *Conn)

// OnDisconnect is invoked once a connection's socket closes for any
// reason, so the router can drop the corresponding external
// subscriber entry.
type OnDisconnect func(c *Conn, err error)

type Pool struct {
	localID   cos.UUID128
	secret    string
	onMsg     RecvFunc
	onIdentify OnIdentify
	onDisconnect OnDisconnect

	mu    sync.Mutex
	conns map[string]*Conn

	ln net.Listener
}

func NewPool(localID cos.UUID128, clusterSecret string, onMsg RecvFunc, onIdentify OnIdentify, onDisconnect OnDisconnect) *Pool {
	return &Pool{
		localID:      localID,
		secret:       clusterSecret,
		onMsg:        onMsg,
		onIdentify:   onIdentify,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*Conn),
	}
}

// Serve binds addr and accepts inbound connections until ctx is
// canceled or Close is called.
func (p *Pool) Serve(ctx context.Context, addr string) error {
	ln, err := listen(addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	p.ln = ln
	nlog.Infof("transport: listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				nlog.Warningf("transport: accept: %v", err)
				return err
			}
		}
		c := p.register(nc)
		go p.runAccepted(ctx, c)
	}
}

func (p *Pool) runAccepted(ctx context.Context, c *Conn) {
	// The accepting side waits for the peer's Identify and replies
	// with its own before anything else is allowed through (spec.md
	// §4.2); onMsg's wrapper below enforces that gate per-stream.
	c.run(ctx)
}

// Dial opens an outbound connection to addr, retrying with jittered
// exponential backoff (250ms up to 8s) until ctx is canceled.
// Identify is sent first, with the given kind (wire.IdentifyWorker for
// a peer worker dial, wire.IdentifyConnection for a client); Dial
// returns once its own Identify is queued, without waiting for the
// peer's Identify, which arrives later through onIdentify.
func (p *Pool) Dial(ctx context.Context, addr string, kind wire.IdentifyKind) (*Conn, error) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 8 * time.Second

	for {
		nc, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", addr)
		if err == nil {
			c := p.register(nc)
			c.initiator = true
			go c.run(ctx)
			if err := p.sendIdentify(c, kind, p.localID); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (p *Pool) sendIdentify(c *Conn, kind wire.IdentifyKind, id cos.UUID128) error {
	payload := wire.IdentifyPayload{Kind: kind, ID: id}
	if p.secret != "" {
		tok, err := signIdentity(id, p.secret)
		if err != nil {
			return fmt.Errorf("transport: sign identity: %w", err)
		}
		payload.Token = tok
	}
	msg := wire.NewMessage(wire.KindIdentify, payload)
	msg.From = wire.Addr{Worker: id}
	c.Send(msg)
	return nil
}

func (p *Pool) register(nc net.Conn) *Conn {
	c := newConn(nc, p.wrapRecv, p.unregister)
	p.mu.Lock()
	p.conns[c.StreamID] = c
	p.mu.Unlock()
	return c
}

func (p *Pool) unregister(c *Conn, err error) {
	p.mu.Lock()
	delete(p.conns, c.StreamID)
	p.mu.Unlock()
	if p.onDisconnect != nil {
		p.onDisconnect(c, err)
	}
}

// wrapRecv intercepts Identify frames before handing anything else to
// the router, and replies with the local identity on first contact.
func (p *Pool) wrapRecv(c *Conn, msg *wire.Message) {
	if msg.KindID == wire.KindIdentify {
		var payload wire.IdentifyPayload
		if p, ok := msg.Body.(*wire.IdentifyPayload); ok {
			payload = *p
		}
		if payload.Token != "" && p.secret != "" {
			if err := verifyIdentity(payload.Token, payload.ID, p.secret); err != nil {
				nlog.Warningf("transport: stream %s: %v; closing", c.StreamID, err)
				c.Close()
				return
			}
		}
		c.Identity = payload
		c.identified = true
		if !c.initiator {
			_ = p.sendIdentify(c, wire.IdentifyWorker, p.localID)
		}
		if p.onIdentify != nil {
			p.onIdentify(c)
		}
		return
	}
	if !c.identified {
		nlog.Warningf("transport: stream %s: message kind %d before Identify, dropping", c.StreamID, msg.KindID)
		return
	}
	p.onMsg(c, msg)
}

func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}
}
