// Package router is the per-worker message router (spec.md component
// C3): it tracks internal subscribers (operator/query-handler pipes
// living in this process) and external subscribers (peer workers and
// client connections reachable over a transport.Conn), and applies
// the five-step routing cascade from spec.md §4.3 to every inbound
// message.
/*
 * Adapted from the aistore project's xact/xreg registry-of-handlers
 * pattern (one process-wide table, looked up by predicate) and
 * original_source's message_router_handler.rs routing cascade.
 */
package router

import (
	"sync"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/transport"
	"github.com/chapterhouse/distqe/wire"
)

// InternalSubscriber is a local consumer of routed messages: an
// operator host, a query handler, or an exchange instance. Consumes
// reports whether msg is meant for this subscriber; it must be cheap
// and non-blocking.
type InternalSubscriber struct {
	ID       cos.UUID128
	Consumes func(msg *wire.Message) bool
	Deliver  func(msg *wire.Message)
}

type externalKind int

const (
	extWorker externalKind = iota
	extConnection
)

type externalSubscriber struct {
	kind externalKind
	id   cos.UUID128
	conn *transport.Conn
}

type Router struct {
	localWorkerID cos.UUID128

	mu        sync.RWMutex
	internal  []*InternalSubscriber
	external  map[cos.UUID128]*externalSubscriber // keyed by worker id or connection id
	byStream  map[string]cos.UUID128               // stream id -> external identity, for disconnect cleanup
}

func New(localWorkerID cos.UUID128) *Router {
	return &Router{
		localWorkerID: localWorkerID,
		external:      make(map[cos.UUID128]*externalSubscriber),
		byStream:      make(map[string]cos.UUID128),
	}
}

func (r *Router) AddInternalSubscriber(sub *InternalSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.internal = append(r.internal, sub)
}

func (r *Router) RemoveInternalSubscriber(id cos.UUID128) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.internal {
		if sub.ID == id {
			r.internal = append(r.internal[:i], r.internal[i+1:]...)
			return
		}
	}
}

// OnIdentify registers or refreshes the external subscriber table
// entry for a handshake-completed connection (spec.md §4.3 step 1).
func (r *Router) OnIdentify(c *transport.Conn) {
	var kind externalKind
	var id cos.UUID128
	switch c.Identity.Kind {
	case wire.IdentifyWorker:
		kind, id = extWorker, c.Identity.ID
	case wire.IdentifyConnection:
		kind, id = extConnection, c.Identity.ID
	default:
		nlog.Warningf("router: identify with unknown kind %q on stream %s", c.Identity.Kind, c.StreamID)
		return
	}
	r.mu.Lock()
	r.external[id] = &externalSubscriber{kind: kind, id: id, conn: c}
	r.byStream[c.StreamID] = id
	r.mu.Unlock()
	nlog.Infof("router: registered external subscriber %s (%v) on stream %s", id, kind, c.StreamID)
}

// OnDisconnect drops the external subscriber entry for a closed
// stream so that subsequent routing attempts fail closed rather than
// writing into a dead socket.
func (r *Router) OnDisconnect(c *transport.Conn, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byStream[c.StreamID]; ok {
		delete(r.byStream, c.StreamID)
		if sub, ok := r.external[id]; ok && sub.conn == c {
			delete(r.external, id)
		}
	}
}

// Route applies the spec.md §4.3 cascade to one inbound message. It
// is the RecvFunc handed to transport.NewPool.
func (r *Router) Route(_ *transport.Conn, msg *wire.Message) {
	if routed := r.route(msg); !routed {
		nlog.Infof("router: message ignored: kind=%d msg_id=%s", msg.KindID, msg.MsgID)
	}
}

func (r *Router) route(msg *wire.Message) bool {
	if msg.To.Worker != cos.Nil && msg.To.Worker != r.localWorkerID {
		return r.forwardExternal(extWorker, msg.To.Worker, msg)
	}
	if msg.To.Connection != cos.Nil {
		return r.forwardExternal(extConnection, msg.To.Connection, msg)
	}
	if msg.To.Operation != cos.Nil {
		return r.deliverExact(msg.To.Operation, msg)
	}
	return r.broadcast(msg)
}

func (r *Router) forwardExternal(kind externalKind, id cos.UUID128, msg *wire.Message) bool {
	r.mu.RLock()
	sub, ok := r.external[id]
	r.mu.RUnlock()
	if !ok || sub.kind != kind {
		return false
	}
	sub.conn.Send(msg)
	return true
}

func (r *Router) deliverExact(operationID cos.UUID128, msg *wire.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.internal {
		if sub.ID == operationID {
			sub.Deliver(msg)
			return true
		}
	}
	return false
}

func (r *Router) broadcast(msg *wire.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := false
	for _, sub := range r.internal {
		if sub.Consumes(msg) {
			sub.Deliver(msg)
			sent = true
		}
	}
	return sent
}

// Send addresses and dispatches a locally originated message, e.g.
// from a query handler or operator host, reusing the same cascade so
// that local and remote delivery share one code path.
func (r *Router) Send(msg *wire.Message) bool { return r.route(msg) }

// BroadcastToWorkers fans msg out to every worker known to this
// process — including itself, via the internal broadcast cascade —
// and every peer worker reachable over an identified external
// connection. Used for cluster-wide control traffic that spec.md §4.5
// describes as broadcast, such as OperatorInstanceAvailableNotification,
// which has no single To address to route by.
func (r *Router) BroadcastToWorkers(msg *wire.Message) {
	r.broadcast(msg)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.external {
		if sub.kind != extWorker {
			continue
		}
		cp := *msg
		sub.conn.Send(&cp)
	}
}

// KnownWorkerIDs returns every peer worker id currently identified
// over an external connection (not including the local worker).
func (r *Router) KnownWorkerIDs() []cos.UUID128 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []cos.UUID128
	for _, sub := range r.external {
		if sub.kind == extWorker {
			ids = append(ids, sub.id)
		}
	}
	return ids
}
