package operator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/router"
	"github.com/chapterhouse/distqe/wire"
)

// shutdownGrace bounds how long the host waits for a task to unwind
// after Shutdown::Immediate before reporting Error anyway (spec.md
// §4.6 "waits up to 30 s for the subtree").
const shutdownGrace = 30 * time.Second

// host is the per-instance supervisor described in spec.md §4.6's
// "Operator host loop": it owns the instance's internal-subscriber
// registration, hands Ping off locally, forwards everything else to
// the running Task, and reports the terminal OperatorInstanceStatusChange
// once the task stops.
type host struct {
	rt          *Runtime
	assign      *wire.OperatorInstanceAssignPayload
	cost        wire.Compute
	qhFrom      wire.Addr // the Assign message's sent_from: where to report status back to
	cancel      context.CancelFunc
	shutdownReq chan struct{}
	outbound    chan *wire.Message
}

func (rt *Runtime) spawnHost(assign *wire.OperatorInstanceAssignPayload, cost wire.Compute, task Task, qhFrom wire.Addr) *host {
	outbound := make(chan *wire.Message, 32)
	taskPipe, inboundFeed := pipe.NewWithExistingSender(outbound, 32)

	h := &host{
		rt:          rt,
		assign:      assign,
		cost:        cost,
		qhFrom:      qhFrom,
		shutdownReq: make(chan struct{}),
		outbound:    outbound,
	}

	rt.router.AddInternalSubscriber(&router.InternalSubscriber{
		ID: assign.InstanceID,
		Consumes: func(msg *wire.Message) bool {
			if msg.To.Operation == assign.InstanceID {
				return true
			}
			// ExchangeOperatorStatusChangeCompleted is broadcast
			// cluster-wide (no single route_to_operation_id target);
			// every exchange instance must see it to know whether its
			// one declared upstream has drained (spec.md §4.7
			// "Operator status change"). The precise operator/query
			// match is checked in Deliver, once the body is resolved —
			// a message arriving from a remote worker has no typed
			// Body yet at Consumes time.
			return msg.KindID == wire.KindExchangeOperatorStatusChangeCompleted && assign.SourceOperatorID != ""
		},
		Deliver: func(msg *wire.Message) {
			if msg.Body == nil {
				if err := wire.ResolveBody(msg); err != nil {
					nlog.Warningf("operator: instance %s dropping unparseable kind=%d: %v", assign.InstanceID, msg.KindID, err)
					return
				}
			}
			switch msg.KindID {
			case wire.KindPing:
				pong := wire.NewMessage(wire.KindPong, &wire.PongPayload{WorkerID: rt.workerID}).ReplyTo(msg)
				pong.From.Operation = assign.InstanceID
				rt.router.Send(pong)
			case wire.KindOperatorShutdownImmediate:
				close(h.shutdownReq)
			case wire.KindExchangeOperatorStatusChangeCompleted:
				body, ok := msg.Body.(*wire.ExchangeOperatorStatusChangeCompletedPayload)
				if !ok || body.QueryID != assign.QueryID || body.OperatorID != assign.SourceOperatorID {
					return
				}
				select {
				case inboundFeed <- msg:
				default:
					nlog.Warningf("operator: instance %s task inbox full, dropping kind=%d", assign.InstanceID, msg.KindID)
				}
			default:
				select {
				case inboundFeed <- msg:
				default:
					nlog.Warningf("operator: instance %s task inbox full, dropping kind=%d", assign.InstanceID, msg.KindID)
				}
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return task.Run(gctx, taskPipe, TaskAssignment{
			QueryID:            assign.QueryID,
			InstanceID:         assign.InstanceID,
			OperatorID:         assign.OperatorID,
			OperatorKind:       assign.OperatorKind,
			SourceOperatorID:   assign.SourceOperatorID,
			OutboundExchangeID: assign.OutboundExchangeID,
			Params:             assign.Params,
			WorkerID:           rt.workerID,
			QueryHandler:       qhFrom,
		})
	})

	// Drains everything the task sends on taskPipe out to the router,
	// filling in the From defaults a reply built via ReplyTo never
	// sets itself. Exits once superviseHost closes h.outbound.
	go func() {
		for msg := range outbound {
			if msg.From.Worker == cos.Nil {
				msg.From.Worker = rt.workerID
			}
			if msg.From.Operation == cos.Nil {
				msg.From.Operation = assign.InstanceID
			}
			if !rt.router.Send(msg) {
				nlog.Infof("operator: instance %s message kind=%d had no deliverable route", assign.InstanceID, msg.KindID)
			}
		}
	}()

	go rt.superviseHost(h, g)
	return h
}

// superviseHost waits on the task's errgroup, tearing the instance
// down once it exits on its own or once Shutdown::Immediate arrives —
// whichever comes first — then reports the terminal status upstream.
func (rt *Runtime) superviseHost(h *host, g *errgroup.Group) {
	defer h.cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var taskErr error
	select {
	case taskErr = <-done:
	case <-h.shutdownReq:
		h.cancel()
		select {
		case taskErr = <-done:
		case <-time.After(shutdownGrace):
			taskErr = errShutdownTimeout(h.assign.InstanceID)
		}
	}

	close(h.outbound)
	rt.router.RemoveInternalSubscriber(h.assign.InstanceID)
	rt.release(h.assign.InstanceID, h.cost)

	var status *wire.Message
	if taskErr != nil {
		status = wire.NewMessage(wire.KindOperatorInstanceStatusChangeError, &wire.OperatorInstanceStatusChangeErrorPayload{
			InstanceID: h.assign.InstanceID,
			Error:      taskErr.Error(),
		})
	} else {
		status = wire.NewMessage(wire.KindOperatorInstanceStatusChangeComplete, &wire.OperatorInstanceStatusChangeCompletePayload{
			InstanceID: h.assign.InstanceID,
		})
	}
	status.From.Worker = rt.workerID
	status.From.Operation = h.assign.InstanceID
	status.To = wire.RouteTo{Worker: h.qhFrom.Worker, Operation: h.qhFrom.Operation}
	if !rt.router.Send(status) {
		nlog.Warningf("operator: status change for instance %s had no route back to its query handler", h.assign.InstanceID)
	}
}

type shutdownTimeoutError struct{ instanceID cos.UUID128 }

func (e shutdownTimeoutError) Error() string {
	return "operator: instance " + e.instanceID.String() + " did not stop within " + shutdownGrace.String() + " of shutdown"
}

func errShutdownTimeout(instanceID cos.UUID128) error { return shutdownTimeoutError{instanceID} }
