package queryhandler

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/planner"
	"github.com/chapterhouse/distqe/router"
	"github.com/chapterhouse/distqe/stats"
	"github.com/chapterhouse/distqe/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sender is the subset of *router.Router the handler depends on,
// narrowed for testability.
type sender interface {
	Send(msg *wire.Message) bool
	BroadcastToWorkers(msg *wire.Message)
}

// Handler is the query-handler host (spec.md component C5): one per
// worker process, owning the State arena and reacting to the query
// and operator-instance lifecycle messages routed to it.
/*
 * Adapted from original_source's handlers/query_handler/query_handler.rs
 * message loop, translated from tokio::select! over a Pipe into the
 * router's synchronous internal-subscriber dispatch (spec.md §4.3).
 */
type Handler struct {
	ID            cos.UUID128
	localWorkerID cos.UUID128
	state         *State
	router        sender

	producerInstances int

	// Stats is nil until SetStats is called; every method on a nil
	// *stats.Collector is a no-op, so assignment is optional.
	Stats *stats.Collector
}

// SetStats attaches the worker's metric collector, which workerproc
// calls once after constructing both.
func (h *Handler) SetStats(c *stats.Collector) { h.Stats = c }

// New wires a Handler to router, registering it as an internal
// subscriber that consumes every query-handler-addressed message plus,
// by kind, NotificationResponse, the assignment replies, instance
// status changes, RunQuery and GetQueryStatus (not the Notification
// broadcast itself, which the operator runtime answers). Delivery is
// synchronous from the router's cascade (spec.md §4.3), not mediated
// through a pipe.Pipe — a query handler has exactly one consumer of
// its own inbox, itself, so the extra channel hop comms.rs used to
// decouple producer and consumer goroutines buys nothing here.
func New(localWorkerID cos.UUID128, r *router.Router, producerInstances int) *Handler {
	id := cos.NewUUID128()
	h := &Handler{ID: id, localWorkerID: localWorkerID, state: NewState(), router: r, producerInstances: producerInstances}

	r.AddInternalSubscriber(&router.InternalSubscriber{
		ID:       id,
		Consumes: h.consumes,
		Deliver:  h.deliver,
	})
	return h
}

func (h *Handler) consumes(msg *wire.Message) bool {
	if msg.To.Operation == h.ID {
		return true
	}
	switch msg.KindID {
	case wire.KindOperatorInstanceAvailableNotificationResponse,
		wire.KindOperatorInstanceAssignAccepted,
		wire.KindOperatorInstanceAssignRejected,
		wire.KindOperatorInstanceStatusChangeComplete,
		wire.KindOperatorInstanceStatusChangeError:
		return true
	case wire.KindRunQuery, wire.KindGetQueryStatus:
		// A client addresses these to the worker it is connected to
		// (To.Worker only, To.Operation unset) since it cannot know
		// this handler's id in advance; the router falls through to
		// broadcast() for such messages, so every worker's one
		// query-handler subscriber picks them up here by kind.
		return true
	}
	return false
}

func (h *Handler) deliver(msg *wire.Message) {
	// Body is already typed for same-process messages (constructed via
	// wire.NewMessage and never marshaled); only a message that
	// crossed the wire needs decoding here.
	if msg.Body == nil {
		if err := wire.ResolveBody(msg); err != nil {
			nlog.Warningf("queryhandler: dropping unparseable message kind=%d: %v", msg.KindID, err)
			return
		}
	}
	switch msg.KindID {
	case wire.KindRunQuery:
		h.handleRunQuery(msg)
	case wire.KindGetQueryStatus:
		h.handleGetQueryStatus(msg)
	case wire.KindOperatorInstanceAvailableNotificationResponse:
		h.handleNotificationResponse(msg)
	case wire.KindOperatorInstanceAssignAccepted:
		h.handleAssignAccepted(msg)
	case wire.KindOperatorInstanceAssignRejected:
		h.handleAssignRejected(msg)
	case wire.KindOperatorInstanceStatusChangeComplete:
		h.handleInstanceComplete(msg)
	case wire.KindOperatorInstanceStatusChangeError:
		h.handleInstanceError(msg)
	case wire.KindListOperatorInstancesRequest:
		h.handleListOperatorInstances(msg)
	default:
		nlog.Warningf("queryhandler: no handler for kind=%d", msg.KindID)
	}
}

// handleRunQuery plans sql, seeds the query's operator instance
// groups as Queued, and broadcasts the cluster-wide capacity
// notification (spec.md §4.5 RunQuery).
func (h *Handler) handleRunQuery(msg *wire.Message) {
	body := msg.Body.(*wire.RunQueryPayload)
	reply := wire.NewMessage(wire.KindRunQueryResp, nil).ReplyTo(msg)

	plan, err := planner.Build(body.SQL, h.producerInstances)
	if err != nil {
		reply.Body = &wire.RunQueryRespPayload{Created: false, Error: err.Error()}
		h.send(reply)
		return
	}

	q := NewQuery(body.SQL, plan)
	h.state.AddQuery(q)
	h.Stats.IncQueries()
	nlog.Infof("queryhandler: created query %s (%q)", q.ID, body.SQL)

	reply.Body = &wire.RunQueryRespPayload{Created: true, QueryID: q.ID}
	h.send(reply)

	notify := wire.NewMessage(wire.KindOperatorInstanceAvailableNotification, &wire.OperatorInstanceAvailableNotificationPayload{QueryID: q.ID})
	notify.From.Worker = h.localWorkerID
	notify.From.Operation = h.ID
	h.router.BroadcastToWorkers(notify)
}

func (h *Handler) handleGetQueryStatus(msg *wire.Message) {
	body := msg.Body.(*wire.GetQueryStatusPayload)
	reply := wire.NewMessage(wire.KindGetQueryStatusResp, nil).ReplyTo(msg)

	q, err := h.state.FindQuery(body.QueryID)
	if err != nil {
		reply.Body = &wire.GetQueryStatusRespPayload{Found: false}
		h.send(reply)
		return
	}
	reply.Body = &wire.GetQueryStatusRespPayload{Found: true, Status: statusToWire(q.Status)}
	h.send(reply)
}

func statusToWire(s Status) wire.StatusOnWire {
	out := wire.StatusOnWire{Kind: s.Kind.String(), Error: s.Err}
	if s.Kind == StatusSentShutdown {
		out.Timestamp = s.SentShutdownAt.UnixNano()
	}
	return out
}

// handleNotificationResponse runs the claim pass against this
// response's advertised capacity and sends OperatorInstanceAssign to
// the responding worker for everything claimed (spec.md §4.5).
func (h *Handler) handleNotificationResponse(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceAvailableNotificationResponsePayload)

	claimed, err := h.state.ClaimOperatorInstancesUpToComputeAvailable(body.QueryID, FromWire(body.Remaining))
	if err != nil {
		nlog.Warningf("queryhandler: %v", errors.Wrapf(err, "claim pass for query %s", body.QueryID))
		return
	}

	for _, inst := range claimed {
		group, err := h.state.GroupOf(body.QueryID, inst.ID)
		if err != nil {
			continue
		}
		if err := h.state.SetInstanceWorker(body.QueryID, inst.ID, body.WorkerID); err != nil {
			continue
		}
		assign := wire.NewMessage(wire.KindOperatorInstanceAssign, &wire.OperatorInstanceAssignPayload{
			QueryID:            body.QueryID,
			OperatorID:         group.Operator.ID,
			OperatorKind:       string(group.Operator.Kind),
			InstanceID:         inst.ID,
			Cost:               group.Operator.Cost,
			SourceOperatorID:   group.Operator.SourceOperatorID,
			OutboundExchangeID: group.Operator.OutboundExchangeID,
			Params:             assignParams(group.Operator),
		})
		assign.From.Worker = h.localWorkerID
		assign.From.Operation = h.ID
		assign.To.Worker = body.WorkerID
		h.send(assign)
	}
}

// assignParams is a best-effort JSON encoding of the scan parameters
// an operator instance needs to start; exchange/materialize
// operators carry no extra params beyond what Assign already states.
func assignParams(op planner.Operator) []byte {
	if op.Kind != planner.KindProducer {
		return nil
	}
	b, err := json.Marshal(struct {
		Glob               string   `json:"glob"`
		Columns            []string `json:"columns"`
		OutboundExchangeID string   `json:"outbound_exchange_id"`
	}{op.Glob, op.Columns, op.OutboundExchangeID})
	if err != nil {
		return nil
	}
	return b
}

func (h *Handler) handleAssignAccepted(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceAssignAcceptedPayload)
	// Already marked Running at claim time; acceptance just confirms
	// the assignment landed. Nothing further to do until the instance
	// reports Complete or Error.
	_ = body
}

func (h *Handler) handleAssignRejected(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceAssignRejectedPayload)
	for _, q := range h.state.Queries() {
		if _, _, _, err := h.state.FindOperatorInstance(q.ID, body.InstanceID); err == nil {
			if _, err := h.state.SetInstanceStatus(q.ID, body.InstanceID, Errorf(body.Error)); err != nil {
				nlog.Warningf("queryhandler: marking instance error after reject failed: %v", err)
			}
			nlog.Warningf("queryhandler: instance %s rejected (%s)", body.InstanceID, body.Error)
			return
		}
	}
}

// handleInstanceComplete applies spec.md §4.5 steps 2-4: mark the
// instance Complete, refresh the query's derived status, and — if
// this completion emptied a producer group — signal the downstream
// exchange, then shut down every still-Running exchange whose
// upstream producers have no live instances left.
func (h *Handler) handleInstanceComplete(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceStatusChangeCompletePayload)
	h.send(wire.NewMessage(wire.KindGenericResponse, &wire.GenericResponsePayload{OK: true}).ReplyTo(msg))

	q, group, err := h.completeInstance(body.InstanceID, Complete())
	if err != nil {
		nlog.Warningf("queryhandler: %v", errors.Wrapf(err, "complete instance %s", body.InstanceID))
		return
	}

	allDone, err := h.state.SiblingsComplete(q.ID, group.Operator.ID)
	if err == nil && allDone && group.Operator.Kind == planner.KindProducer && group.Operator.OutboundExchangeID != "" {
		done := wire.NewMessage(wire.KindExchangeOperatorStatusChangeCompleted, &wire.ExchangeOperatorStatusChangeCompletedPayload{
			QueryID:    q.ID,
			OperatorID: group.Operator.ID,
		})
		done.From.Worker = h.localWorkerID
		h.router.BroadcastToWorkers(done)
	}

	h.shutdownDrainedExchanges(q.ID)
}

func (h *Handler) handleInstanceError(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceStatusChangeErrorPayload)
	h.send(wire.NewMessage(wire.KindGenericResponse, &wire.GenericResponsePayload{OK: true}).ReplyTo(msg))

	if _, _, err := h.completeInstance(body.InstanceID, Errorf(body.Error)); err != nil {
		nlog.Warningf("queryhandler: %v", errors.Wrapf(err, "error report for instance %s", body.InstanceID))
		return
	}
	h.Stats.IncQueriesFailed()
}

func (h *Handler) completeInstance(instanceID cos.UUID128, status Status) (*Query, *OperatorInstanceGroup, error) {
	for _, q := range h.state.Queries() {
		if _, group, _, err := h.state.FindOperatorInstance(q.ID, instanceID); err == nil {
			if _, err := h.state.SetInstanceStatus(q.ID, instanceID, status); err != nil {
				return nil, nil, err
			}
			return q, group, nil
		}
	}
	return nil, nil, ErrOperatorInstanceNotFound
}

// shutdownDrainedExchanges sends OperatorShutdownImmediate to every
// Exchange instance of queryID whose upstream producers have all
// finished (spec.md §4.5 step 4), and records SentShutdown so the
// transition is only sent once.
func (h *Handler) shutdownDrainedExchanges(queryID cos.UUID128) {
	drained, err := h.state.ExchangesNeedingShutdown(queryID)
	if err != nil || len(drained) == 0 {
		return
	}
	now := time.Now()
	for _, inst := range drained {
		shutdown := wire.NewMessage(wire.KindOperatorShutdownImmediate, &wire.OperatorShutdownImmediatePayload{InstanceID: inst.ID})
		shutdown.From.Worker = h.localWorkerID
		shutdown.To.Worker = inst.WorkerID
		h.send(shutdown)
		if _, err := h.state.SetInstanceStatus(queryID, inst.ID, SentShutdown(now)); err != nil {
			nlog.Warningf("queryhandler: marking sent_shutdown for %s: %v", inst.ID, err)
		}
	}
}

func (h *Handler) handleListOperatorInstances(msg *wire.Message) {
	body := msg.Body.(*wire.ListOperatorInstancesRequestPayload)
	reply := wire.NewMessage(wire.KindListOperatorInstancesResponse, nil).ReplyTo(msg)

	instances, err := h.state.InstancesOfOperator(body.QueryID, body.OperatorID)
	if err != nil {
		reply.Body = &wire.ListOperatorInstancesResponsePayload{}
		h.send(reply)
		return
	}
	out := make([]wire.OperatorInstanceLocation, 0, len(instances))
	for _, inst := range instances {
		out = append(out, wire.OperatorInstanceLocation{InstanceID: inst.ID, WorkerID: inst.WorkerID})
	}
	reply.Body = &wire.ListOperatorInstancesResponsePayload{Instances: out}
	h.send(reply)
}

func (h *Handler) send(msg *wire.Message) {
	if msg.From.Worker == cos.Nil {
		msg.From.Worker = h.localWorkerID
	}
	if msg.From.Operation == cos.Nil {
		msg.From.Operation = h.ID
	}
	if !h.router.Send(msg) {
		nlog.Infof("queryhandler: reply for kind=%d had no deliverable route", msg.KindID)
	}
}
