package operator

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/router"
	"github.com/chapterhouse/distqe/stats"
	"github.com/chapterhouse/distqe/wire"
)

// Runtime is the per-worker operator host pool (spec.md §4.6). One
// Runtime per worker process; it registers itself as a single
// internal subscriber for the cluster-wide capacity protocol and the
// Assign handshake, then spawns a dedicated host (and internal
// subscriber) per accepted instance.
type Runtime struct {
	ID       cos.UUID128
	workerID cos.UUID128
	router   *router.Router
	registry *Registry
	allowed  TotalOperatorCompute

	// sem bounds concurrently-hosted instances at allowed.Instances,
	// independent of the MemoryMiB/CPUThousandths ledger kept in used:
	// a worker with plenty of memory left still can't outrun its
	// declared instance-slot count.
	sem *semaphore.Weighted

	mu    sync.Mutex
	used  TotalOperatorCompute
	hosts map[cos.UUID128]*host

	// Stats is nil until SetStats is called; every method on a nil
	// *stats.Collector is a no-op, so assignment is optional.
	Stats *stats.Collector
}

// SetStats attaches the worker's metric collector, which workerproc
// calls once after constructing both.
func (rt *Runtime) SetStats(c *stats.Collector) { rt.Stats = c }

// New creates a Runtime bounded by allowed and registers it with r.
func New(workerID cos.UUID128, r *router.Router, allowed wire.Compute, registry *Registry) *Runtime {
	instances := int64(allowed.Instances)
	if instances <= 0 {
		instances = 1
	}
	rt := &Runtime{
		ID:       cos.NewUUID128(),
		workerID: workerID,
		router:   r,
		registry: registry,
		allowed:  FromWire(allowed),
		sem:      semaphore.NewWeighted(instances),
		hosts:    make(map[cos.UUID128]*host),
	}
	r.AddInternalSubscriber(&router.InternalSubscriber{
		ID:       rt.ID,
		Consumes: rt.consumes,
		Deliver:  rt.deliver,
	})
	return rt
}

func (rt *Runtime) consumes(msg *wire.Message) bool {
	switch msg.KindID {
	case wire.KindOperatorInstanceAvailableNotification:
		return true
	case wire.KindOperatorInstanceAssign:
		return msg.To.Worker == rt.workerID
	}
	return false
}

func (rt *Runtime) deliver(msg *wire.Message) {
	// Body is already typed for same-process messages (constructed via
	// wire.NewMessage and never marshaled); only a message that
	// crossed the wire needs decoding here.
	if msg.Body == nil {
		if err := wire.ResolveBody(msg); err != nil {
			nlog.Warningf("operator: dropping unparseable message kind=%d: %v", msg.KindID, err)
			return
		}
	}
	switch msg.KindID {
	case wire.KindOperatorInstanceAvailableNotification:
		rt.handleNotification(msg)
	case wire.KindOperatorInstanceAssign:
		rt.handleAssign(msg)
	}
}

// handleNotification replies with however much of this worker's
// declared budget is not currently claimed (spec.md §4.6 "Capacity
// protocol").
func (rt *Runtime) handleNotification(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceAvailableNotificationPayload)

	rt.mu.Lock()
	remaining := rt.allowed.Subtract(rt.used)
	rt.mu.Unlock()

	reply := wire.NewMessage(wire.KindOperatorInstanceAvailableNotificationResponse, &wire.OperatorInstanceAvailableNotificationResponsePayload{
		QueryID:   body.QueryID,
		WorkerID:  rt.workerID,
		Remaining: remaining.ToWire(),
	}).ReplyTo(msg)
	reply.From.Worker = rt.workerID
	reply.From.Operation = rt.ID
	reply.To.Worker = msg.From.Worker

	if !rt.router.Send(reply) {
		nlog.Infof("operator: notification response for query %s had no route back", body.QueryID)
	}
}

// handleAssign admits or rejects one operator instance based on
// whether its declared cost still fits the remaining budget (spec.md
// §4.6 "checks that the operator's declared cost still fits").
func (rt *Runtime) handleAssign(msg *wire.Message) {
	body := msg.Body.(*wire.OperatorInstanceAssignPayload)

	task, ok := rt.registry.New(body.OperatorKind)
	if !ok {
		rt.reject(msg, body.InstanceID, "operator: unknown kind "+body.OperatorKind)
		return
	}

	cost := body.Cost

	if !rt.sem.TryAcquire(1) {
		rt.reject(msg, body.InstanceID, "operator: instance slots exhausted")
		return
	}

	rt.mu.Lock()
	// An exact fit (a dimension left at zero) is admitted; only a
	// negative remainder rejects.
	if rem := rt.allowed.Subtract(rt.used).SubtractSingleOperatorInstance(cost); rem.Instances < 0 || rem.MemoryMiB < 0 || rem.CPUThousandths < 0 {
		rt.mu.Unlock()
		rt.sem.Release(1)
		rt.reject(msg, body.InstanceID, "operator: insufficient compute remaining")
		return
	}
	rt.used = rt.used.AddSingleOperatorInstance(cost)
	rt.mu.Unlock()

	h := rt.spawnHost(body, cost, task, msg.From)
	rt.mu.Lock()
	rt.hosts[body.InstanceID] = h
	rt.mu.Unlock()
	rt.Stats.AddActiveInstances(1)
	rt.Stats.IncInstancesAssigned(body.OperatorKind)

	accept := wire.NewMessage(wire.KindOperatorInstanceAssignAccepted, &wire.OperatorInstanceAssignAcceptedPayload{InstanceID: body.InstanceID}).ReplyTo(msg)
	accept.From.Worker = rt.workerID
	accept.From.Operation = rt.ID
	rt.router.Send(accept)
}

func (rt *Runtime) reject(msg *wire.Message, instanceID cos.UUID128, reason string) {
	nlog.Warningf("%s (instance %s)", reason, instanceID)
	reject := wire.NewMessage(wire.KindOperatorInstanceAssignRejected, &wire.OperatorInstanceAssignRejectedPayload{InstanceID: instanceID, Error: reason}).ReplyTo(msg)
	reject.From.Worker = rt.workerID
	reject.From.Operation = rt.ID
	rt.router.Send(reject)
}

// release returns cost to the available budget and drops the host
// entry once an instance terminates.
func (rt *Runtime) release(instanceID cos.UUID128, cost wire.Compute) {
	rt.mu.Lock()
	rt.used = rt.used.SubtractSingleOperatorInstance(cost)
	delete(rt.hosts, instanceID)
	rt.mu.Unlock()
	rt.sem.Release(1)
	rt.Stats.AddActiveInstances(-1)
}
