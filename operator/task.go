// Package operator implements the operator runtime (spec.md component
// C6): per-worker capacity tracking, the Assign/AssignAccepted/
// AssignRejected handshake, and the operator host loop that
// multiplexes router traffic, task traffic, and task completion for
// one running operator instance.
/*
 * Adapted from original_source's
 * handlers/operator_handler/operator_handler_state.rs (compute
 * ledger) and handlers/operator_handler/operators/traits.rs (the
 * OperatorTask contract, Design Notes §9 "Operator polymorphism").
 * The single-threaded cooperative select! host loop becomes a small
 * goroutine fan-in/fan-out around a context.Context cancellation tree,
 * per SPEC_FULL.md §5's Go mapping.
 */
package operator

import (
	"context"
	"sync"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/wire"
)

// TaskAssignment carries the Assign message fields a Task needs to
// start (spec.md §4.6 "spawns a task from the operator registry").
type TaskAssignment struct {
	QueryID            cos.UUID128
	InstanceID         cos.UUID128
	OperatorID         string
	OperatorKind       string
	SourceOperatorID   string
	OutboundExchangeID string
	Params             []byte

	// WorkerID is the worker this instance runs on, for Tasks that
	// need to stamp their own From.Worker on freshly originated
	// messages (e.g. a ListOperatorInstancesRequest, not a reply).
	WorkerID cos.UUID128
	// QueryHandler is the query handler that sent this instance's
	// Assign message (spec.md §4.7 "ask the query handler"); Tasks
	// needing to locate a peer operator instance address requests to
	// it directly rather than broadcasting.
	QueryHandler wire.Addr
}

// Task is the contract every operator kind ("producer", "materialize",
// "exchange") implements. Run blocks until ctx is canceled or the
// operator's work completes naturally, exchanging messages over p —
// p's Send reaches the router, p's Recv yields messages the host has
// matched to this instance (Ping is handled by the host itself and
// never forwarded).
type Task interface {
	Run(ctx context.Context, p *pipe.Pipe, assign TaskAssignment) error
}

// Factory constructs a fresh Task for one operator instance; Runtime
// calls it once per Assign.
type Factory func() Task

// Registry maps operator kind strings to factories (spec.md §4.9
// "registered at worker startup in an OperatorTask registry keyed by
// kind string").
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) New(kind string) (Task, bool) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
