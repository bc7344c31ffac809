package queryhandler

import (
	"fmt"
	"sync"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/planner"
)

// OperatorInstance is the runtime realization of one Operator slot
// (spec.md §3 "OperatorInstance").
type OperatorInstance struct {
	ID       cos.UUID128
	Status   Status
	WorkerID cos.UUID128 // zero until assigned
}

// OperatorInstanceGroup nests every OperatorInstance spawned for one
// planner.Operator under that operator — the resolution to spec.md
// §9's Open Question on instance bookkeeping, grounded on
// query_handler_state.rs's `instances` field living inside what its
// own doc calls (confusingly) `operator_instances: Vec<...>` of
// per-operator groups.
type OperatorInstanceGroup struct {
	Operator  planner.Operator
	Instances []*OperatorInstance
}

// Query is the append-only, never-destroyed-during-process-lifetime
// record of one RunQuery (spec.md §3 "Query").
type Query struct {
	ID     cos.UUID128
	SQL    string
	Plan   *planner.PhysicalPlan
	Status Status
	Groups []*OperatorInstanceGroup

	loggedTerminal bool
}

// NewQuery seeds one OperatorInstance per declared instance count per
// operator in plan (spec.md §4.5 RunQuery semantics).
func NewQuery(sql string, plan *planner.PhysicalPlan) *Query {
	q := &Query{ID: cos.NewUUID128(), SQL: sql, Plan: plan, Status: Queued()}
	for _, op := range plan.AllOperators() {
		group := &OperatorInstanceGroup{Operator: op}
		n := op.Instances
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			group.Instances = append(group.Instances, &OperatorInstance{ID: cos.NewUUID128(), Status: Queued()})
		}
		q.Groups = append(q.Groups, group)
	}
	return q
}

// DeriveStatus applies spec.md §4.5's derivation:
//
//	if any instance Error(e)     -> Error(e)
//	else if all instances Complete -> Complete
//	else if any instance Running   -> Running
//	else                            -> Queued
func (q *Query) DeriveStatus() Status {
	total := 0
	complete := 0
	running := 0
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			total++
			switch in.Status.Kind {
			case StatusError:
				return Errorf(in.Status.Err)
			case StatusComplete:
				complete++
			case StatusRunning, StatusSentShutdown:
				running++
			}
		}
	}
	if total > 0 && complete == total {
		return Complete()
	}
	if running > 0 {
		return Running()
	}
	return Queued()
}

var (
	ErrQueryNotFound            = fmt.Errorf("queryhandler: query not found")
	ErrOperatorInstanceNotFound = fmt.Errorf("queryhandler: operator instance not found")
)

// State is the query-handler's single mutex-guarded arena (spec.md §5
// "the query-handler state is guarded by a single mutex").
type State struct {
	mu      sync.Mutex
	queries []*Query
}

func NewState() *State { return &State{} }

func (s *State) AddQuery(q *Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
}

func (s *State) FindQuery(id cos.UUID128) (*Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findQueryLocked(id)
}

func (s *State) findQueryLocked(id cos.UUID128) (*Query, error) {
	for _, q := range s.queries {
		if q.ID == id {
			return q, nil
		}
	}
	return nil, ErrQueryNotFound
}

// FindOperatorInstance returns the instance, its owning group, and
// its owning query.
func (s *State) FindOperatorInstance(queryID, instanceID cos.UUID128) (*OperatorInstance, *OperatorInstanceGroup, *Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.ID == instanceID {
				return in, g, q, nil
			}
		}
	}
	return nil, nil, nil, ErrOperatorInstanceNotFound
}

// AvailableOperatorInstanceIDs returns the ids of every Queued
// instance in the query, across all operator groups.
func (s *State) AvailableOperatorInstanceIDs(queryID cos.UUID128) ([]cos.UUID128, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, err
	}
	var ids []cos.UUID128
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.Status.Kind == StatusQueued {
				ids = append(ids, in.ID)
			}
		}
	}
	return ids, nil
}

// InstancesOfOperator returns every instance id/worker pair currently
// known for operatorID within queryID (used to answer
// ListOperatorInstancesRequest, spec.md §4.5).
func (s *State) InstancesOfOperator(queryID cos.UUID128, operatorID string) ([]*OperatorInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, err
	}
	for _, g := range q.Groups {
		if g.Operator.ID == operatorID {
			out := make([]*OperatorInstance, len(g.Instances))
			copy(out, g.Instances)
			return out, nil
		}
	}
	return nil, nil
}

// ClaimOperatorInstancesUpToComputeAvailable is the claim pass run
// once per NotificationResponse (spec.md §4.5): atomically claims as
// many Queued instances of queryID as fit the advertised capacity,
// skipping operator groups whose declared cost exceeds what remains.
// Mirrors query_handler_state.rs's
// claim_operator_instances_up_to_compute_available, scoped to one
// query since spec.md's Notification/NotificationResponse protocol is
// per-query (unlike the source, which iterated every query in the
// arena).
func (s *State) ClaimOperatorInstancesUpToComputeAvailable(queryID cos.UUID128, available TotalOperatorCompute) ([]*OperatorInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, err
	}

	compute := available
	var claimed []*OperatorInstance
	if q.Status.Terminal() {
		return nil, nil
	}
	// A claim that leaves a dimension at exactly zero still fits; only
	// a negative remainder means the cost exceeds what remains.
	exceeds := func(r TotalOperatorCompute) bool {
		return r.Instances < 0 || r.MemoryMiB < 0 || r.CPUThousandths < 0
	}

	for _, g := range q.Groups {
		if compute.AnyDepleated() {
			break
		}
		cost := g.Operator.Cost
		if exceeds(compute.SubtractSingleOperatorCompute(cost)) {
			continue
		}
		for _, in := range g.Instances {
			if in.Status.Kind != StatusQueued {
				continue
			}
			if exceeds(compute.SubtractSingleOperatorCompute(cost)) {
				continue
			}
			in.Status = Running()
			compute = compute.SubtractSingleOperatorCompute(cost)
			claimed = append(claimed, in)
		}
	}
	if len(claimed) > 0 {
		q.Status = q.DeriveStatus()
	}
	return claimed, nil
}

// ClaimOperatorInstanceIfQueued transitions instanceID to Running iff
// it is currently Queued, returning whether it did. The claim pass
// above does its own Queued check and does not call it.
func (s *State) ClaimOperatorInstanceIfQueued(queryID, instanceID cos.UUID128) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return false, err
	}
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.ID == instanceID {
				if in.Status.Kind != StatusQueued {
					return false, nil
				}
				in.Status = Running()
				return true, nil
			}
		}
	}
	return false, ErrOperatorInstanceNotFound
}

// SetInstanceStatus updates one instance's status and refreshes the
// owning query's derived status, returning the query for the caller
// to act on (e.g. log a terminal transition once, trigger exchange
// shutdown checks).
func (s *State) SetInstanceStatus(queryID, instanceID cos.UUID128, status Status) (*Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.ID == instanceID {
				in.Status = status
				found = true
			}
		}
	}
	if !found {
		return nil, ErrOperatorInstanceNotFound
	}
	q.Status = q.DeriveStatus()
	return q, nil
}

// SetInstanceWorker records which worker an instance was assigned to.
func (s *State) SetInstanceWorker(queryID, instanceID, workerID cos.UUID128) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return err
	}
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.ID == instanceID {
				in.WorkerID = workerID
				return nil
			}
		}
	}
	return ErrOperatorInstanceNotFound
}

// GroupOf returns the OperatorInstanceGroup owning instanceID.
func (s *State) GroupOf(queryID, instanceID cos.UUID128) (*OperatorInstanceGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, err
	}
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.ID == instanceID {
				return g, nil
			}
		}
	}
	return nil, ErrOperatorInstanceNotFound
}

// SiblingsComplete reports whether every instance in operatorID's
// group within queryID is Complete (spec.md §4.5 step 3: "all sibling
// instances of the same operator id are in Complete").
func (s *State) SiblingsComplete(queryID cos.UUID128, operatorID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return false, err
	}
	for _, g := range q.Groups {
		if g.Operator.ID != operatorID {
			continue
		}
		for _, in := range g.Instances {
			if in.Status.Kind != StatusComplete {
				return false, nil
			}
		}
		return true, nil
	}
	return false, ErrOperatorInstanceNotFound
}

// ExchangesNeedingShutdown returns every Exchange-kind instance in
// queryID whose producer operator has no remaining live (non-
// Complete, non-Error) instances and which is itself still Running
// (spec.md §4.5 step 4).
func (s *State) ExchangesNeedingShutdown(queryID cos.UUID128) ([]*OperatorInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return nil, err
	}

	var out []*OperatorInstance
	for _, g := range q.Groups {
		if g.Operator.Kind != planner.KindExchange {
			continue
		}
		producerLive := false
		for _, pg := range q.Groups {
			if pg.Operator.ID != g.Operator.SourceOperatorID {
				continue
			}
			for _, in := range pg.Instances {
				if in.Status.Kind == StatusRunning || in.Status.Kind == StatusQueued {
					producerLive = true
				}
			}
		}
		if producerLive {
			continue
		}
		for _, in := range g.Instances {
			if in.Status.Kind == StatusRunning {
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// RefreshStatus recomputes and stores queryID's derived status under
// lock. The claim pass and SetInstanceStatus already refresh the
// rollup themselves.
func (s *State) RefreshStatus(queryID cos.UUID128) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.findQueryLocked(queryID)
	if err != nil {
		return Status{}, err
	}
	q.Status = q.DeriveStatus()
	return q.Status, nil
}

func (s *State) Queries() []*Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Query, len(s.queries))
	copy(out, s.queries)
	return out
}
