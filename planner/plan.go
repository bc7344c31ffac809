package planner

import (
	"fmt"

	"github.com/chapterhouse/distqe/wire"
)

// OperatorKind discriminates the three operator shapes this planner
// emits (spec.md §3: "kind (Producer {...} | Exchange {...})",
// supplemented here with Materialize since the engine must eventually
// write results somewhere concrete).
type OperatorKind string

const (
	KindProducer    OperatorKind = "producer"
	KindExchange    OperatorKind = "exchange"
	KindMaterialize OperatorKind = "materialize"
)

// Default per-operator compute costs when the planner has no
// cost-based optimizer to derive them from (spec.md §1 Non-goals:
// "cost-based optimization"). They are package variables, and Build
// reads them on every call.
var (
	DefaultProducerCost    = wire.Compute{Instances: 1, MemoryMiB: 256, CPUThousandths: 250}
	DefaultExchangeCost    = wire.Compute{Instances: 1, MemoryMiB: 128, CPUThousandths: 100}
	DefaultMaterializeCost = wire.Compute{Instances: 1, MemoryMiB: 256, CPUThousandths: 150}
)

// Operator is one stage of a Pipeline (spec.md §3 "Operator").
type Operator struct {
	ID       string
	Kind     OperatorKind
	Instances int
	Cost     wire.Compute

	// OutboundExchangeID is set on a Producer: the exchange operator
	// id it feeds batches into.
	OutboundExchangeID string
	// SourceOperatorID is set on an Exchange or Materialize: the
	// operator id it consumes from.
	SourceOperatorID string

	// Producer-only scan parameters.
	Glob    string
	Columns []string
	Where   *Expr
}

type Pipeline struct {
	ID        string
	Operators []Operator
}

// PhysicalPlan is an ordered list of Pipelines (spec.md §3).
type PhysicalPlan struct {
	Pipelines []Pipeline
}

func (pp *PhysicalPlan) AllOperators() []Operator {
	var all []Operator
	for _, pl := range pp.Pipelines {
		all = append(all, pl.Operators...)
	}
	return all
}

func (pp *PhysicalPlan) FindOperator(id string) (Operator, bool) {
	for _, op := range pp.AllOperators() {
		if op.ID == id {
			return op, true
		}
	}
	return Operator{}, false
}

// Build plans sql into a single three-stage pipeline: a producer
// scanning TableGlob (Where is kept on the producer Operator but is
// not passed to the scan task, so no rows are filtered), an exchange
// carrying its output, and a materialize stage writing the final
// result set. producerInstances lets the caller fan a scan out across
// multiple producer instances (spec.md testable scenario 2); 0
// defaults to 1.
func Build(sql string, producerInstances int) (*PhysicalPlan, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	if producerInstances <= 0 {
		producerInstances = 1
	}

	producerID := "op_producer"
	exchangeID := "op_exchange"
	materializeID := "op_materialize"

	producerCost := DefaultProducerCost
	producerCost.Instances = producerInstances

	pipeline := Pipeline{
		ID: "pipeline_0",
		Operators: []Operator{
			{
				ID:                 producerID,
				Kind:               KindProducer,
				Instances:          producerInstances,
				Cost:               producerCost,
				OutboundExchangeID: exchangeID,
				Glob:               stmt.TableGlob,
				Columns:            stmt.Columns,
				Where:              stmt.Where,
			},
			{
				ID:               exchangeID,
				Kind:             KindExchange,
				Instances:        1,
				Cost:             DefaultExchangeCost,
				SourceOperatorID: producerID,
			},
			{
				ID:               materializeID,
				Kind:             KindMaterialize,
				Instances:        1,
				Cost:             DefaultMaterializeCost,
				SourceOperatorID: exchangeID,
			},
		},
	}

	return &PhysicalPlan{Pipelines: []Pipeline{pipeline}}, nil
}
