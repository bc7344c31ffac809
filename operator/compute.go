package operator

import "github.com/chapterhouse/distqe/wire"

// TotalOperatorCompute is the operator runtime's own capacity ledger
// (spec.md §4.6 "Each worker has a bounded TotalOperatorCompute").
// Deliberately a second copy of queryhandler's identically-named type
// rather than a shared import: in the original Rust the two live in
// the same process and share one module, but nothing requires a
// worker hosting operator instances to also host the query handler
// for any given query, so the two ledgers are kept decoupled here.
/*
 * Ported from original_source's
 * handlers/operator_handler/operator_handler_state.rs.
 */
type TotalOperatorCompute struct {
	Instances      int
	MemoryMiB      int
	CPUThousandths int
}

func FromWire(c wire.Compute) TotalOperatorCompute {
	return TotalOperatorCompute{Instances: c.Instances, MemoryMiB: c.MemoryMiB, CPUThousandths: c.CPUThousandths}
}

func (c TotalOperatorCompute) ToWire() wire.Compute {
	return wire.Compute{Instances: c.Instances, MemoryMiB: c.MemoryMiB, CPUThousandths: c.CPUThousandths}
}

func (c TotalOperatorCompute) Add(o TotalOperatorCompute) TotalOperatorCompute {
	return TotalOperatorCompute{
		Instances:      c.Instances + o.Instances,
		MemoryMiB:      c.MemoryMiB + o.MemoryMiB,
		CPUThousandths: c.CPUThousandths + o.CPUThousandths,
	}
}

func (c TotalOperatorCompute) Subtract(o TotalOperatorCompute) TotalOperatorCompute {
	return TotalOperatorCompute{
		Instances:      c.Instances - o.Instances,
		MemoryMiB:      c.MemoryMiB - o.MemoryMiB,
		CPUThousandths: c.CPUThousandths - o.CPUThousandths,
	}
}

// AddSingleOperatorInstance accounts for claiming one instance of an
// operator whose per-instance cost is cost — the used-ledger
// counterpart of queryhandler's SubtractSingleOperatorCompute.
func (c TotalOperatorCompute) AddSingleOperatorInstance(cost wire.Compute) TotalOperatorCompute {
	return TotalOperatorCompute{
		Instances:      c.Instances + 1,
		MemoryMiB:      c.MemoryMiB + cost.MemoryMiB,
		CPUThousandths: c.CPUThousandths + cost.CPUThousandths,
	}
}

func (c TotalOperatorCompute) SubtractSingleOperatorInstance(cost wire.Compute) TotalOperatorCompute {
	return TotalOperatorCompute{
		Instances:      c.Instances - 1,
		MemoryMiB:      c.MemoryMiB - cost.MemoryMiB,
		CPUThousandths: c.CPUThousandths - cost.CPUThousandths,
	}
}

// AnyDepleated mirrors original_source's <=0 any_depleated threshold.
func (c TotalOperatorCompute) AnyDepleated() bool {
	return c.Instances <= 0 || c.MemoryMiB <= 0 || c.CPUThousandths <= 0
}
