package queryhandler

import "github.com/chapterhouse/distqe/wire"

// TotalOperatorCompute is the capacity ledger spec.md §3 describes:
// {instances, memory_mib, cpu_thousandths} with add/subtract/any-
// depleted/any-greater-than operations.
/*
 * Ported from original_source's
 * handlers/operator_handler/operator_handler_state.rs
 * TotalOperatorCompute, arithmetic preserved verbatim including the
 * `<= 0` (not `< 0`) any_depleated threshold.
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

func (c TotalOperatorCompute) AnyGreaterThan(o TotalOperatorCompute) bool {
	return c.Instances > o.Instances || c.MemoryMiB > o.MemoryMiB || c.CPUThousandths > o.CPUThousandths
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

// SubtractSingleOperatorCompute decrements by exactly one instance
// slot plus the declared per-instance memory/cpu cost of a single
// operator instance (not the operator's whole declared instance
// count) — mirrors the Rust method of the same name.
func (c TotalOperatorCompute) SubtractSingleOperatorCompute(cost wire.Compute) TotalOperatorCompute {
	return TotalOperatorCompute{
		Instances:      c.Instances - 1,
		MemoryMiB:      c.MemoryMiB - cost.MemoryMiB,
		CPUThousandths: c.CPUThousandths - cost.CPUThousandths,
	}
}

// AnyDepleated mirrors the original's <=0 threshold (not <0): a
// budget sitting at exactly zero on any dimension is already
// depleted, matching original_source's any_depleated.
func (c TotalOperatorCompute) AnyDepleated() bool {
	return c.Instances <= 0 || c.MemoryMiB <= 0 || c.CPUThousandths <= 0
}
