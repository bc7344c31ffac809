package queryhandler

import (
	"testing"

	"github.com/chapterhouse/distqe/wire"
)

func TestAnyDepleatedUsesLessThanOrEqualThreshold(t *testing.T) {
	cases := []struct {
		c    TotalOperatorCompute
		want bool
	}{
		{TotalOperatorCompute{Instances: 1, MemoryMiB: 1, CPUThousandths: 1}, false},
		{TotalOperatorCompute{Instances: 0, MemoryMiB: 1, CPUThousandths: 1}, true},
		{TotalOperatorCompute{Instances: 1, MemoryMiB: 0, CPUThousandths: 1}, true},
		{TotalOperatorCompute{Instances: 1, MemoryMiB: 1, CPUThousandths: 0}, true},
		{TotalOperatorCompute{Instances: -1, MemoryMiB: 1, CPUThousandths: 1}, true},
	}
	for _, tc := range cases {
		if got := tc.c.AnyDepleated(); got != tc.want {
			t.Errorf("%+v.AnyDepleated() = %v, want %v", tc.c, got, tc.want)
		}
	}
}

func TestSubtractSingleOperatorComputeDecrementsOneInstanceOnly(t *testing.T) {
	budget := TotalOperatorCompute{Instances: 4, MemoryMiB: 1024, CPUThousandths: 2000}
	cost := wire.Compute{Instances: 3, MemoryMiB: 256, CPUThousandths: 250}

	got := budget.SubtractSingleOperatorCompute(cost)
	want := TotalOperatorCompute{Instances: 3, MemoryMiB: 768, CPUThousandths: 1750}
	if got != want {
		t.Errorf("SubtractSingleOperatorCompute = %+v, want %+v", got, want)
	}
}

func TestAddAndSubtractAreInverses(t *testing.T) {
	a := TotalOperatorCompute{Instances: 2, MemoryMiB: 512, CPUThousandths: 500}
	b := TotalOperatorCompute{Instances: 1, MemoryMiB: 128, CPUThousandths: 125}

	if got := a.Add(b).Subtract(b); got != a {
		t.Errorf("Add then Subtract = %+v, want %+v", got, a)
	}
}

func TestAnyGreaterThan(t *testing.T) {
	a := TotalOperatorCompute{Instances: 2, MemoryMiB: 100, CPUThousandths: 100}
	b := TotalOperatorCompute{Instances: 1, MemoryMiB: 200, CPUThousandths: 200}
	if !a.AnyGreaterThan(b) {
		t.Error("expected a to be greater than b on Instances")
	}
	if !b.AnyGreaterThan(a) {
		t.Error("expected b to be greater than a on MemoryMiB/CPUThousandths")
	}
	if TotalOperatorCompute{}.AnyGreaterThan(TotalOperatorCompute{}) {
		t.Error("equal budgets should not be greater than each other")
	}
}

func TestFromWireToWireRoundTrip(t *testing.T) {
	c := wire.Compute{Instances: 3, MemoryMiB: 512, CPUThousandths: 750}
	if got := FromWire(c).ToWire(); got != c {
		t.Errorf("round trip = %+v, want %+v", got, c)
	}
}
