package queryhandler

import (
	"testing"

	"github.com/chapterhouse/distqe/planner"
)

func buildTestQuery(t *testing.T, producerInstances int) *Query {
	t.Helper()
	plan, err := planner.Build("select * from read_files('data/*.parquet');", producerInstances)
	if err != nil {
		t.Fatalf("planner.Build: %v", err)
	}
	return NewQuery("select * from read_files('data/*.parquet');", plan)
}

func groupByKind(q *Query, kind planner.OperatorKind) *OperatorInstanceGroup {
	for _, g := range q.Groups {
		if g.Operator.Kind == kind {
			return g
		}
	}
	return nil
}

func TestNewQuerySeedsOneInstancePerDeclaredCount(t *testing.T) {
	q := buildTestQuery(t, 3)
	producer := groupByKind(q, planner.KindProducer)
	if producer == nil || len(producer.Instances) != 3 {
		t.Fatalf("producer group = %+v, want 3 instances", producer)
	}
	for _, g := range q.Groups {
		for _, in := range g.Instances {
			if in.Status.Kind != StatusQueued {
				t.Errorf("instance %s status = %v, want queued", in.ID, in.Status.Kind)
			}
		}
	}
	if q.Status.Kind != StatusQueued {
		t.Errorf("query status = %v, want queued", q.Status.Kind)
	}
}

func TestClaimPassOnlyClaimsWhatFitsAndSkipsDownstreamGroups(t *testing.T) {
	q := buildTestQuery(t, 2)
	s := NewState()
	s.AddQuery(q)

	available := TotalOperatorCompute{Instances: 2, MemoryMiB: 300, CPUThousandths: 300}
	claimed, err := s.ClaimOperatorInstancesUpToComputeAvailable(q.ID, available)
	if err != nil {
		t.Fatalf("claim pass: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d instances, want 1", len(claimed))
	}

	producer := groupByKind(q, planner.KindProducer)
	running, queued := 0, 0
	for _, in := range producer.Instances {
		switch in.Status.Kind {
		case StatusRunning:
			running++
		case StatusQueued:
			queued++
		}
	}
	if running != 1 || queued != 1 {
		t.Errorf("producer instances running=%d queued=%d, want 1,1", running, queued)
	}

	exchange := groupByKind(q, planner.KindExchange)
	if exchange.Instances[0].Status.Kind != StatusQueued {
		t.Errorf("exchange instance status = %v, want queued (insufficient compute)", exchange.Instances[0].Status.Kind)
	}

	if refreshed, err := s.RefreshStatus(q.ID); err != nil || refreshed.Kind != StatusRunning {
		t.Errorf("query status after partial claim = %+v, err=%v, want running", refreshed, err)
	}
}

func TestClaimPassIsIdempotentOnceEverythingClaimed(t *testing.T) {
	q := buildTestQuery(t, 1)
	s := NewState()
	s.AddQuery(q)

	huge := TotalOperatorCompute{Instances: 100, MemoryMiB: 100000, CPUThousandths: 100000}
	first, err := s.ClaimOperatorInstancesUpToComputeAvailable(q.ID, huge)
	if err != nil {
		t.Fatalf("first claim pass: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first pass claimed %d, want 3 (producer+exchange+materialize)", len(first))
	}

	second, err := s.ClaimOperatorInstancesUpToComputeAvailable(q.ID, huge)
	if err != nil {
		t.Fatalf("second claim pass: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second pass claimed %d, want 0 (nothing left queued)", len(second))
	}
}

func TestClaimOperatorInstanceIfQueuedIsIdempotent(t *testing.T) {
	q := buildTestQuery(t, 1)
	s := NewState()
	s.AddQuery(q)
	producer := groupByKind(q, planner.KindProducer)
	id := producer.Instances[0].ID

	ok, err := s.ClaimOperatorInstanceIfQueued(q.ID, id)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v, want true,nil", ok, err)
	}
	ok, err = s.ClaimOperatorInstanceIfQueued(q.ID, id)
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v, want false,nil", ok, err)
	}
}

func TestDeriveStatusPrioritizesError(t *testing.T) {
	q := buildTestQuery(t, 1)
	s := NewState()
	s.AddQuery(q)

	producer := groupByKind(q, planner.KindProducer)
	if _, err := s.SetInstanceStatus(q.ID, producer.Instances[0].ID, Running()); err != nil {
		t.Fatalf("SetInstanceStatus running: %v", err)
	}
	exchange := groupByKind(q, planner.KindExchange)
	if _, err := s.SetInstanceStatus(q.ID, exchange.Instances[0].ID, Errorf("disk full")); err != nil {
		t.Fatalf("SetInstanceStatus error: %v", err)
	}

	got, err := s.FindQuery(q.ID)
	if err != nil {
		t.Fatalf("FindQuery: %v", err)
	}
	if got.Status.Kind != StatusError || got.Status.Err != "disk full" {
		t.Errorf("status = %+v, want Error(disk full)", got.Status)
	}
}

func TestExchangesNeedingShutdownOnlyAfterAllProducersComplete(t *testing.T) {
	q := buildTestQuery(t, 2)
	s := NewState()
	s.AddQuery(q)

	huge := TotalOperatorCompute{Instances: 100, MemoryMiB: 100000, CPUThousandths: 100000}
	if _, err := s.ClaimOperatorInstancesUpToComputeAvailable(q.ID, huge); err != nil {
		t.Fatalf("claim pass: %v", err)
	}

	producer := groupByKind(q, planner.KindProducer)
	exchange := groupByKind(q, planner.KindExchange)

	if drained, err := s.ExchangesNeedingShutdown(q.ID); err != nil || len(drained) != 0 {
		t.Fatalf("drained before any completion = %v, err=%v, want none", drained, err)
	}

	if _, err := s.SetInstanceStatus(q.ID, producer.Instances[0].ID, Complete()); err != nil {
		t.Fatalf("complete producer 0: %v", err)
	}
	if drained, err := s.ExchangesNeedingShutdown(q.ID); err != nil || len(drained) != 0 {
		t.Fatalf("drained with one producer still live = %v, err=%v, want none", drained, err)
	}

	if _, err := s.SetInstanceStatus(q.ID, producer.Instances[1].ID, Complete()); err != nil {
		t.Fatalf("complete producer 1: %v", err)
	}
	drained, err := s.ExchangesNeedingShutdown(q.ID)
	if err != nil {
		t.Fatalf("ExchangesNeedingShutdown: %v", err)
	}
	if len(drained) != 1 || drained[0].ID != exchange.Instances[0].ID {
		t.Fatalf("drained = %+v, want exactly the exchange instance", drained)
	}

	if allDone, err := s.SiblingsComplete(q.ID, producer.Operator.ID); err != nil || !allDone {
		t.Errorf("SiblingsComplete(producer) = %v, err=%v, want true", allDone, err)
	}
}
