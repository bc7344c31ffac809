package planner

import "testing"

func TestParseWildcardSelect(t *testing.T) {
	stmt, err := Parse("select * from read_files('data/x.parquet');")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmt.Columns) != 1 || stmt.Columns[0] != "*" {
		t.Errorf("Columns = %v, want [*]", stmt.Columns)
	}
	if stmt.TableGlob != "data/x.parquet" {
		t.Errorf("TableGlob = %q", stmt.TableGlob)
	}
	if stmt.Where != nil {
		t.Errorf("Where = %+v, want nil", stmt.Where)
	}
}

func TestParseWithWhereClause(t *testing.T) {
	stmt, err := Parse("select a, b from read_files('data/path/*.parquet') where size = 'medium'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(stmt.Columns) != 2 || stmt.Columns[0] != "a" || stmt.Columns[1] != "b" {
		t.Errorf("Columns = %v", stmt.Columns)
	}
	if stmt.Where == nil || !stmt.Where.IsLeaf {
		t.Fatalf("Where = %+v, want a leaf comparison", stmt.Where)
	}
	if stmt.Where.Column != "size" || stmt.Where.Op != OpEq || stmt.Where.Literal != "medium" {
		t.Errorf("Where = %+v", stmt.Where)
	}
}

func TestParseWithAndClause(t *testing.T) {
	stmt, err := Parse("select * from read_files('x') where a = '1' and b != '2'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if stmt.Where == nil || stmt.Where.IsLeaf || !stmt.Where.And {
		t.Fatalf("Where = %+v, want an AND combinator", stmt.Where)
	}
}

func TestParseRejectsNonSelect(t *testing.T) {
	if _, err := Parse("delete from read_files('x')"); err == nil {
		t.Fatal("expected an error for a non-select statement")
	}
}

func TestParseRejectsNonReadFilesSource(t *testing.T) {
	if _, err := Parse("select * from some_table"); err == nil {
		t.Fatal("expected an error for a non-read_files table source")
	}
}

func TestBuildProducesThreeStagePipeline(t *testing.T) {
	plan, err := Build("select * from read_files('data/x.parquet');", 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Pipelines) != 1 {
		t.Fatalf("len(Pipelines) = %d, want 1", len(plan.Pipelines))
	}
	ops := plan.Pipelines[0].Operators
	if len(ops) != 3 {
		t.Fatalf("len(Operators) = %d, want 3", len(ops))
	}
	if ops[0].Kind != KindProducer || ops[0].Instances != 4 {
		t.Errorf("producer = %+v", ops[0])
	}
	if ops[1].Kind != KindExchange || ops[1].SourceOperatorID != ops[0].ID {
		t.Errorf("exchange = %+v", ops[1])
	}
	if ops[2].Kind != KindMaterialize || ops[2].SourceOperatorID != ops[1].ID {
		t.Errorf("materialize = %+v", ops[2])
	}
	if ops[0].OutboundExchangeID != ops[1].ID {
		t.Errorf("producer.OutboundExchangeID = %q, want %q", ops[0].OutboundExchangeID, ops[1].ID)
	}
}
