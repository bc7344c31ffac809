package scan

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/objstore"
	"github.com/chapterhouse/distqe/operator"
	"github.com/chapterhouse/distqe/pipe"
	"github.com/chapterhouse/distqe/recbatch"
	"github.com/chapterhouse/distqe/resultstore"
	"github.com/chapterhouse/distqe/wire"
)

func recvWithin(t *testing.T, p *pipe.Pipe, timeout time.Duration) *wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, ok := p.Recv(ctx)
	if !ok {
		t.Fatal("timed out waiting for a message")
	}
	return msg
}

func seedFile(t *testing.T, backend objstore.Backend, key string, rowValues [][]int) {
	t.Helper()
	w, err := resultstore.Create(context.Background(), backend, key)
	if err != nil {
		t.Fatal(err)
	}
	for _, vals := range rowValues {
		anyVals := make([]any, len(vals))
		for i, v := range vals {
			anyVals[i] = v
		}
		batch := recbatch.Batch{Columns: []recbatch.Column{{Name: "v", Values: anyVals}}}
		if err := w.WriteRowGroup(batch); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// answerDiscovery drains and answers exactly one ListOperatorInstancesRequest
// then one Ping, standing in for the query handler and the target exchange
// instance's host.
func answerDiscovery(t *testing.T, testSide *pipe.Pipe, exchangeWorker, exchangeInstance cos.UUID128) {
	t.Helper()
	listReq := recvWithin(t, testSide, time.Second)
	if listReq.KindID != wire.KindListOperatorInstancesRequest {
		t.Fatalf("got kind=%d, want ListOperatorInstancesRequest", listReq.KindID)
	}
	resp := wire.NewMessage(wire.KindListOperatorInstancesResponse, &wire.ListOperatorInstancesResponsePayload{
		Instances: []wire.OperatorInstanceLocation{{InstanceID: exchangeInstance, WorkerID: exchangeWorker}},
	})
	if err := testSide.Send(context.Background(), resp); err != nil {
		t.Fatal(err)
	}

	ping := recvWithin(t, testSide, time.Second)
	if ping.KindID != wire.KindPing {
		t.Fatalf("got kind=%d, want Ping", ping.KindID)
	}
	if ping.To.Worker != exchangeWorker || ping.To.Operation != exchangeInstance {
		t.Fatalf("ping addressed to %+v, want worker=%v op=%v", ping.To, exchangeWorker, exchangeInstance)
	}
	pong := wire.NewMessage(wire.KindPong, &wire.PongPayload{WorkerID: exchangeWorker})
	if err := testSide.Send(context.Background(), pong); err != nil {
		t.Fatal(err)
	}
}

func TestScanPushesEachRowGroupAndStops(t *testing.T) {
	backend := objstore.NewLocal(t.TempDir())
	seedFile(t, backend, "/data/x.parquet", [][]int{{1}, {2}})

	selfWorker, selfInstance := cos.NewUUID128(), cos.NewUUID128()
	qhWorker, qhOp := cos.NewUUID128(), cos.NewUUID128()
	exchangeWorker, exchangeInstance := cos.NewUUID128(), cos.NewUUID128()

	params, err := json.Marshal(struct {
		Glob               string   `json:"glob"`
		Columns            []string `json:"columns"`
		OutboundExchangeID string   `json:"outbound_exchange_id"`
	}{Glob: "/data/*.parquet", OutboundExchangeID: "op_exchange"})
	if err != nil {
		t.Fatal(err)
	}
	assign := operator.TaskAssignment{
		QueryID:      cos.NewUUID128(),
		InstanceID:   selfInstance,
		OperatorID:   "op_producer",
		WorkerID:     selfWorker,
		QueryHandler: wire.Addr{Worker: qhWorker, Operation: qhOp},
		Params:       params,
	}

	taskSide, testSide := pipe.New(8)
	task := NewTask(backend, nil)()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx, taskSide, assign) }()

	answerDiscovery(t, testSide, exchangeWorker, exchangeInstance)

	var gotValues []float64
	for i := 0; i < 2; i++ {
		put := recvWithin(t, testSide, time.Second)
		if put.KindID != wire.KindPutRecord {
			t.Fatalf("got kind=%d, want PutRecord", put.KindID)
		}
		body := put.Body.(*wire.PutRecordPayload)
		if body.ProducerOperatorID != "op_producer" {
			t.Fatalf("ProducerOperatorID = %q", body.ProducerOperatorID)
		}
		batch, err := recbatch.Unmarshal(body.Data)
		if err != nil {
			t.Fatal(err)
		}
		gotValues = append(gotValues, batch.Row(0)[0].(float64))
		reply := wire.NewMessage(wire.KindPutRecordResponse, &wire.PutRecordResponsePayload{Accepted: true})
		if err := testSide.Send(context.Background(), reply); err != nil {
			t.Fatal(err)
		}
	}
	if len(gotValues) != 2 || gotValues[0] != 1 || gotValues[1] != 2 {
		t.Fatalf("pushed values = %v, want [1 2]", gotValues)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after all files scanned")
	}
}

func TestScanStopsCleanlyOnCancellation(t *testing.T) {
	backend := objstore.NewLocal(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assign := operator.TaskAssignment{
		QueryHandler: wire.Addr{Worker: cos.NewUUID128(), Operation: cos.NewUUID128()},
		Params:       []byte(`{"glob":"/data/*.parquet","outbound_exchange_id":"op_exchange"}`),
	}
	taskSide, _ := pipe.New(1)
	task := NewTask(backend, nil)()
	if err := task.Run(ctx, taskSide, assign); err != nil {
		t.Fatalf("Run on canceled ctx = %v, want nil", err)
	}
}
