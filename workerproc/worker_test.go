package workerproc_test

import (
	"context"
	"testing"
	"time"

	"github.com/chapterhouse/distqe/client"
	"github.com/chapterhouse/distqe/cmn/config"
	"github.com/chapterhouse/distqe/workerproc"
)

// TestWorkerRunsQueryEndToEnd exercises the full path a single worker
// supports without any peers: a client connects, submits a query
// against a glob matching no files, and the producer/exchange/
// materialize pipeline still drains to a zero-row result, confirming
// every component workerproc.New wires together actually talks to the
// others through the router.
func TestWorkerRunsQueryEndToEnd(t *testing.T) {
	root := t.TempDir()
	const addr = "127.0.0.1:18799"

	cfg := &config.Worker{
		Port:           18799,
		Listen:         "127.0.0.1",
		Compute:        config.Compute{Instances: 4, MemoryMiB: 1024, CPUThousandths: 4000},
		LogLevel:       "error",
		ObjstoreBucket: root,
		StatsAddr:      "127.0.0.1:0",
	}
	cfg.ObjstoreBackend = config.BackendLocal

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := workerproc.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	time.Sleep(100 * time.Millisecond)

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()

	c, err := client.Connect(cctx, addr, "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	queryID, err := c.RunQuery(cctx, "select * from read_files('/data/*.parquet')")
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}

	status, err := c.WaitForCompletion(cctx, queryID)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if status.Kind != "complete" {
		t.Fatalf("status = %+v, want complete", status)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run exited early: %v", err)
		}
	default:
	}
}
