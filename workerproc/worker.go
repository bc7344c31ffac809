// Package workerproc assembles one worker process (spec.md §4.1's
// symmetric worker) from its components: the connection pool (C2),
// the router (C3), the operator runtime (C6), the query handler (C5),
// and the query-data service (C8). One Worker per `distqe-worker`
// invocation.
/*
 * Adapted from the aistore project's top-level daemon assembly (each
 * subsystem constructed once and wired to the next, then run under one
 * supervising errgroup) and from original_source's worker_process.rs,
 * which performs the same wiring in a single synchronous setup
 * function before entering its event loop.
 */
package workerproc

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/chapterhouse/distqe/cmn/config"
	"github.com/chapterhouse/distqe/cmn/cos"
	"github.com/chapterhouse/distqe/cmn/k8s"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/exchange"
	"github.com/chapterhouse/distqe/hk"
	"github.com/chapterhouse/distqe/materialize"
	"github.com/chapterhouse/distqe/objstore"
	"github.com/chapterhouse/distqe/operator"
	"github.com/chapterhouse/distqe/planner"
	"github.com/chapterhouse/distqe/querydata"
	"github.com/chapterhouse/distqe/queryhandler"
	"github.com/chapterhouse/distqe/router"
	"github.com/chapterhouse/distqe/scan"
	"github.com/chapterhouse/distqe/stats"
	"github.com/chapterhouse/distqe/transport"
	"github.com/chapterhouse/distqe/wire"
)

// Worker owns every per-process component plus the background
// goroutines (peer dialing, housekeeping, stats serving) that keep
// them running for the process's lifetime.
type Worker struct {
	ID    cos.UUID128
	cfg   *config.Worker
	pool  *transport.Pool
	rt    *operator.Runtime
	qh    *queryhandler.Handler
	qd    *querydata.Service
	stats *stats.Collector
	hk    *hk.Housekeeper
	peers []string
}

// New wires every component together but starts nothing; call Run to
// bring the worker up.
func New(ctx context.Context, cfg *config.Worker) (*Worker, error) {
	id := cos.NewUUID128()

	backend, err := objstore.New(ctx, string(cfg.ObjstoreBackend), cfg.ObjstoreBucket)
	if err != nil {
		return nil, fmt.Errorf("workerproc: building objstore backend: %w", err)
	}

	r := router.New(id)
	statsCollector := stats.New()

	registry := operator.NewRegistry()
	registry.Register(string(planner.KindProducer), scan.NewTask(backend, statsCollector))
	registry.Register(string(planner.KindExchange), exchange.NewTask(statsCollector))
	registry.Register(string(planner.KindMaterialize), materialize.NewTask(backend, statsCollector))

	compute := wire.Compute{
		Instances:      cfg.Compute.Instances,
		MemoryMiB:      cfg.Compute.MemoryMiB,
		CPUThousandths: cfg.Compute.CPUThousandths,
	}

	peers := cfg.Peers
	if cfg.K8s || k8s.InCluster() {
		discovered, budget, err := discoverK8s(ctx, cfg)
		if err != nil {
			nlog.Warningf("workerproc: k8s discovery: %v", err)
		} else {
			peers = append(peers, discovered...)
			if cfg.Compute.MemoryMiB == 0 && cfg.Compute.CPUThousandths == 0 {
				compute.MemoryMiB = budget.memoryMiB
				compute.CPUThousandths = budget.cpuThousandths
			}
		}
	}

	rt := operator.New(id, r, compute, registry)
	rt.SetStats(statsCollector)

	qh := queryhandler.New(id, r, cfg.Compute.Instances)
	qh.SetStats(statsCollector)

	qd, err := querydata.New(id, r, backend)
	if err != nil {
		return nil, fmt.Errorf("workerproc: building query-data service: %w", err)
	}

	pool := transport.NewPool(id, cfg.ClusterSecret, r.Route, r.OnIdentify, r.OnDisconnect)

	w := &Worker{
		ID:    id,
		cfg:   cfg,
		pool:  pool,
		rt:    rt,
		qh:    qh,
		qd:    qd,
		stats: statsCollector,
		hk:    hk.DefaultHK,
		peers: peers,
	}
	statsCollector.RegisterDiskStats(w.hk)
	return w, nil
}

// Run dials every configured peer, starts the inbound listener, the
// housekeeper, and the stats server, and blocks until ctx is canceled
// or any of them fails.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%d", w.cfg.Listen, w.cfg.Port)
	g.Go(func() error { return w.pool.Serve(gctx, addr) })

	for _, peerAddr := range w.peers {
		peerAddr := peerAddr
		g.Go(func() error {
			_, err := w.pool.Dial(gctx, peerAddr, wire.IdentifyWorker)
			if err != nil && gctx.Err() == nil {
				nlog.Warningf("workerproc: dialing peer %s: %v", peerAddr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		go func() {
			<-gctx.Done()
			w.hk.Stop()
		}()
		w.hk.Run()
		return nil
	})
	g.Go(func() error { return w.stats.Serve(gctx, w.cfg.StatsAddr) })

	nlog.Infof("workerproc: worker %s listening on %s (%d peers)", w.ID, addr, len(w.peers))
	return g.Wait()
}

// Stop closes the connection pool, which unwinds Serve/Dial and lets
// Run's errgroup return, and releases the query-data service's cache.
func (w *Worker) Stop() {
	w.pool.Close()
	if err := w.qd.Close(); err != nil {
		nlog.Warningf("workerproc: closing query-data service: %v", err)
	}
}

type k8sBudget struct {
	memoryMiB      int
	cpuThousandths int
}

// discoverK8s lists sibling StatefulSet pods as extra peers and, when
// the worker's own compute flags were left at zero, fills them in from
// the pod's current resource usage (SPEC_FULL.md §4.11).
func discoverK8s(ctx context.Context, cfg *config.Worker) ([]string, k8sBudget, error) {
	client, err := k8s.NewClient()
	if err != nil {
		return nil, k8sBudget{}, err
	}
	podName, err := os.Hostname()
	if err != nil {
		return nil, k8sBudget{}, fmt.Errorf("reading pod hostname: %w", err)
	}
	peers, err := client.Peers(ctx, podName)
	if err != nil {
		return nil, k8sBudget{}, err
	}
	mem, cpu, err := client.ComputeBudget(ctx, podName, "worker")
	if err != nil {
		// Peers were still found; a missing metrics server just means
		// no auto-filled compute budget.
		nlog.Warningf("workerproc: compute budget auto-detection: %v", err)
		return peers, k8sBudget{}, nil
	}
	return peers, k8sBudget{memoryMiB: mem, cpuThousandths: cpu}, nil
}
