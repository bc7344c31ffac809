// Package stats is the worker's C1-adjacent observability surface
// (SPEC_FULL.md §1.2): Prometheus counters/gauges for the query and
// operator lifecycle, a disk I/O gauge refreshed by hk, and the
// fasthttp-served /healthz and /metrics endpoints named in
// SPEC_FULL.md §6's --stats-addr flag. None of this is on spec.md's
// wire protocol; a nil *Collector is always safe to call, so every
// other package can take one optionally without a build tag or a
// second code path.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns one worker's metric set. Every method is safe to
// call on a nil receiver (a no-op), so callers that are not given a
// Collector at construction time never need a conditional.
type Collector struct {
	reg *prometheus.Registry

	queriesTotal      prometheus.Counter
	queriesFailed     prometheus.Counter
	activeInstances   prometheus.Gauge
	instancesByKind   *prometheus.CounterVec
	exchangeBuffered  prometheus.Gauge
	exchangeEvicted   prometheus.Counter
	recordsProduced   prometheus.Counter
	recordsMaterialized prometheus.Counter
	diskReadBytes     *prometheus.GaugeVec
	diskWriteBytes    *prometheus.GaugeVec
}

// New registers a fresh metric set on its own registry (not the global
// DefaultRegisterer) so multiple workers in one test binary never
// collide on metric names.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		reg: reg,
		queriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "distqe_queries_total",
			Help: "Queries accepted by this worker's query handler.",
		}),
		queriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "distqe_queries_failed_total",
			Help: "Queries that reached the Error status.",
		}),
		activeInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "distqe_operator_instances_active",
			Help: "Operator instances currently hosted by this worker.",
		}),
		instancesByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "distqe_operator_instances_assigned_total",
			Help: "Operator instances assigned to this worker, by kind.",
		}, []string{"kind"}),
		exchangeBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "distqe_exchange_buffered_records",
			Help: "Records currently held across this worker's exchange buffers.",
		}),
		exchangeEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "distqe_exchange_evicted_records_total",
			Help: "Records evicted from an exchange buffer after every consumer acked.",
		}),
		recordsProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "distqe_records_produced_total",
			Help: "Batches pushed by producer operators into an exchange.",
		}),
		recordsMaterialized: factory.NewCounter(prometheus.CounterOpts{
			Name: "distqe_records_materialized_total",
			Help: "Batches written to a result file by a materialize operator.",
		}),
		diskReadBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "distqe_disk_read_bytes",
			Help: "Cumulative bytes read per block device, from iostat.",
		}, []string{"device"}),
		diskWriteBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "distqe_disk_write_bytes",
			Help: "Cumulative bytes written per block device, from iostat.",
		}, []string{"device"}),
	}
}

func (c *Collector) IncQueries() {
	if c == nil {
		return
	}
	c.queriesTotal.Inc()
}

func (c *Collector) IncQueriesFailed() {
	if c == nil {
		return
	}
	c.queriesFailed.Inc()
}

// AddActiveInstances moves the active-instance gauge by delta (positive
// on assign, negative on completion/error/shutdown).
func (c *Collector) AddActiveInstances(delta int) {
	if c == nil {
		return
	}
	c.activeInstances.Add(float64(delta))
}

func (c *Collector) IncInstancesAssigned(kind string) {
	if c == nil {
		return
	}
	c.instancesByKind.WithLabelValues(kind).Inc()
}

func (c *Collector) SetExchangeBuffered(n int) {
	if c == nil {
		return
	}
	c.exchangeBuffered.Set(float64(n))
}

func (c *Collector) IncExchangeEvicted(n int) {
	if c == nil || n == 0 {
		return
	}
	c.exchangeEvicted.Add(float64(n))
}

func (c *Collector) IncRecordsProduced() {
	if c == nil {
		return
	}
	c.recordsProduced.Inc()
}

func (c *Collector) IncRecordsMaterialized() {
	if c == nil {
		return
	}
	c.recordsMaterialized.Inc()
}

func (c *Collector) setDiskBytes(device string, read, written uint64) {
	if c == nil {
		return
	}
	c.diskReadBytes.WithLabelValues(device).Set(float64(read))
	c.diskWriteBytes.WithLabelValues(device).Set(float64(written))
}
