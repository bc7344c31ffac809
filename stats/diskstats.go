package stats

import (
	"time"

	"github.com/lufia/iostat"

	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/hk"
)

const diskStatsInterval = 10 * time.Second

// RegisterDiskStats schedules a periodic iostat sample on reg,
// exported alongside the query/operator counters (SPEC_FULL.md §1.2's
// "disk I/O gauges exported alongside compute stats"). A sample
// failure (e.g. no permission to read the platform's disk counters in
// a sandboxed container) logs a warning on that tick and the gauges
// simply hold their last value until the next tick.
func (c *Collector) RegisterDiskStats(reg *hk.Housekeeper) {
	if c == nil {
		return
	}
	reg.Reg("stats.diskstats", c.sampleDiskStats, diskStatsInterval)
}

func (c *Collector) sampleDiskStats() time.Duration {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		nlog.Warningf("stats: reading disk i/o counters: %v", err)
		return diskStatsInterval
	}
	for _, d := range drives {
		c.setDiskBytes(d.Name, d.BytesRead, d.BytesWritten)
	}
	return diskStatsInterval
}
