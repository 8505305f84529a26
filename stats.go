package hazard

import (
	"sync/atomic"
)

// domain wide operation stats
type opStats struct {
	acquired    atomic.Uint64
	released    atomic.Uint64
	marks       atomic.Uint64
	markRetries atomic.Uint64
	retired     atomic.Uint64
	scans       atomic.Uint64
	reclaimed   atomic.Uint64
	deferred    atomic.Uint64
	failures    atomic.Uint64
}

// Stats updates the given map with domain info and operation stats.
// Mark and retire counters only include handles that have been released or flushed.
func (p *Pointers) Stats(stats map[string]interface{}) {
	stats["threshold"] = p.threshold
	stats["max_handles"] = len(p.handles)
	stats["slots_per_handle"] = p.reg.slots
	stats["handles_created"] = int(p.reg.created.Load())
	stats["handles_active"] = int(p.reg.active.Load())
	stats["record_bytes"] = int(p.reg.arena.SlotSize())
	stats["registry_bytes"] = p.reg.arena.Mapped()

	pending := 0
	for i := range p.handles {
		if h := p.handles[i].Load(); h != nil {
			pending += int(h.pending.Load())
		}
	}
	stats["retired_pending"] = pending

	stats["op_acquire"] = p.stats.acquired.Load()
	stats["op_release"] = p.stats.released.Load()
	stats["op_mark"] = p.stats.marks.Load()
	stats["op_mark_retries"] = p.stats.markRetries.Load()
	stats["op_retire"] = p.stats.retired.Load()
	stats["op_scan"] = p.stats.scans.Load()
	stats["op_reclaimed"] = p.stats.reclaimed.Load()
	stats["op_deferred"] = p.stats.deferred.Load()
	stats["op_scan_failures"] = p.stats.failures.Load()
}
