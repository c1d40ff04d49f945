// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"sync/atomic"
)

// Stats is a snapshot of a session's pipeline counters.
type Stats struct {
	// Drained counts events harvested from ring buffers.
	Drained uint64

	// Persisted counts events written to the trace file.
	Persisted uint64

	// Filtered counts drained events rejected by the trigger rules.
	Filtered uint64

	// Dropped counts events discarded writer-side under the DropNew
	// policy, summed over all rings.
	Dropped uint64

	// Overwritten counts events reclaimed writer-side under the
	// OverwriteOldest policy, summed over all rings.
	Overwritten uint64

	// Threads counts registered thread channels.
	Threads uint32
}

// pipelineStats are the drain-side counters. Written on the drain goroutine,
// read from anywhere.
type pipelineStats struct {
	drained   atomic.Uint64
	persisted atomic.Uint64
	filtered  atomic.Uint64

	// last reported values, drain goroutine only
	repDrained   uint64
	repPersisted uint64
	repFiltered  uint64
}

// reportHealthMetrics submits counter deltas to statsd. Drain goroutine
// only.
func (s *Session) reportHealthMetrics() {
	st := &s.stats
	for _, m := range []struct {
		name string
		cur  uint64
		last *uint64
	}{
		{"events.drained", st.drained.Load(), &st.repDrained},
		{"events.persisted", st.persisted.Load(), &st.repPersisted},
		{"events.filtered", st.filtered.Load(), &st.repFiltered},
	} {
		if delta := m.cur - *m.last; delta > 0 {
			s.config.statsd.Count(m.name, int64(delta), nil, 1)
			*m.last = m.cur
		}
	}
	s.config.statsd.Flush()
}

// Stats returns a snapshot of the session's counters. After Stop it returns
// the final counters captured before the shared memory was torn down.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return s.finalStats
	}
	return s.snapshotLocked()
}

// snapshotLocked reads the live counters. Caller holds s.mu; the registry
// arena must still be attached.
func (s *Session) snapshotLocked() Stats {
	out := Stats{
		Drained:   s.stats.drained.Load(),
		Persisted: s.stats.persisted.Load(),
		Filtered:  s.stats.filtered.Load(),
	}
	if n, err := s.reg.threadCount(); err == nil {
		out.Threads = n
	}
	for _, rb := range s.rings {
		if rb == nil {
			continue
		}
		out.Dropped += rb.Dropped()
		out.Overwritten += rb.Overwritten()
	}
	return out
}
