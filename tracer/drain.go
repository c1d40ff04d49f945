// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"time"

	"github.com/ada-trace/ada-trace-go/atf"
	"github.com/ada-trace/ada-trace-go/internal/log"
	"github.com/ada-trace/ada-trace-go/ring"
)

// worker is the drain goroutine. It scans every registered ring in
// round-robin order, hands harvested events through the trigger filter to
// the trace writer, and sleeps briefly when all rings are empty. The stop
// flag is only observed at the top of a scan, never mid-batch, and is
// followed by one final full drain pass so no committed event is lost.
//
// Ring writers are never blocked by this loop: if persistence is slow it is
// only this goroutine that falls behind.
func (s *Session) worker() {
	defer s.wg.Done()
	statsTick := time.NewTicker(s.config.statsInterval)
	defer statsTick.Stop()
	for {
		select {
		case <-s.stop:
			s.finalDrain()
			return

		case done := <-s.flush:
			s.finalDrain()
			if s.drainErr == nil {
				if err := s.writer.Flush(); err != nil {
					s.drainErr = err
					log.Error("atf.flush", "flushing trace file: %v", err)
				}
			}
			done <- struct{}{}

		case <-statsTick.C:
			s.reportHealthMetrics()

		default:
			if s.drainPass() == 0 {
				s.idle()
			}
		}
	}
}

// idle waits out the poll interval, waking early on stop. The stop signal is
// handled by the main loop.
func (s *Session) idle() {
	t := time.NewTimer(s.config.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stop:
	}
}

// drainPass scans every in-use ring once, in slot order, and returns the
// number of events harvested.
func (s *Session) drainPass() int {
	total := 0
	for i := uint32(0); i < s.reg.maxThreads; i++ {
		rb := s.rings[i]
		if rb == nil {
			inUse, err := s.reg.slotInUse(i)
			if err != nil || !inUse {
				continue
			}
			if rb = s.attachRing(i); rb == nil {
				continue
			}
		}
		n := rb.ReadBatch(s.batch)
		if n == 0 {
			continue
		}
		total += n
		s.stats.drained.Add(uint64(n))
		for j := 0; j < n; j++ {
			s.persist(&s.batch[j])
		}
	}
	return total
}

// attachRing lazily attaches the drain-side view of slot i's ring.
func (s *Session) attachRing(i uint32) *ring.Ring {
	region, err := s.reg.ringRegion(i)
	if err != nil {
		log.Error("drain.attach", "resolving ring %d: %v", i, err)
		return nil
	}
	rb, err := ring.Attach(region)
	if err != nil {
		log.Error("drain.attach", "attaching ring %d: %v", i, err)
		return nil
	}
	s.mu.Lock()
	s.rings[i] = rb
	s.mu.Unlock()
	return rb
}

// persist runs ev through the trigger filter and appends it to the trace
// file. A write failure halts persistence for the rest of the session;
// draining continues so ring writers stay unblocked.
func (s *Session) persist(ev *ring.Event) {
	if !s.filter.shouldPersist(ev) {
		s.stats.filtered.Add(1)
		return
	}
	if s.drainErr != nil {
		return
	}
	rec := atf.Record{
		ID:        ev.ID,
		ParentID:  ev.Parent,
		Kind:      ev.Kind,
		Timestamp: ev.Timestamp,
		ThreadID:  ev.ThreadID,
		Payload:   ev.Payload,
	}
	if _, err := s.writer.Append(rec); err != nil {
		s.drainErr = err
		log.Error("atf.append", "appending event %d: %v", ev.ID, err)
		return
	}
	s.stats.persisted.Add(1)
}

// finalDrain keeps scanning until every ring reads empty.
func (s *Session) finalDrain() {
	for s.drainPass() > 0 {
	}
}
