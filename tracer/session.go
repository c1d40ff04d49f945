// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"fmt"
	"sync"

	"github.com/ada-trace/ada-trace-go/atf"
	"github.com/ada-trace/ada-trace-go/internal/log"
	"github.com/ada-trace/ada-trace-go/internal/version"
	"github.com/ada-trace/ada-trace-go/ring"
	"github.com/ada-trace/ada-trace-go/shm"
)

// Session is a trace session owned by the controller process. It publishes
// the shared-memory directory, lays out the registry arena with its
// per-thread ring buffers, and runs the drain goroutine that harvests
// committed events into the trace file.
type Session struct {
	config *config
	dir    *shm.Directory
	att    *shm.Attachment
	reg    *registry
	writer *atf.Writer
	filter *filter
	stats  pipelineStats

	// mu guards rings, the drain side's lazily attached ring views, and
	// the stopped/finalStats pair.
	mu         sync.Mutex
	rings      []*ring.Ring
	stopped    bool
	finalStats Stats

	batch []ring.Event

	// drainErr is the first persistence error; it halts further appends.
	// Written on the drain goroutine, read after it has exited.
	drainErr error

	// stop causes the drain goroutine to shut down when closed.
	stop chan struct{}

	// flush receives a channel onto which the drain goroutine confirms
	// after a flush has completed.
	flush chan chan<- struct{}

	// stopOnce ensures the session is stopped exactly once.
	stopOnce sync.Once
	wg       sync.WaitGroup
	closeErr error
}

// NewSession publishes a new trace session and starts its drain goroutine.
// The caller must call Stop to flush and close the trace file.
func NewSession(opts ...StartOption) (*Session, error) {
	c := newConfig(opts...)
	size, err := registryArenaSize(c.maxThreads, c.slotSize, c.ringCapacity)
	if err != nil {
		return nil, err
	}
	dir, err := shm.Publish(c.session, []shm.Entry{{
		Index: RegistryArenaIndex,
		Name:  RegistryArenaName,
		Size:  size,
	}})
	if err != nil {
		return nil, err
	}
	att := shm.NewAttachment(dir)
	fail := func(err error) (*Session, error) {
		att.Detach()
		dir.Remove()
		return nil, err
	}
	if _, err := att.Attach(RegistryArenaIndex); err != nil {
		return fail(err)
	}
	reg, err := initRegistry(att, c.maxThreads, c.slotSize, c.ringCapacity, c.overflowPolicy)
	if err != nil {
		return fail(err)
	}
	wopts := []atf.WriterOption{
		atf.WithMeta("session.name", c.session),
		atf.WithMeta("session.uuid", dir.ID().String()),
		atf.WithMeta("tracer.lang", "go"),
		atf.WithMeta("tracer.version", version.Tag),
	}
	for k, v := range c.meta {
		wopts = append(wopts, atf.WithMeta(k, v))
	}
	if c.compression {
		wopts = append(wopts, atf.WithCompression())
	}
	w := atf.NewWriter(wopts...)
	if err := w.Open(c.tracePath, c.formatVersion); err != nil {
		return fail(err)
	}
	s := &Session{
		config: c,
		dir:    dir,
		att:    att,
		reg:    reg,
		writer: w,
		filter: newFilter(c.rules),
		rings:  make([]*ring.Ring, c.maxThreads),
		batch:  make([]ring.Event, c.batchSize),
		stop:   make(chan struct{}),
		flush:  make(chan chan<- struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	c.statsd.Incr("started", nil, 1)
	log.Debug("Session %s started: %d thread slots, %d-slot rings, policy %s, format v%d",
		c.session, c.maxThreads, c.ringCapacity, c.overflowPolicy, c.formatVersion)
	return s, nil
}

// Session returns the session name the shared-memory directory is published
// under.
func (s *Session) Session() string { return s.config.session }

// TracePath returns the output trace file path.
func (s *Session) TracePath() string { return s.config.tracePath }

// RegisterThread claims a ring buffer for the given thread within the
// controller process and returns its event channel.
func (s *Session) RegisterThread(threadID uint64) (*ThreadChannel, error) {
	return registerThread(s.reg, threadID)
}

// Flush drains all committed events and flushes the trace file. It blocks
// until the drain goroutine confirms. Flush is a no-op on a stopped session.
func (s *Session) Flush() {
	done := make(chan struct{})
	select {
	case s.flush <- done:
		<-done
	case <-s.stop:
	}
}

// Stop shuts the session down: the drain goroutine observes the stop flag at
// the top of its next scan, performs one final full drain pass, and only
// then is the trace file closed and the shared memory torn down. Stop
// reports close failures instead of swallowing them; subsequent calls return
// the same result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err := s.writer.Close()
		if err == nil {
			err = s.drainErr
		}
		// final counters, while the registry is still mapped
		s.mu.Lock()
		s.finalStats = s.snapshotLocked()
		s.stopped = true
		s.mu.Unlock()
		s.reportHealthMetrics()
		s.config.statsd.Incr("stopped", nil, 1)
		s.config.statsd.Close()
		if derr := s.att.Detach(); derr != nil && err == nil {
			err = derr
		}
		if rerr := s.dir.Remove(); rerr != nil && err == nil {
			err = rerr
		}
		s.closeErr = err
	})
	return s.closeErr
}

// Agent is the instrumented-process side of a session: it locates the
// published directory, attaches the registry arena and hands out per-thread
// event channels. It never reads rings and never touches the trace file.
type Agent struct {
	dir *shm.Directory
	att *shm.Attachment
	reg *registry
}

// Join attaches to the session published under the given name.
func Join(session string) (*Agent, error) {
	dir, err := shm.OpenDirectory(session)
	if err != nil {
		return nil, err
	}
	att := shm.NewAttachment(dir)
	if _, err := att.Attach(RegistryArenaIndex); err != nil {
		att.Detach()
		return nil, err
	}
	reg, err := attachRegistry(att)
	if err != nil {
		att.Detach()
		return nil, err
	}
	return &Agent{dir: dir, att: att, reg: reg}, nil
}

// RegisterThread claims a ring buffer for the given thread.
func (a *Agent) RegisterThread(threadID uint64) (*ThreadChannel, error) {
	return registerThread(a.reg, threadID)
}

// Detach unmaps the agent's arenas. Channels obtained from it must not be
// used afterwards.
func (a *Agent) Detach() error {
	return a.att.Detach()
}

// ThreadChannel is one thread's event channel: a single-writer view over the
// thread's ring buffer. It must only be used from the thread it was
// registered for.
type ThreadChannel struct {
	reg      *registry
	ring     *ring.Ring
	threadID uint64
	slot     uint32
}

func registerThread(reg *registry, threadID uint64) (*ThreadChannel, error) {
	slot, err := reg.claimSlot(threadID)
	if err != nil {
		return nil, err
	}
	region, err := reg.ringRegion(slot)
	if err != nil {
		return nil, err
	}
	rb, err := ring.Attach(region)
	if err != nil {
		return nil, fmt.Errorf("tracer: attaching ring for thread %d: %w", threadID, err)
	}
	return &ThreadChannel{reg: reg, ring: rb, threadID: threadID, slot: slot}, nil
}

// Emit commits an execution event to the thread's ring buffer and returns
// the allocated event ID. It never blocks; ok is false when the event was
// dropped by the overflow policy. parent is the ID of the enclosing event,
// or zero for a root event.
func (c *ThreadChannel) Emit(kind uint8, parent uint64, payload []byte) (id uint64, ok bool) {
	id, err := c.reg.nextEventID()
	if err != nil {
		log.Error("emit", "allocating event id: %v", err)
		return 0, false
	}
	ev := ring.Event{
		ID:        id,
		Parent:    parent,
		Timestamp: now(),
		ThreadID:  c.threadID,
		Kind:      kind,
		Payload:   payload,
	}
	return id, c.ring.Write(&ev)
}

// ThreadID returns the thread this channel was registered for.
func (c *ThreadChannel) ThreadID() uint64 { return c.threadID }

// Dropped returns the channel's writer-side drop counter.
func (c *ThreadChannel) Dropped() uint64 { return c.ring.Dropped() }

// Close retires the channel's registry slot. Committed events are still
// drained afterwards.
func (c *ThreadChannel) Close() error {
	return c.reg.retireSlot(c.slot)
}
