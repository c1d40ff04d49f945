// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

// Package tracer runs the drain side of the trace pipeline: it publishes a
// shared-memory session, harvests execution events from per-thread ring
// buffers on a background goroutine and persists them into an ATF trace
// file.
//
// The controller process calls Start (or NewSession for explicit ownership)
// and Stop; instrumented processes call Join to attach to the published
// session and RegisterThread to obtain their single-writer event channels.
// Writers never block on the drain side: if persistence falls behind, only
// the drain goroutine's backlog grows.
package tracer

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ada-trace/ada-trace-go/internal/log"
)

var (
	activeMu sync.Mutex
	active   *Session
)

// Start publishes a trace session with the given options and installs it as
// the active session. A previously started session is stopped and replaced.
func Start(opts ...StartOption) error {
	s, err := NewSession(opts...)
	if err != nil {
		return err
	}
	activeMu.Lock()
	prev := active
	active = s
	activeMu.Unlock()
	if prev != nil {
		if err := prev.Stop(); err != nil {
			log.Warn("Stopping replaced session: %v", err)
		}
	}
	return nil
}

// Stop stops the active session, draining all committed events into the
// trace file before closing it. Subsequent calls are no-ops.
func Stop() error {
	activeMu.Lock()
	s := active
	active = nil
	activeMu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Stop()
	log.Flush()
	return err
}

// Active returns the running session, or nil if none was started.
func Active() *Session {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}

// NotifySignals arranges for the active session to be stopped, with a full
// final drain, when one of the given signals arrives. With no arguments it
// reacts to SIGINT and SIGTERM. The returned function uninstalls the
// handler.
func NotifySignals(sigs ...os.Signal) (cancel func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			log.Debug("Received %v, stopping trace session", sig)
			if err := Stop(); err != nil {
				log.Error("shutdown", "closing trace session: %v", err)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
