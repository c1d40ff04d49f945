// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2018 Datadog, Inc.

package tracer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/ada-trace/ada-trace-go/atf"
	"github.com/ada-trace/ada-trace-go/internal"
	"github.com/ada-trace/ada-trace-go/internal/log"
	"github.com/ada-trace/ada-trace-go/ring"
)

// config holds the session configuration.
type config struct {
	// session specifies the shared-memory session name under which the
	// arena directory is published.
	session string

	// tracePath is the output trace file. Defaults to
	// <traceDir>/<session>.atf.
	tracePath string

	// traceDir is the directory trace files are written into.
	traceDir string

	// formatVersion selects the trace format written, atf.V1 or atf.V2.
	formatVersion uint8

	// overflowPolicy selects the ring-buffer behaviour when a writer hits
	// a full ring.
	overflowPolicy ring.Policy

	// maxThreads caps the number of instrumented threads the registry
	// arena is sized for.
	maxThreads uint32

	// ringCapacity is the per-thread ring capacity in slots. Power of two.
	ringCapacity uint32

	// slotSize is the size of one ring slot in bytes.
	slotSize uint32

	// batchSize is the number of events the drain thread copies out of a
	// ring per scan.
	batchSize int

	// pollInterval is how long the drain thread sleeps when every ring
	// was found empty.
	pollInterval time.Duration

	// statsInterval is the interval at which health metrics are reported.
	statsInterval time.Duration

	// rules is the trigger rule set deciding persistence per event.
	rules []Rule

	// compression enables zstd payload compression in the trace file.
	compression bool

	// meta is extra session metadata embedded in the trace header.
	meta map[string]string

	// statsd reports pipeline health metrics.
	statsd internal.StatsdClient
}

// StartOption represents a function that can be provided as a parameter to
// NewSession or Start.
type StartOption func(*config)

// newConfig builds a config from defaults, environment and options.
func newConfig(opts ...StartOption) *config {
	c := new(config)
	defaults(c)
	for _, fn := range opts {
		fn(c)
	}
	if c.tracePath == "" {
		c.tracePath = filepath.Join(c.traceDir, c.session+".atf")
	}
	if c.statsd == nil {
		c.statsd = internal.NoopStatsdClient{}
	}
	return c
}

// defaults sets the default values for a config.
func defaults(c *config) {
	c.session = fmt.Sprintf("%s-%d", filepath.Base(os.Args[0]), os.Getpid())
	c.traceDir = "."
	c.formatVersion = atf.V2
	c.overflowPolicy = ring.DropNew
	c.maxThreads = 64
	c.ringCapacity = 1024
	c.slotSize = 256
	c.batchSize = 256
	c.pollInterval = time.Millisecond
	c.statsInterval = 10 * time.Second
	if v := os.Getenv("ADA_TRACE_DIR"); v != "" {
		c.traceDir = v
	}
	if v := os.Getenv("ADA_TRACE_FORMAT_VERSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != atf.V1 && n != atf.V2) {
			log.Warn("Invalid value for ADA_TRACE_FORMAT_VERSION: %q", v)
		} else {
			c.formatVersion = uint8(n)
		}
	}
	if v := os.Getenv("ADA_TRACE_OVERFLOW_POLICY"); v != "" {
		switch v {
		case "drop-new":
			c.overflowPolicy = ring.DropNew
		case "overwrite-oldest":
			c.overflowPolicy = ring.OverwriteOldest
		default:
			log.Warn("Invalid value for ADA_TRACE_OVERFLOW_POLICY: %q", v)
		}
	}
}

// WithSession sets the shared-memory session name. It must be unique among
// live sessions on the host.
func WithSession(name string) StartOption {
	return func(c *config) {
		c.session = name
	}
}

// WithTracePath sets the full path of the output trace file.
func WithTracePath(path string) StartOption {
	return func(c *config) {
		c.tracePath = path
	}
}

// WithTraceDir sets the directory trace files are written into. The default
// is the working directory, overridable with ADA_TRACE_DIR.
func WithTraceDir(dir string) StartOption {
	return func(c *config) {
		c.traceDir = dir
	}
}

// WithFormatVersion selects the trace format version written, atf.V1 or
// atf.V2. The default is atf.V2.
func WithFormatVersion(v uint8) StartOption {
	return func(c *config) {
		c.formatVersion = v
	}
}

// WithOverflowPolicy selects the behaviour of ring-buffer writers hitting a
// full ring. The default is ring.DropNew.
func WithOverflowPolicy(p ring.Policy) StartOption {
	return func(c *config) {
		c.overflowPolicy = p
	}
}

// WithMaxThreads sizes the registry arena for up to n instrumented threads.
func WithMaxThreads(n uint32) StartOption {
	return func(c *config) {
		c.maxThreads = n
	}
}

// WithRingGeometry sets the per-thread ring capacity (a power of two) and
// slot size in bytes.
func WithRingGeometry(capacity, slotSize uint32) StartOption {
	return func(c *config) {
		c.ringCapacity = capacity
		c.slotSize = slotSize
	}
}

// WithPollInterval sets how long the drain thread waits between scans when
// all rings are empty.
func WithPollInterval(d time.Duration) StartOption {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithTriggerRule adds a trigger rule: events of the given kind are
// persisted starting with occurrence after+1. With at least one rule
// configured, events of kinds without a rule are not persisted; with no
// rules, everything is.
func WithTriggerRule(kind uint8, after int) StartOption {
	return func(c *config) {
		c.rules = append(c.rules, Rule{Kind: kind, After: after})
	}
}

// WithCompression enables zstd compression of record payloads in the trace
// file.
func WithCompression() StartOption {
	return func(c *config) {
		c.compression = true
	}
}

// WithMeta adds a key/value pair to the session metadata embedded in the
// trace file header.
func WithMeta(key, value string) StartOption {
	return func(c *config) {
		if c.meta == nil {
			c.meta = make(map[string]string)
		}
		c.meta[key] = value
	}
}

// WithStatsdClient sets a custom statsd client for health metrics.
func WithStatsdClient(client internal.StatsdClient) StartOption {
	return func(c *config) {
		c.statsd = client
	}
}

// WithDogstatsdAddr reports health metrics to the dogstatsd server at the
// given address, e.g. "localhost:8125".
func WithDogstatsdAddr(addr string) StartOption {
	return func(c *config) {
		client, err := statsd.New(addr, statsd.WithNamespace("ada.tracer."))
		if err != nil {
			log.Warn("Connecting to dogstatsd at %s: %v", addr, err)
			return
		}
		c.statsd = client
	}
}
