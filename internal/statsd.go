// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadog.com/).
// Copyright 2016 Datadog, Inc.

package internal

import (
	"time"
)

// StatsdClient is the subset of the statsd client interface used to report
// health metrics about the trace pipeline. The datadog-go client satisfies it;
// a no-op implementation is used when no client is configured.
type StatsdClient interface {
	Incr(name string, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
	Flush() error
	Close() error
}

// NoopStatsdClient implements StatsdClient and discards everything.
type NoopStatsdClient struct{}

func (NoopStatsdClient) Incr(string, []string, float64) error                  { return nil }
func (NoopStatsdClient) Count(string, int64, []string, float64) error          { return nil }
func (NoopStatsdClient) Gauge(string, float64, []string, float64) error        { return nil }
func (NoopStatsdClient) Timing(string, time.Duration, []string, float64) error { return nil }
func (NoopStatsdClient) Flush() error                                          { return nil }
func (NoopStatsdClient) Close() error                                          { return nil }
