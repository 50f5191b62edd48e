// Copyright 2022 The infotainer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryOutcome result of delivering one publication to one subscriber
type DeliveryOutcome string

const (
	// DeliveryOK the publication was queued on the subscriber's session
	DeliveryOK DeliveryOutcome = "delivered"
	// DeliverySessionNotFound the subscriber's session is not registered
	DeliverySessionNotFound DeliveryOutcome = "session_not_found"
	// DeliveryOverloaded the subscriber's session outbound queue was full
	DeliveryOverloaded DeliveryOutcome = "overloaded"
	// DeliveryFailed any other failure
	DeliveryFailed DeliveryOutcome = "failed"
)

// Collector broker operation metrics
type Collector struct {
	submits        *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	commands       *prometheus.CounterVec
	sessionEvents  *prometheus.CounterVec
	persistLatency prometheus.Histogram
	writeFailures  prometheus.Counter
	storageReads   prometheus.Histogram
	storageCommits prometheus.Histogram
	storageBytes   *prometheus.CounterVec
}

// NewCollector define the broker metrics and register them
//
//	@param registerer prometheus.Registerer - where to register the metrics
//	@param instance string - value of the "instance" constant label
func NewCollector(registerer prometheus.Registerer, instance string) (*Collector, error) {
	constLabels := prometheus.Labels{"instance": instance}
	c := &Collector{
		submits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "infotainer",
				Subsystem:   "router",
				Name:        "submits_total",
				Help:        "Publications submitted, by result.",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "infotainer",
				Subsystem:   "router",
				Name:        "deliveries_total",
				Help:        "Fan-out deliveries, by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "infotainer",
				Subsystem:   "router",
				Name:        "commands_total",
				Help:        "Client commands handled, by kind and response code.",
				ConstLabels: constLabels,
			},
			[]string{"kind", "code"},
		),
		sessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "infotainer",
				Subsystem:   "session",
				Name:        "events_total",
				Help:        "Session lifecycle events, by transport and event.",
				ConstLabels: constLabels,
			},
			[]string{"transport", "event"},
		),
		persistLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   "infotainer",
				Subsystem:   "router",
				Name:        "persist_duration_seconds",
				Help:        "Time to write one publication to the data log.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
		),
		writeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "infotainer",
				Subsystem:   "data_log",
				Name:        "write_failures_total",
				Help:        "Records which could not be written to the data log.",
				ConstLabels: constLabels,
			},
		),
		storageReads: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   "infotainer",
				Subsystem:   "data_log",
				Name:        "read_duration_seconds",
				Help:        "Point read latency of the data log store.",
				Buckets:     prometheus.ExponentialBuckets(0.00005, 4, 8),
				ConstLabels: constLabels,
			},
		),
		storageCommits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   "infotainer",
				Subsystem:   "data_log",
				Name:        "commit_duration_seconds",
				Help:        "Batch commit latency of the data log store.",
				Buckets:     prometheus.ExponentialBuckets(0.00005, 4, 8),
				ConstLabels: constLabels,
			},
		),
		storageBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "infotainer",
				Subsystem:   "data_log",
				Name:        "bytes_total",
				Help:        "Bytes moved through the data log store, by direction.",
				ConstLabels: constLabels,
			},
			[]string{"direction"},
		),
	}
	for _, collector := range []prometheus.Collector{
		c.submits, c.deliveries, c.commands, c.sessionEvents, c.persistLatency,
		c.writeFailures, c.storageReads, c.storageCommits, c.storageBytes,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordSubmit count one submit
func (c *Collector) RecordSubmit(accepted bool) {
	if c == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.submits.WithLabelValues(result).Inc()
}

// RecordDelivery count one fan-out delivery
func (c *Collector) RecordDelivery(outcome DeliveryOutcome) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(string(outcome)).Inc()
}

// RecordCommand count one handled client command
func (c *Collector) RecordCommand(kind string, code string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(kind, code).Inc()
}

// RecordSessionEvent count one session lifecycle event
func (c *Collector) RecordSessionEvent(transport string, event string) {
	if c == nil {
		return
	}
	c.sessionEvents.WithLabelValues(transport, event).Inc()
}

// RecordPersist record the outcome of writing a publication to the data log
func (c *Collector) RecordPersist(elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.persistLatency.Observe(elapsed.Seconds())
	if err != nil {
		c.writeFailures.Inc()
	}
}

// RecordWriteFailure count a data log write failure outside of publication persistence
func (c *Collector) RecordWriteFailure() {
	if c == nil {
		return
	}
	c.writeFailures.Inc()
}

// ObserveRead implements storage.MetricsHook
func (c *Collector) ObserveRead(elapsed time.Duration, bytes int) {
	if c == nil {
		return
	}
	c.storageReads.Observe(elapsed.Seconds())
	c.storageBytes.WithLabelValues("read").Add(float64(bytes))
}

// ObserveBatchCommit implements storage.MetricsHook
func (c *Collector) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	if c == nil {
		return
	}
	c.storageCommits.Observe(elapsed.Seconds())
	c.storageBytes.WithLabelValues("write").Add(float64(bytes))
}

// DeliveryCounter the counter of one delivery outcome
func (c *Collector) DeliveryCounter(outcome DeliveryOutcome) prometheus.Counter {
	return c.deliveries.WithLabelValues(string(outcome))
}

// WriteFailures the counter of data log write failures
func (c *Collector) WriteFailures() prometheus.Counter {
	return c.writeFailures
}
