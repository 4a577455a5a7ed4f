// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the bounded
// bounded caches of the engine: OSCORE exchange, EDHOC session,
// outer-Block1/Block2 reassembly, Echo, pending retransmissions and the
// observer registry. Grounded on runZeroInc/conniver and
// runZeroInc/sockstats's tcpinfo-gauge pattern of registering a small,
// named set of gauges/counters against client_golang's default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics is the per-cache instrumentation set: current occupancy,
// cumulative evictions split by reason, and cumulative lookups split by
// hit/miss. One instance is created per bounded table.
type CacheMetrics struct {
	Occupancy prometheus.Gauge
	Evictions *prometheus.CounterVec
	Lookups   *prometheus.CounterVec
}

// NewCacheMetrics registers a fresh CacheMetrics under the given cache
// name (e.g. "oscore_exchange", "edhoc_session", "outer_block",
// "echo", "pending", "observer") against reg. Passing a private
// *prometheus.Registry (rather than the global default) is the normal
// choice for tests, so repeated registration across table-driven cases
// does not panic on duplicate metric names.
func NewCacheMetrics(reg prometheus.Registerer, name string) *CacheMetrics {
	m := &CacheMetrics{
		Occupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap_engine",
			Subsystem: name,
			Name:      "occupancy",
			Help:      "current number of entries in the " + name + " cache",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap_engine",
			Subsystem: name,
			Name:      "evictions_total",
			Help:      "cumulative evictions from the " + name + " cache, by reason",
		}, []string{"reason"}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coap_engine",
			Subsystem: name,
			Name:      "lookups_total",
			Help:      "cumulative lookups against the " + name + " cache, by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Occupancy, m.Evictions, m.Lookups)
	return m
}

// RecordEviction increments the eviction counter for the given reason
// (e.g. "lru", "ttl_expired") and decrements occupancy.
func (m *CacheMetrics) RecordEviction(reason string) {
	m.Evictions.WithLabelValues(reason).Inc()
	m.Occupancy.Dec()
}

// RecordInsert increments occupancy on a successful insert.
func (m *CacheMetrics) RecordInsert() {
	m.Occupancy.Inc()
}

// RecordLookup increments the lookup counter for "hit" or "miss".
func (m *CacheMetrics) RecordLookup(hit bool) {
	if hit {
		m.Lookups.WithLabelValues("hit").Inc()
		return
	}
	m.Lookups.WithLabelValues("miss").Inc()
}

// ReplayRejections counts OSCORE replay-window violations, surfaced
// separately from generic cache misses since a replay hit is a security
// event worth alerting on, not routine churn.
var ReplayRejections = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "coap_engine",
	Name:      "oscore_replay_rejections_total",
	Help:      "cumulative requests rejected for OSCORE Partial IV replay",
})

// EDHOCHandshakeFailures counts EDHOC sessions that transitioned to FAILED.
var EDHOCHandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "coap_engine",
	Name:      "edhoc_handshake_failures_total",
	Help:      "cumulative EDHOC sessions that ended in the FAILED state",
})

// MustRegisterGlobals registers the package-level counters above against
// reg; callers typically do this once at startup against the default
// registry, and skip it entirely in unit tests that only exercise
// per-cache CacheMetrics against a private registry.
func MustRegisterGlobals(reg prometheus.Registerer) {
	reg.MustRegister(ReplayRejections, EDHOCHandshakeFailures)
}
