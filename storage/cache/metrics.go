/*
 * SegmentDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

/*
Metrics are the Prometheus metrics of a cache. All methods are nil-safe:
calls on a nil *Metrics are no-ops.
*/
type Metrics struct {
	AccessTotal     *prometheus.CounterVec // Page lock requests by result (hit / miss)
	ReadsTotal      prometheus.Counter     // Blocks read from devices
	WritesTotal     prometheus.Counter     // Blocks written to devices
	EvictionsTotal  prometheus.Counter     // Replaced pages
	CheckpointTotal *prometheus.CounterVec // Checkpoints by type
	MappedGauge     prometheus.Gauge       // Mapped pages after the last checkpoint
}

/*
NewMetrics creates and registers cache metrics with the given registerer.
Returns nil if no registerer is given.
*/
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		AccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "segmentdb",
			Subsystem: "cache",
			Name:      "access_total",
			Help:      "Total number of page lock requests",
		}, []string{"result"}),
		ReadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmentdb",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Total number of blocks read from devices",
		}),
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmentdb",
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Total number of blocks written to devices",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "segmentdb",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of replaced pages",
		}),
		CheckpointTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "segmentdb",
			Subsystem: "cache",
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints",
		}, []string{"type"}),
		MappedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "segmentdb",
			Subsystem: "cache",
			Name:      "mapped_pages",
			Help:      "Number of mapped pages",
		}),
	}

	collectors := []prometheus.Collector{
		m.AccessTotal,
		m.ReadsTotal,
		m.WritesTotal,
		m.EvictionsTotal,
		m.CheckpointTotal,
		m.MappedGauge,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {

			// Several caches may share one registry

			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return m
}

func (m *Metrics) recordAccess(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.AccessTotal.WithLabelValues("hit").Inc()
	} else {
		m.AccessTotal.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) recordReads(n int) {
	if m == nil {
		return
	}
	m.ReadsTotal.Add(float64(n))
}

func (m *Metrics) recordWrites(n int) {
	if m == nil {
		return
	}
	m.WritesTotal.Add(float64(n))
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

func (m *Metrics) recordCheckpoint(t CheckpointType) {
	if m == nil {
		return
	}
	m.CheckpointTotal.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) setMapped(n int) {
	if m == nil {
		return
	}
	m.MappedGauge.Set(float64(n))
}
