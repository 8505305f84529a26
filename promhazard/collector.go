// Package promhazard exports the stats of a hazard.Pointers domain as Prometheus metrics.
package promhazard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jayloop/hazard"
)

type metric struct {
	stat      string
	valueType prometheus.ValueType
	desc      *prometheus.Desc
}

// Collector is a prometheus.Collector reading Pointers.Stats on every scrape.
type Collector struct {
	hp      *hazard.Pointers
	metrics []metric
}

// NewCollector returns a collector for hp. Every metric carries the constant label domain=name.
func NewCollector(hp *hazard.Pointers, name string) *Collector {
	labels := prometheus.Labels{"domain": name}
	def := func(stat, fqName, help string, vt prometheus.ValueType) metric {
		return metric{
			stat:      stat,
			valueType: vt,
			desc:      prometheus.NewDesc(fqName, help, nil, labels),
		}
	}
	return &Collector{
		hp: hp,
		metrics: []metric{
			def("handles_active", "hazard_handles_active", "Handles currently acquired.", prometheus.GaugeValue),
			def("handles_created", "hazard_handles_created", "Handles created since start.", prometheus.GaugeValue),
			def("retired_pending", "hazard_retired_pending", "Retired blocks waiting for reclamation.", prometheus.GaugeValue),
			def("op_mark", "hazard_marks_total", "Hazards published by released or flushed handles.", prometheus.CounterValue),
			def("op_mark_retries", "hazard_mark_retries_total", "Mark validations that had to retry.", prometheus.CounterValue),
			def("op_retire", "hazard_retired_total", "Blocks retired by released or flushed handles.", prometheus.CounterValue),
			def("op_scan", "hazard_scans_total", "Reclamation passes run.", prometheus.CounterValue),
			def("op_reclaimed", "hazard_reclaimed_total", "Blocks handed back to their backend.", prometheus.CounterValue),
			def("op_scan_failures", "hazard_scan_failures_total", "Reclamation passes with at least one failed deallocation.", prometheus.CounterValue),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := make(map[string]interface{})
	c.hp.Stats(stats)
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, toFloat(stats[m.stat]))
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}
