// Package telemetry exposes discovery metrics to Prometheus.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/esprit-cli/esprit/internal/discovery"
)

// MetricsSource provides the current discovery metrics. The engine
// implements it.
type MetricsSource interface {
	GetMetrics() discovery.DiscoveryMetrics
}

// Collector adapts discovery metrics to a Prometheus collector. Metrics
// are recomputed from engine state on every scrape, so the collector
// never holds stale counters of its own.
type Collector struct {
	source MetricsSource

	hypothesesTotal  *prometheus.Desc
	hypothesesByStat *prometheus.Desc
	experimentsTotal *prometheus.Desc
	anomaliesTotal   *prometheus.Desc
	conversionRate   *prometheus.Desc
	noveltyRatio     *prometheus.Desc
}

// NewCollector creates a collector reading from the given source.
func NewCollector(source MetricsSource) *Collector {
	return &Collector{
		source: source,
		hypothesesTotal: prometheus.NewDesc(
			"esprit_discovery_hypotheses_total",
			"Total hypotheses generated during the scan",
			nil, nil),
		hypothesesByStat: prometheus.NewDesc(
			"esprit_discovery_hypotheses",
			"Hypotheses by lifecycle status",
			[]string{"status"}, nil),
		experimentsTotal: prometheus.NewDesc(
			"esprit_discovery_experiments_total",
			"Experiments by outcome",
			[]string{"outcome"}, nil),
		anomaliesTotal: prometheus.NewDesc(
			"esprit_discovery_anomalies_total",
			"Total anomaly events observed",
			nil, nil),
		conversionRate: prometheus.NewDesc(
			"esprit_discovery_hypothesis_conversion_rate",
			"Share of tested hypotheses that validated",
			nil, nil),
		noveltyRatio: prometheus.NewDesc(
			"esprit_discovery_novelty_ratio",
			"Share of hypotheses that were not duplicates",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hypothesesTotal
	ch <- c.hypothesesByStat
	ch <- c.experimentsTotal
	ch <- c.anomaliesTotal
	ch <- c.conversionRate
	ch <- c.noveltyRatio
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.source.GetMetrics()

	ch <- prometheus.MustNewConstMetric(c.hypothesesTotal, prometheus.GaugeValue,
		float64(m.TotalHypotheses))

	ch <- prometheus.MustNewConstMetric(c.hypothesesByStat, prometheus.GaugeValue,
		float64(m.QueuedHypotheses), "queued")
	ch <- prometheus.MustNewConstMetric(c.hypothesesByStat, prometheus.GaugeValue,
		float64(m.ValidatedHypotheses), "validated")
	ch <- prometheus.MustNewConstMetric(c.hypothesesByStat, prometheus.GaugeValue,
		float64(m.FalsifiedHypotheses), "falsified")
	ch <- prometheus.MustNewConstMetric(c.hypothesesByStat, prometheus.GaugeValue,
		float64(m.InconclusiveHypotheses), "inconclusive")
	ch <- prometheus.MustNewConstMetric(c.hypothesesByStat, prometheus.GaugeValue,
		float64(m.DedupedHypotheses), "deduped")

	ch <- prometheus.MustNewConstMetric(c.experimentsTotal, prometheus.GaugeValue,
		float64(m.CompletedExperiments), "completed")
	ch <- prometheus.MustNewConstMetric(c.experimentsTotal, prometheus.GaugeValue,
		float64(m.FailedExperiments), "failed")

	ch <- prometheus.MustNewConstMetric(c.anomaliesTotal, prometheus.GaugeValue,
		float64(m.TotalAnomalies))
	ch <- prometheus.MustNewConstMetric(c.conversionRate, prometheus.GaugeValue,
		m.HypothesisConversionRate)
	ch <- prometheus.MustNewConstMetric(c.noveltyRatio, prometheus.GaugeValue,
		m.NoveltyRatio)
}
