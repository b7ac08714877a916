/* SPDX-License-Identifier: BSD-2-Clause */

// Package metrics records the progress of Diamond-Miner runs as prometheus
// metrics, which can be written to a node-exporter textfile.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"
)

var _ diamondminer.Observer = (*Metrics)(nil)

// Metrics defines the metric collectors of a run.
type Metrics struct {
	registry      *prometheus.Registry
	rounds        *prometheus.CounterVec
	probes        *prometheus.CounterVec
	replies       *prometheus.CounterVec
	links         *prometheus.GaugeVec
	roundDuration *prometheus.HistogramVec
	destination   string
}

// New initializes the collectors of a run towards destination and registers
// them on a new registry.
func New(destination string) *Metrics {
	m := Metrics{
		registry:    prometheus.NewRegistry(),
		destination: destination,
		rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mda_rounds_total",
				Help: "Total number of Diamond-Miner rounds completed.",
			},
			[]string{"destination"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mda_probes_sent_total",
				Help: "Total number of probes sent.",
			},
			[]string{"destination"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mda_replies_total",
				Help: "Total number of replies received, by kind.",
			},
			[]string{"destination", "kind"},
		),
		links: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mda_links_discovered",
				Help: "Number of distinct links discovered so far.",
			},
			[]string{"destination"},
		),
		roundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mda_round_duration_seconds",
				Help:    "Histogram of the time spent probing in a round, in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"destination"},
		),
	}
	m.registry.MustRegister(m.Collectors()...)
	return &m
}

// Collectors returns all metric collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rounds,
		m.probes,
		m.replies,
		m.links,
		m.roundDuration,
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRound records a completed round.
func (m *Metrics) ObserveRound(info diamondminer.RoundInfo) {
	m.rounds.WithLabelValues(m.destination).Inc()
	m.probes.WithLabelValues(m.destination).Add(float64(len(info.Probes)))
	for _, r := range info.Replies {
		m.replies.WithLabelValues(m.destination, r.Kind().String()).Inc()
	}
	m.links.WithLabelValues(m.destination).Set(float64(info.Links))
	m.roundDuration.WithLabelValues(m.destination).Observe(info.Duration.Seconds())
}

// WriteToTextfile writes the metrics in the text format node-exporter's
// textfile collector reads.
func (m *Metrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("cannot write metrics to %s: %w", path, err)
	}
	return nil
}
