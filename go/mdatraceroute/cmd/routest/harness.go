/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/probes/simulate"
)

// Config describes a batch of simulated runs. Run i uses the source ports
// starting at Miner.SrcPort + i*PortStep, so that every run balances a
// different set of flows.
type Config struct {
	Miner    diamondminer.Config
	Runs     int
	PortStep int
}

// Report summarizes a batch of simulated runs.
type Report struct {
	Runs int
	// Complete is the number of runs that discovered every link.
	Complete int
	Probes   int
	Failed   []uint16
}

// SuccessRate returns the fraction of runs that discovered every link.
func (r Report) SuccessRate() float64 {
	if r.Runs == 0 {
		return 0
	}
	return float64(r.Complete) / float64(r.Runs)
}

// MeanProbes returns the mean number of probes sent by a run.
func (r Report) MeanProbes() float64 {
	if r.Runs == 0 {
		return 0
	}
	return float64(r.Probes) / float64(r.Runs)
}

// Print writes a human-readable summary of the report.
func (r Report) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, "runs: %d\ncomplete: %d (%.2f%%)\nmean probes: %.1f\n",
		r.Runs, r.Complete, 100*r.SuccessRate(), r.MeanProbes())
	if err != nil {
		return err
	}
	if len(r.Failed) > 0 {
		_, err = fmt.Fprintf(w, "incomplete runs, by source port: %v\n", r.Failed)
	}
	return err
}

// Evaluate runs the miner against the simulated topology cfg.Runs times.
func Evaluate(ctx context.Context, topology *simulate.Topology, cfg Config, logger logrus.FieldLogger) (*Report, error) {
	sim, err := simulate.New(topology)
	if err != nil {
		return nil, err
	}
	if !cfg.Miner.Destination.IsValid() {
		cfg.Miner.Destination = topology.Destination
	}
	if cfg.PortStep <= 0 {
		cfg.PortStep = 1
	}
	expected := topology.Links(cfg.Miner.MinTTL, cfg.Miner.MaxTTL)

	report := Report{Runs: cfg.Runs}
	for i := 0; i < cfg.Runs; i++ {
		minerCfg := cfg.Miner
		port := int(cfg.Miner.SrcPort) + i*cfg.PortStep
		if port > 0xffff {
			return nil, fmt.Errorf("run %d: source port %d out of range", i, port)
		}
		minerCfg.SrcPort = uint16(port)
		dm, err := diamondminer.New(minerCfg,
			diamondminer.WithLogger(logger),
			diamondminer.WithRand(rand.New(rand.NewPCG(uint64(i), uint64(port)))),
		)
		if err != nil {
			return nil, err
		}
		if err := dm.Run(ctx, sim, 0); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		report.Probes += dm.TotalProbesSent()
		if complete(expected, dm.Links()) {
			report.Complete++
		} else {
			report.Failed = append(report.Failed, minerCfg.SrcPort)
			logger.Debugf("Run %d from source port %d missed some links", i, minerCfg.SrcPort)
		}
	}
	return &report, nil
}

// complete returns true if every expected link was found.
func complete(expected, found map[uint8]links.LinkSet) bool {
	for ttl, set := range expected {
		for l := range set {
			if !found[ttl].Contains(l) {
				return false
			}
		}
	}
	return true
}
