/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/spf13/viper"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/formats"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/probes/simulate"
)

var errNoTarget = errors.New("exactly one target is required")

// options holds the program arguments as resolved by viper.
type options struct {
	target       string
	af           family
	protocol     mdatraceroute.Protocol
	minTTL       int
	maxTTL       int
	confidence   int
	maxRound     int
	wait         time.Duration
	srcPort      int
	dstPort      int
	probingRate  int
	strategy     diamondminer.Strategy
	maxFlows     int
	format       formats.Format
	outputFile   string
	logLevel     string
	printCommand string
	simulate     string
	metricsFile  string
	otelStdout   bool
}

func newOptions(v *viper.Viper, args []string) (*options, error) {
	opts := options{
		minTTL:       v.GetInt(flagMinTTL),
		maxTTL:       v.GetInt(flagMaxTTL),
		confidence:   v.GetInt(flagConfidence),
		maxRound:     v.GetInt(flagMaxRound),
		wait:         v.GetDuration(flagWait),
		srcPort:      v.GetInt(flagSrcPort),
		dstPort:      v.GetInt(flagDstPort),
		probingRate:  v.GetInt(flagProbingRate),
		maxFlows:     v.GetInt(flagMaxFlows),
		outputFile:   v.GetString(flagOutputFile),
		logLevel:     v.GetString(flagLogLevel),
		printCommand: v.GetString(flagPrintCommand),
		simulate:     v.GetString(flagSimulate),
		metricsFile:  v.GetString(flagMetricsFile),
		otelStdout:   v.GetBool(flagOTelStdout),
	}
	if len(args) > 0 {
		opts.target = args[0]
	}
	if opts.target == "" && opts.simulate == "" {
		return nil, errNoTarget
	}

	var err error
	if opts.af, err = parseFamily(v.GetString(flagAF)); err != nil {
		return nil, err
	}
	if opts.protocol, err = mdatraceroute.ParseProtocol(v.GetString(flagProtocol)); err != nil {
		return nil, err
	}
	if opts.strategy, err = diamondminer.ParseStrategy(v.GetString(flagStrategy)); err != nil {
		return nil, err
	}
	if opts.format, err = formats.ParseFormat(v.GetString(flagFormat)); err != nil {
		return nil, err
	}
	if opts.wait < 0 {
		return nil, fmt.Errorf("invalid wait %s, must not be negative", opts.wait)
	}
	return &opts, nil
}

// destination resolves the target. A simulated run without a target probes
// the destination of the topology.
func (o *options) destination(ctx context.Context, topology *simulate.Topology) (netip.Addr, error) {
	if o.target == "" {
		if topology == nil {
			return netip.Addr{}, errNoTarget
		}
		return topology.Destination, nil
	}
	return resolve(ctx, defaultResolver, o.target, o.af)
}

// config converts the options to a Diamond-Miner configuration.
func (o *options) config(dst netip.Addr) (diamondminer.Config, error) {
	var errs []error
	check := func(name string, value, maxValue int) {
		if value < 0 || value > maxValue {
			errs = append(errs, fmt.Errorf("invalid %s %d, must be between 0 and %d", name, value, maxValue))
		}
	}
	check(flagMinTTL, o.minTTL, math.MaxUint8)
	check(flagMaxTTL, o.maxTTL, math.MaxUint8)
	check(flagSrcPort, o.srcPort, math.MaxUint16)
	check(flagDstPort, o.dstPort, math.MaxUint16)
	if len(errs) > 0 {
		return diamondminer.Config{}, errors.Join(errs...)
	}
	cfg := diamondminer.DefaultConfig()
	cfg.Destination = dst
	cfg.Protocol = o.protocol.ForDestination(dst)
	cfg.MinTTL = uint8(o.minTTL)
	cfg.MaxTTL = uint8(o.maxTTL)
	cfg.SrcPort = uint16(o.srcPort)
	cfg.DstPort = uint16(o.dstPort)
	cfg.Confidence = o.confidence
	cfg.MaxRound = o.maxRound
	cfg.ProbingRate = o.probingRate
	cfg.Strategy = o.strategy
	cfg.MaxFlows = o.maxFlows
	return cfg, cfg.Validate()
}
