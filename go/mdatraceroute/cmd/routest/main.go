/* SPDX-License-Identifier: BSD-2-Clause */

// routest runs MDA traceroute many times against a simulated topology, and
// reports how often every link was discovered and how many probes it took.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/probes/simulate"
)

var log = logrus.New()

var (
	flagTopology   = flag.StringP("topology", "t", "", "YAML file describing the simulated topology")
	flagRuns       = flag.IntP("runs", "n", 100, "Number of runs")
	flagPortStep   = flag.Int("port-step", 64, "Distance between the first source ports of two runs")
	flagSrcPort    = flag.Int("src-port", mdatraceroute.DefaultSrcPort, "First source port of the first run")
	flagProtocol   = flag.StringP("protocol", "p", string(mdatraceroute.ProtocolUDP), "Probe protocol: udp, icmp or icmp6")
	flagMinTTL     = flag.Uint8("min-ttl", mdatraceroute.DefaultMinTTL, "Minimum TTL")
	flagMaxTTL     = flag.Uint8("max-ttl", mdatraceroute.DefaultMaxTTL, "Maximum TTL")
	flagConfidence = flag.Int("confidence", mdatraceroute.DefaultConfidence, "Confidence, in percent")
	flagMaxRound   = flag.Int("max-round", mdatraceroute.DefaultMaxRound, "Maximum number of rounds")
	flagStrategy   = flag.String("strategy", string(diamondminer.StrategyTTL), "Flow budget strategy: ttl or node")
	flagDebug      = flag.BoolP("debug", "d", false, "Enable debug logs")
)

func main() {
	flag.Parse()
	if *flagDebug {
		log.SetLevel(logrus.DebugLevel)
	}
	if *flagTopology == "" {
		log.Fatal("A topology file is required")
	}
	if *flagSrcPort < 0 || *flagSrcPort > 0xffff {
		log.Fatalf("Invalid source port %d", *flagSrcPort)
	}
	topology, err := simulate.LoadFile(*flagTopology)
	if err != nil {
		log.Fatal(err)
	}
	protocol, err := mdatraceroute.ParseProtocol(*flagProtocol)
	if err != nil {
		log.Fatal(err)
	}
	strategy, err := diamondminer.ParseStrategy(*flagStrategy)
	if err != nil {
		log.Fatal(err)
	}

	minerCfg := diamondminer.DefaultConfig()
	minerCfg.Destination = topology.Destination
	minerCfg.Protocol = protocol
	minerCfg.MinTTL = *flagMinTTL
	minerCfg.MaxTTL = *flagMaxTTL
	minerCfg.SrcPort = uint16(*flagSrcPort)
	minerCfg.Confidence = *flagConfidence
	minerCfg.MaxRound = *flagMaxRound
	minerCfg.Strategy = strategy

	// per-round logs are too verbose for a batch of runs
	runLog := logrus.New()
	runLog.SetLevel(logrus.WarnLevel)

	report, err := Evaluate(context.Background(), topology, Config{
		Miner:    minerCfg,
		Runs:     *flagRuns,
		PortStep: *flagPortStep,
	}, runLog)
	if err != nil {
		log.Fatal(err)
	}
	if err := report.Print(os.Stdout); err != nil {
		log.Fatal(err)
	}
	if want := float64(*flagConfidence) / 100; report.SuccessRate() < want {
		fmt.Fprintf(os.Stderr, "success rate %.2f below the requested confidence %.2f\n", report.SuccessRate(), want)
	}
}
