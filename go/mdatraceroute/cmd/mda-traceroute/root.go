/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/formats"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/metrics"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/probes"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/probes/simulate"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/results"
)

// flag names, also used as configuration keys
const (
	flagConfig       = "config"
	flagAF           = "af"
	flagProtocol     = "protocol"
	flagMinTTL       = "min-ttl"
	flagMaxTTL       = "max-ttl"
	flagConfidence   = "confidence"
	flagMaxRound     = "max-round"
	flagWait         = "wait"
	flagSrcPort      = "src-port"
	flagDstPort      = "dst-port"
	flagProbingRate  = "probing-rate"
	flagStrategy     = "strategy"
	flagMaxFlows     = "max-flows"
	flagFormat       = "format"
	flagOutputFile   = "output-file"
	flagLogLevel     = "log-level"
	flagPrintCommand = "print-command"
	flagSimulate     = "simulate"
	flagMetricsFile  = "metrics-file"
	flagOTelStdout   = "otel-stdout"
)

const envPrefix = "MDA"

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(ProgramName, pflag.ContinueOnError)
	fs.StringP(flagConfig, "c", "", "YAML configuration file")
	fs.String(flagAF, string(familyAny), "Address family of the destination: any, 4 or 6")
	fs.StringP(flagProtocol, "p", string(mdatraceroute.ProtocolUDP), "Probe protocol: udp, icmp or icmp6")
	fs.Int(flagMinTTL, mdatraceroute.DefaultMinTTL, "Minimum TTL")
	fs.Int(flagMaxTTL, mdatraceroute.DefaultMaxTTL, "Maximum TTL")
	fs.Int(flagConfidence, mdatraceroute.DefaultConfidence, "Probability, in percent, of discovering every interface at a TTL")
	fs.Int(flagMaxRound, mdatraceroute.DefaultMaxRound, "Maximum number of rounds")
	fs.Duration(flagWait, mdatraceroute.DefaultWait, "Time to wait for the replies after every round")
	fs.Int(flagSrcPort, mdatraceroute.DefaultSrcPort, "Source port of the first flow")
	fs.Int(flagDstPort, mdatraceroute.DefaultDstPort, "Destination port")
	fs.Int(flagProbingRate, mdatraceroute.DefaultProbingRate, "Probing rate in packets per second, 0 for no pacing")
	fs.String(flagStrategy, string(diamondminer.StrategyTTL), "Flow budget strategy: ttl or node")
	fs.Int(flagMaxFlows, 0, "Maximum number of flows per TTL, 0 for no limit")
	fs.StringP(flagFormat, "f", string(formats.FormatTable), "Output format: "+strings.Join(formatNames(), ", "))
	fs.StringP(flagOutputFile, "o", "", "Output file. If empty or omitted will print to stdout")
	fs.String(flagLogLevel, log.InfoLevel.String(), "Log level: trace, debug, info, warning, error")
	fs.String(flagPrintCommand, "", "Print the equivalent paris-traceroute or scamper command and exit")
	fs.String(flagSimulate, "", "Probe a simulated topology loaded from this YAML file instead of the network")
	fs.String(flagMetricsFile, "", "Write prometheus metrics of the run to this file")
	fs.Bool(flagOTelStdout, false, "Export the OpenTelemetry spans of the run to stderr")
	return fs
}

func formatNames() []string {
	names := make([]string, 0, len(formats.Formats))
	for _, f := range formats.Formats {
		names = append(names, string(f))
	}
	return names
}

func newRootCmd(version string) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "mda-traceroute [flags] <target>",
		Short: "Multipath traceroute with the Multipath Detection Algorithm",
		Long: "mda-traceroute discovers the load-balanced paths towards a destination, " +
			"sending as few probes as needed to find every interface with the requested confidence.",
		Version:       version,
		Args:          cobra.RangeArgs(0, 1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := newOptions(v, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().AddFlagSet(newFlagSet())
	return cmd
}

// initConfig binds the flags, the MDA_* environment variables and the
// optional configuration file.
func initConfig(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("cannot bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if cfgFile := v.GetString(flagConfig); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("cannot read config file %s: %w", cfgFile, err)
		}
	}
	return nil
}

func run(ctx context.Context, opts *options, stdout io.Writer) error {
	level, err := log.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	var (
		prober   mdatraceroute.Prober
		topology *simulate.Topology
	)
	if opts.simulate != "" {
		topology, err = simulate.LoadFile(opts.simulate)
		if err != nil {
			return err
		}
		sim, err := simulate.New(topology)
		if err != nil {
			return err
		}
		prober = sim
	}

	dst, err := opts.destination(ctx, topology)
	if err != nil {
		return err
	}
	cfg, err := opts.config(dst)
	if err != nil {
		return err
	}

	if opts.printCommand != "" {
		command, err := formats.EquivalentCommand(formats.Command(opts.printCommand), cfg, opts.wait)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, command)
		return err
	}

	if prober == nil {
		prober = probes.NewUDP(cfg.ProbingRate, logger)
	}

	if opts.otelStdout {
		shutdown, err := initTracing(os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warningf("Cannot flush traces: %v", err)
			}
		}()
	}

	minerOpts := []diamondminer.Option{diamondminer.WithLogger(logger)}
	var m *metrics.Metrics
	if opts.metricsFile != "" {
		m = metrics.New(dst.String())
		minerOpts = append(minerOpts, diamondminer.WithObserver(m))
	}
	dm, err := diamondminer.New(cfg, minerOpts...)
	if err != nil {
		return err
	}
	// the resolved configuration, with the protocol adapted to the
	// destination
	cfg = dm.Config()

	logger.WithFields(log.Fields{
		"destination": cfg.Destination,
		"protocol":    cfg.Protocol,
		"min_ttl":     cfg.MinTTL,
		"max_ttl":     cfg.MaxTTL,
		"confidence":  cfg.Confidence,
		"strategy":    cfg.Strategy,
	}).Info("Starting MDA traceroute")
	if err := dm.Run(ctx, prober, opts.wait); err != nil {
		return err
	}

	if m != nil {
		if err := m.WriteToTextfile(opts.metricsFile); err != nil {
			return err
		}
	}

	res := newResults(dm, sourceAddr(dst, cfg.DstPort, logger), opts.wait)
	return writeOutput(stdout, opts, res, logger)
}

func newResults(dm *diamondminer.DiamondMiner, src netip.Addr, wait time.Duration) *results.Results {
	cfg := dm.Config()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	return &results.Results{
		Hostname:           hostname,
		Src:                src,
		Dst:                cfg.Destination,
		Protocol:           cfg.Protocol,
		Confidence:         cfg.Confidence,
		MinTTL:             cfg.MinTTL,
		MaxTTL:             cfg.MaxTTL,
		SrcPort:            cfg.SrcPort,
		DstPort:            cfg.DstPort,
		Wait:               wait,
		StartTime:          dm.StartTime(),
		StopTime:           dm.StopTime(),
		ProbesSent:         dm.ProbesSent(),
		Replies:            dm.TimeExceededReplies(),
		DestinationReplies: dm.DestinationReplies(),
	}
}

func writeOutput(stdout io.Writer, opts *options, res *results.Results, logger log.FieldLogger) (err error) {
	w := stdout
	if opts.outputFile != "" {
		fd, err := os.Create(opts.outputFile)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, fd.Close())
		}()
		w = fd
	}
	if err := formats.Write(w, opts.format, res); err != nil {
		return err
	}
	if opts.outputFile != "" {
		logger.Infof("Saved %s output to %s", opts.format, opts.outputFile)
	}
	return nil
}
