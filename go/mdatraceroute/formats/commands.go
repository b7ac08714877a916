/* SPDX-License-Identifier: BSD-2-Clause */

package formats

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
)

// Command is a tool that can run an equivalent MDA traceroute.
type Command string

// equivalent commands
const (
	CommandParisTraceroute Command = "paris-traceroute"
	CommandScamper         Command = "scamper"
)

// EquivalentCommand returns the command line running the same traceroute
// with another tool.
func EquivalentCommand(c Command, cfg diamondminer.Config, wait time.Duration) (string, error) {
	switch Command(strings.ToLower(string(c))) {
	case CommandParisTraceroute:
		return ParisTracerouteCommand(cfg, wait), nil
	case CommandScamper:
		return ScamperCommand(cfg, wait), nil
	}
	return "", fmt.Errorf("invalid command %q, must be one of %s, %s", c, CommandParisTraceroute, CommandScamper)
}

func waitSeconds(wait time.Duration) int {
	return int(math.Ceil(wait.Seconds()))
}

// ParisTracerouteCommand returns the equivalent paris-traceroute command.
func ParisTracerouteCommand(cfg diamondminer.Config, wait time.Duration) string {
	protocolFlag := "--udp"
	if cfg.Protocol.IsICMP() {
		protocolFlag = "--icmp"
	}
	return fmt.Sprintf("paris-traceroute --algorithm mda --src-port %d --dst-port %d %s --first %d --max-hops %d -q 1 -w %d %s",
		cfg.SrcPort, cfg.DstPort, protocolFlag, cfg.MinTTL, cfg.MaxTTL, waitSeconds(wait), links.FormatAddr(cfg.Destination.Unmap()))
}

// ScamperCommand returns the equivalent scamper tracelb command.
func ScamperCommand(cfg diamondminer.Config, wait time.Duration) string {
	method := "udp-sport"
	if cfg.Protocol.IsICMP() {
		method = "icmp-echo"
	}
	tracelb := fmt.Sprintf("tracelb -P %s -s %d -d %d -f %d -q 1 -w %d %s",
		method, cfg.SrcPort, cfg.DstPort, cfg.MinTTL, waitSeconds(wait), links.FormatAddr(cfg.Destination.Unmap()))
	return fmt.Sprintf("scamper -p %d -O json -I %q", cfg.ProbingRate, tracelb)
}
