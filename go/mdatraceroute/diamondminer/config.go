/* SPDX-License-Identifier: BSD-2-Clause */

package diamondminer

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

// Validation errors returned by Config.Validate, wrapped.
var (
	ErrInvalidTTLRange    = errors.New("invalid TTL range")
	ErrInvalidConfidence  = errors.New("invalid confidence")
	ErrInvalidMaxRound    = errors.New("invalid maximum round")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrInvalidProtocol    = errors.New("invalid protocol")
	ErrInvalidProbingRate = errors.New("invalid probing rate")
	ErrFlowSpaceExhausted = errors.New("flow space exhausted")
	ErrInvalidStrategy    = errors.New("invalid strategy")
)

// Strategy selects how the per-TTL flow budget of a round is computed.
type Strategy string

// Budget strategies. StrategyTTL sizes every TTL on the number of links seen
// there. StrategyNode sizes it on the least explored node of the previous
// TTL, weighted by the fraction of flows that reach it.
const (
	StrategyTTL  Strategy = "ttl"
	StrategyNode Strategy = "node"
)

// ParseStrategy parses a strategy name, case insensitive.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(s))
	switch st {
	case StrategyTTL, StrategyNode:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q, must be one of ttl, node", ErrInvalidStrategy, s)
}

// Config holds the parameters of a Diamond-Miner run.
type Config struct {
	Destination netip.Addr
	Protocol    mdatraceroute.Protocol
	MinTTL      uint8
	MaxTTL      uint8
	SrcPort     uint16
	DstPort     uint16
	// Confidence is the probability, in percent, of discovering every
	// interface at a TTL. Must be in [0, 100).
	Confidence int
	MaxRound   int
	// ProbingRate in packets per second, only used to estimate the duration
	// of a round. 0 means unknown.
	ProbingRate int
	Strategy    Strategy
	// MaxFlows caps the number of flows per TTL. 0 means as many as the
	// source port space allows.
	MaxFlows int
}

// DefaultConfig returns a configuration with the default values and no
// destination.
func DefaultConfig() Config {
	return Config{
		Protocol:    mdatraceroute.ProtocolICMP,
		MinTTL:      mdatraceroute.DefaultMinTTL,
		MaxTTL:      mdatraceroute.DefaultMaxTTL,
		SrcPort:     mdatraceroute.DefaultSrcPort,
		DstPort:     mdatraceroute.DefaultDstPort,
		Confidence:  mdatraceroute.DefaultConfidence,
		MaxRound:    mdatraceroute.DefaultMaxRound,
		ProbingRate: mdatraceroute.DefaultProbingRate,
		Strategy:    StrategyTTL,
	}
}

// flowSpace returns the number of flow ids that fit in the source port range.
func (c Config) flowSpace() int {
	return 0x10000 - int(c.SrcPort)
}

// maxFlows returns the effective cap on the flows per TTL.
func (c Config) maxFlows() int {
	if c.MaxFlows == 0 {
		return c.flowSpace()
	}
	return c.MaxFlows
}

// Validate checks that the configuration is usable, and returns all the
// problems found.
func (c Config) Validate() error {
	var errs []error
	if !c.Destination.IsValid() || c.Destination.IsUnspecified() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidDestination, c.Destination))
	}
	if !c.Protocol.IsValid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidProtocol, c.Protocol))
	} else if c.Protocol == mdatraceroute.ProtocolICMP6 && c.Destination.Is4() {
		errs = append(errs, fmt.Errorf("%w: icmp6 towards IPv4 destination %s", ErrInvalidProtocol, c.Destination))
	}
	if c.MinTTL == 0 {
		errs = append(errs, fmt.Errorf("%w: minimum TTL must be positive", ErrInvalidTTLRange))
	}
	if c.MaxTTL < c.MinTTL {
		errs = append(errs, fmt.Errorf("%w: maximum TTL %d is lower than minimum TTL %d", ErrInvalidTTLRange, c.MaxTTL, c.MinTTL))
	}
	if c.Confidence < 0 || c.Confidence >= 100 {
		errs = append(errs, fmt.Errorf("%w: %d, must be in [0, 100)", ErrInvalidConfidence, c.Confidence))
	}
	if c.MaxRound < 0 {
		errs = append(errs, fmt.Errorf("%w: %d, must not be negative", ErrInvalidMaxRound, c.MaxRound))
	}
	if c.ProbingRate < 0 {
		errs = append(errs, fmt.Errorf("%w: %d, must not be negative", ErrInvalidProbingRate, c.ProbingRate))
	}
	if c.MaxFlows < 0 || c.MaxFlows > c.flowSpace() {
		errs = append(errs, fmt.Errorf("%w: %d flows from source port %d", ErrFlowSpaceExhausted, c.MaxFlows, c.SrcPort))
	}
	switch c.Strategy {
	case StrategyTTL, StrategyNode:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Strategy))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
