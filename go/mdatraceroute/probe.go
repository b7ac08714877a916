/* SPDX-License-Identifier: BSD-2-Clause */

package mdatraceroute

import (
	"fmt"
	"net/netip"
	"strings"
)

// Protocol is the transport protocol of the probes.
type Protocol string

// Supported probe protocols. ICMP towards an IPv6 destination is ICMP6.
const (
	ProtocolICMP  Protocol = "icmp"
	ProtocolICMP6 Protocol = "icmp6"
	ProtocolUDP   Protocol = "udp"
)

// IANA protocol numbers
const (
	ProtoICMP   uint8 = 1
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// ParseProtocol parses a protocol name, case insensitive.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(s))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid protocol %q, must be one of icmp, icmp6, udp", s)
	}
	return p, nil
}

// IsValid returns true for the supported protocols.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolICMP, ProtocolICMP6, ProtocolUDP:
		return true
	}
	return false
}

// Number returns the IANA protocol number, or 0 for unknown protocols.
func (p Protocol) Number() uint8 {
	switch p {
	case ProtocolICMP:
		return ProtoICMP
	case ProtocolICMP6:
		return ProtoICMPv6
	case ProtocolUDP:
		return ProtoUDP
	}
	return 0
}

// ForDestination returns ICMP6 when p is ICMP and dst is an IPv6 address.
func (p Protocol) ForDestination(dst netip.Addr) Protocol {
	if p == ProtocolICMP && dst.Is6() && !dst.Is4In6() {
		return ProtocolICMP6
	}
	return p
}

// IsICMP returns true for ICMP and ICMP6.
func (p Protocol) IsICMP() bool {
	return p == ProtocolICMP || p == ProtocolICMP6
}

// Probe is a single probe to send. For ICMP probes SrcPort is the value of the
// ICMP checksum, which is what per-flow load balancers hash on instead of the
// UDP source port.
type Probe struct {
	Dst      netip.Addr
	Protocol Protocol
	SrcPort  uint16
	DstPort  uint16
	TTL      uint8
}

// Flow returns the flow identifier of the probe.
func (p Probe) Flow() Flow {
	return Flow{
		Protocol: p.Protocol.Number(),
		Dst:      p.Dst,
		SrcPort:  p.SrcPort,
		DstPort:  p.DstPort,
	}
}

func (p Probe) String() string {
	return fmt.Sprintf("%s %s sport=%d dport=%d ttl=%d", p.Protocol, p.Dst, p.SrcPort, p.DstPort, p.TTL)
}

// Flow is the set of fields a per-flow load balancer hashes on. Two probes of
// the same flow follow the same path up to any TTL.
type Flow struct {
	Protocol uint8
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
}

func (f Flow) String() string {
	return fmt.Sprintf("proto=%d dst=%s sport=%d dport=%d", f.Protocol, f.Dst, f.SrcPort, f.DstPort)
}
