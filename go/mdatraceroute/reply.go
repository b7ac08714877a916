/* SPDX-License-Identifier: BSD-2-Clause */

package mdatraceroute

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Kind classifies a reply. Every reply has exactly one kind.
type Kind int

// Reply kinds. Only time-exceeded replies take part in link inference; echo
// replies and destination-unreachable messages mean the destination was
// reached.
const (
	KindOther Kind = iota
	KindTimeExceeded
	KindDestinationUnreachable
	KindEchoReply
)

func (k Kind) String() string {
	switch k {
	case KindTimeExceeded:
		return "time-exceeded"
	case KindDestinationUnreachable:
		return "destination-unreachable"
	case KindEchoReply:
		return "echo-reply"
	default:
		return "other"
	}
}

// ReachedDestination returns true for the kinds sent by the destination.
func (k Kind) ReachedDestination() bool {
	return k == KindDestinationUnreachable || k == KindEchoReply
}

// Classify returns the kind of an ICMP message given the protocol number it
// was carried on (1 or 58) and its type.
func Classify(protocol, icmpType uint8) Kind {
	switch protocol {
	case ProtoICMP:
		switch ipv4.ICMPType(icmpType) {
		case ipv4.ICMPTypeTimeExceeded:
			return KindTimeExceeded
		case ipv4.ICMPTypeDestinationUnreachable:
			return KindDestinationUnreachable
		case ipv4.ICMPTypeEchoReply:
			return KindEchoReply
		}
	case ProtoICMPv6:
		switch ipv6.ICMPType(icmpType) {
		case ipv6.ICMPTypeTimeExceeded:
			return KindTimeExceeded
		case ipv6.ICMPTypeDestinationUnreachable:
			return KindDestinationUnreachable
		case ipv6.ICMPTypeEchoReply:
			return KindEchoReply
		}
	}
	return KindOther
}

// MPLSLabel is an MPLS label stack entry quoted in an ICMP extension.
type MPLSLabel struct {
	Label         uint32 `json:"label"`
	Experimental  uint8  `json:"experimental"`
	BottomOfStack uint8  `json:"bottom_of_stack"`
	TTL           uint8  `json:"ttl"`
}

// Reply is a reply matched to a probe. Replies are immutable once captured.
type Reply struct {
	// fields of the probe that triggered the reply
	ProbeProtocol uint8
	ProbeDstAddr  netip.Addr
	ProbeSrcPort  uint16
	ProbeDstPort  uint16
	ProbeTTL      uint8
	// fields of the reply itself
	ReplySrcAddr    netip.Addr
	ReplyTTL        uint8
	ReplyProtocol   uint8
	ReplyICMPType   uint8
	ReplyICMPCode   uint8
	ReplyMPLSLabels []MPLSLabel
	// TTL of the probe as quoted in the ICMP error
	QuotedTTL        uint8
	RTT              time.Duration
	CaptureTimestamp time.Time
}

// Kind returns the classification of the reply.
func (r Reply) Kind() Kind {
	return Classify(r.ReplyProtocol, r.ReplyICMPType)
}

// Flow returns the flow of the probe that triggered the reply. Echo replies
// do not quote the probe, so their source address is the probe destination.
func (r Reply) Flow() Flow {
	dst := r.ProbeDstAddr
	if r.Kind() == KindEchoReply {
		dst = r.ReplySrcAddr
	}
	return Flow{
		Protocol: r.ProbeProtocol,
		Dst:      dst,
		SrcPort:  r.ProbeSrcPort,
		DstPort:  r.ProbeDstPort,
	}
}

func (r Reply) String() string {
	return fmt.Sprintf("%s ttl=%d from %s (%s, %s)", r.Flow(), r.ProbeTTL, r.ReplySrcAddr, r.Kind(), r.RTT)
}
