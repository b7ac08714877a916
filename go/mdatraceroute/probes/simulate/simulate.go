/* SPDX-License-Identifier: BSD-2-Clause */

// Package simulate implements an in-process prober answering from a
// load-balanced topology described in YAML.
//
// A topology looks like:
//
//	destination: 192.0.2.9
//	first: [10.0.0.1]
//	nodes:
//	  - address: 10.0.0.1
//	    next: [10.0.1.1, 10.0.1.2]
//	  - address: 10.0.1.1
//	    next: [10.0.2.1]
//	  - address: 10.0.1.2
//	    next: [10.0.2.1]
//	    silent: true
//	  - address: 10.0.2.1
//
// Every node balances flows over its next hops with a per-flow hash. A node
// with no next hop forwards to the destination. Silent nodes never reply.
package simulate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
)

// ICMP types and codes of the simulated replies
const (
	icmpv4TimeExceeded    = 11
	icmpv4Unreachable     = 3
	icmpv4PortUnreachable = 3
	icmpv4EchoReply       = 0
	icmpv6TimeExceeded    = 3
	icmpv6Unreachable     = 1
	icmpv6PortUnreachable = 4
	icmpv6EchoReply       = 129

	initialTTL = 64
	hopDelay   = time.Millisecond
)

// Node is a router of the topology.
type Node struct {
	Address netip.Addr   `yaml:"address"`
	Next    []netip.Addr `yaml:"next"`
	Silent  bool         `yaml:"silent"`
}

// Topology is a load-balanced network towards a single destination.
type Topology struct {
	Destination netip.Addr   `yaml:"destination"`
	First       []netip.Addr `yaml:"first"`
	Nodes       []Node       `yaml:"nodes"`
}

// Load parses a YAML topology.
func Load(r io.Reader) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("cannot decode topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadFile parses a YAML topology file.
func LoadFile(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Validate checks that the topology is well formed.
func (t *Topology) Validate() error {
	var errs []error
	if !t.Destination.IsValid() {
		errs = append(errs, errors.New("missing destination"))
	}
	if len(t.First) == 0 {
		errs = append(errs, errors.New("no first hop"))
	}
	known := make(map[netip.Addr]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if !n.Address.IsValid() {
			errs = append(errs, errors.New("node without address"))
			continue
		}
		if known[n.Address] {
			errs = append(errs, fmt.Errorf("duplicate node %s", n.Address))
		}
		known[n.Address] = true
	}
	check := func(from string, hops []netip.Addr) {
		for _, a := range hops {
			if a != t.Destination && !known[a] {
				errs = append(errs, fmt.Errorf("%s: unknown next hop %s", from, a))
			}
		}
	}
	check("first", t.First)
	for _, n := range t.Nodes {
		check(n.Address.String(), n.Next)
	}
	return errors.Join(errs...)
}

func (t *Topology) nodes() map[netip.Addr]Node {
	ret := make(map[netip.Addr]Node, len(t.Nodes))
	for _, n := range t.Nodes {
		ret[n.Address] = n
	}
	return ret
}

// next returns the possible next hops after a node. A nil node is the
// vantage point.
func (t *Topology) next(from *Node) []netip.Addr {
	if from == nil {
		return t.First
	}
	if len(from.Next) == 0 {
		return []netip.Addr{t.Destination}
	}
	return from.Next
}

// Links returns the links a complete discovery between minTTL and maxTTL
// would find. Silent nodes appear as absent addresses, and the destination
// is not part of any link.
func (t *Topology) Links(minTTL, maxTTL uint8) map[uint8]links.LinkSet {
	nodes := t.nodes()
	observed := func(a netip.Addr) netip.Addr {
		if nodes[a].Silent {
			return netip.Addr{}
		}
		return a
	}
	ret := make(map[uint8]links.LinkSet)
	current := make(map[netip.Addr]struct{})
	for _, a := range t.First {
		current[a] = struct{}{}
	}
	for ttl := 1; ttl < int(maxTTL) && len(current) > 0; ttl++ {
		following := make(map[netip.Addr]struct{})
		for a := range current {
			if a == t.Destination {
				continue
			}
			n := nodes[a]
			for _, b := range t.next(&n) {
				if b == t.Destination {
					continue
				}
				following[b] = struct{}{}
				if ttl < int(minTTL) {
					continue
				}
				if ret[uint8(ttl)] == nil {
					ret[uint8(ttl)] = make(links.LinkSet)
				}
				ret[uint8(ttl)].Add(links.Link{NearTTL: uint8(ttl), Near: observed(a), Far: observed(b)})
			}
		}
		current = following
	}
	return ret
}

// Simulator is a Prober answering from a Topology.
type Simulator struct {
	topology *Topology
	nodes    map[netip.Addr]Node
	now      func() time.Time
}

// New returns a Simulator for a validated topology.
func New(t *Topology) (*Simulator, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{topology: t, nodes: t.nodes(), now: time.Now}, nil
}

// Topology returns the simulated topology.
func (s *Simulator) Topology() *Topology {
	return s.topology
}

// Probe answers the probes. Probes towards another destination are lost.
func (s *Simulator) Probe(ctx context.Context, probes []mdatraceroute.Probe, wait time.Duration) ([]mdatraceroute.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var replies []mdatraceroute.Reply
	for _, p := range probes {
		if r, ok := s.reply(p); ok {
			replies = append(replies, r)
		}
	}
	return replies, nil
}

// Path returns the addresses a flow goes through, the destination included.
func (s *Simulator) Path(flow mdatraceroute.Flow, maxTTL uint8) []netip.Addr {
	var (
		path []netip.Addr
		cur  *Node
	)
	for ttl := 1; ttl <= int(maxTTL); ttl++ {
		candidates := s.topology.next(cur)
		a := candidates[flowHash(flow, cur)%uint64(len(candidates))]
		path = append(path, a)
		if a == s.topology.Destination {
			break
		}
		n := s.nodes[a]
		cur = &n
	}
	return path
}

func (s *Simulator) reply(p mdatraceroute.Probe) (mdatraceroute.Reply, bool) {
	if p.Dst != s.topology.Destination || p.TTL == 0 {
		return mdatraceroute.Reply{}, false
	}
	path := s.Path(p.Flow(), p.TTL)
	hop := path[len(path)-1]
	if s.nodes[hop].Silent {
		return mdatraceroute.Reply{}, false
	}
	v6 := p.Dst.Is6() && !p.Dst.Is4In6()
	r := mdatraceroute.Reply{
		ProbeProtocol:    p.Protocol.Number(),
		ProbeDstAddr:     p.Dst,
		ProbeSrcPort:     p.SrcPort,
		ProbeDstPort:     p.DstPort,
		ProbeTTL:         p.TTL,
		ReplySrcAddr:     hop,
		ReplyTTL:         uint8(initialTTL - len(path) + 1),
		ReplyProtocol:    mdatraceroute.ProtoICMP,
		QuotedTTL:        1,
		RTT:              time.Duration(len(path)) * hopDelay,
		CaptureTimestamp: s.now(),
	}
	if v6 {
		r.ReplyProtocol = mdatraceroute.ProtoICMPv6
	}
	switch {
	case hop != s.topology.Destination && v6:
		r.ReplyICMPType = icmpv6TimeExceeded
	case hop != s.topology.Destination:
		r.ReplyICMPType = icmpv4TimeExceeded
	case p.Protocol.IsICMP() && v6:
		r.ReplyICMPType = icmpv6EchoReply
		r.QuotedTTL = 0
	case p.Protocol.IsICMP():
		r.ReplyICMPType = icmpv4EchoReply
		r.QuotedTTL = 0
	case v6:
		r.ReplyICMPType, r.ReplyICMPCode = icmpv6Unreachable, icmpv6PortUnreachable
		r.QuotedTTL = p.TTL - uint8(len(path)) + 1
	default:
		r.ReplyICMPType, r.ReplyICMPCode = icmpv4Unreachable, icmpv4PortUnreachable
		r.QuotedTTL = p.TTL - uint8(len(path)) + 1
	}
	return r, true
}

// flowHash is the per-flow hash a node load balances on. The vantage point is
// the nil node.
func flowHash(flow mdatraceroute.Flow, at *Node) uint64 {
	h := fnv.New64a()
	var buf [5]byte
	buf[0] = flow.Protocol
	binary.BigEndian.PutUint16(buf[1:3], flow.SrcPort)
	binary.BigEndian.PutUint16(buf[3:5], flow.DstPort)
	_, _ = h.Write(buf[:])
	dst := flow.Dst.As16()
	_, _ = h.Write(dst[:])
	if at != nil {
		a := at.Address.As16()
		_, _ = h.Write(a[:])
	}
	return mix(h.Sum64())
}

// mix is the murmur3 finalizer. The low bits of FNV-1a only depend on the
// low bits of the input bytes, which would correlate the choices of
// successive load balancers.
func mix(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
