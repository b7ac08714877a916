/* SPDX-License-Identifier: BSD-2-Clause */

package simulate

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
)

const diamond = `
destination: 192.0.2.9
first: [10.0.0.1]
nodes:
  - address: 10.0.0.1
    next: [10.0.1.1, 10.0.1.2]
  - address: 10.0.1.1
    next: [10.0.2.1]
  - address: 10.0.1.2
    next: [10.0.2.1]
    silent: true
  - address: 10.0.2.1
`

var (
	dst      = netip.MustParseAddr("192.0.2.9")
	first    = netip.MustParseAddr("10.0.0.1")
	upper    = netip.MustParseAddr("10.0.1.1")
	silent   = netip.MustParseAddr("10.0.1.2")
	merge    = netip.MustParseAddr("10.0.2.1")
	noReply  = netip.Addr{}
	testWait = time.Millisecond
)

func newSimulator(t *testing.T) *Simulator {
	topo, err := Load(strings.NewReader(diamond))
	require.NoError(t, err)
	s, err := New(topo)
	require.NoError(t, err)
	return s
}

func probe(proto mdatraceroute.Protocol, srcPort uint16, ttl uint8) mdatraceroute.Probe {
	return mdatraceroute.Probe{Dst: dst, Protocol: proto, SrcPort: srcPort, DstPort: 33434, TTL: ttl}
}

func TestLoad(t *testing.T) {
	s := newSimulator(t)
	topo := s.Topology()
	assert.Equal(t, dst, topo.Destination)
	assert.Equal(t, []netip.Addr{first}, topo.First)
	require.Len(t, topo.Nodes, 4)
	assert.True(t, topo.Nodes[2].Silent)
	assert.Empty(t, topo.Nodes[3].Next)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(strings.NewReader("destination: 192.0.2.9\nfirst: [10.0.0.1]\nunknown: 1\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("destination: 192.0.2.9\nfirst: [10.0.0.1]\nnodes:\n  - address: 10.0.0.1\n    next: [10.9.9.9]\n"))
	assert.ErrorContains(t, err, "unknown next hop 10.9.9.9")

	_, err = Load(strings.NewReader("first: [10.0.0.1]\n"))
	assert.ErrorContains(t, err, "missing destination")

	_, err = Load(strings.NewReader("destination: not-an-address\n"))
	assert.Error(t, err)
}

func TestLinks(t *testing.T) {
	want := map[uint8]links.LinkSet{
		1: {
			{NearTTL: 1, Near: first, Far: upper}:   {},
			{NearTTL: 1, Near: first, Far: noReply}: {},
		},
		2: {
			{NearTTL: 2, Near: upper, Far: merge}:   {},
			{NearTTL: 2, Near: noReply, Far: merge}: {},
		},
	}
	assert.Equal(t, want, newSimulator(t).Topology().Links(1, 32))

	// the far end of a link must be within the TTL range
	assert.Len(t, newSimulator(t).Topology().Links(1, 2), 1)
	assert.Len(t, newSimulator(t).Topology().Links(2, 32), 1)
}

func TestProbeReplies(t *testing.T) {
	s := newSimulator(t)
	for port := uint16(24000); port < 24020; port++ {
		p := probe(mdatraceroute.ProtocolUDP, port, 2)
		path := s.Path(p.Flow(), 4)
		require.Len(t, path, 4)
		assert.Equal(t, []netip.Addr{first, merge, dst}, []netip.Addr{path[0], path[2], path[3]})

		replies, err := s.Probe(context.Background(), []mdatraceroute.Probe{
			probe(mdatraceroute.ProtocolUDP, port, 1),
			p,
			probe(mdatraceroute.ProtocolUDP, port, 3),
			probe(mdatraceroute.ProtocolUDP, port, 4),
			probe(mdatraceroute.ProtocolUDP, port, 5),
		}, testWait)
		require.NoError(t, err)

		var got []netip.Addr
		for _, r := range replies {
			got = append(got, r.ReplySrcAddr)
		}
		if path[1] == silent {
			assert.Equal(t, []netip.Addr{first, merge, dst, dst}, got)
		} else {
			assert.Equal(t, []netip.Addr{first, upper, merge, dst, dst}, got)
		}
		assert.Equal(t, mdatraceroute.KindTimeExceeded, replies[0].Kind())
		last := replies[len(replies)-1]
		assert.Equal(t, mdatraceroute.KindDestinationUnreachable, last.Kind())
		assert.Equal(t, uint8(3), last.ReplyICMPCode)
		assert.Equal(t, p.Flow(), last.Flow())
	}
}

func TestProbeBalancesFlows(t *testing.T) {
	s := newSimulator(t)
	seen := make(map[netip.Addr]int)
	for port := uint16(24000); port < 24100; port++ {
		seen[s.Path(probe(mdatraceroute.ProtocolUDP, port, 2).Flow(), 2)[1]]++
	}
	assert.Len(t, seen, 2)
	assert.Greater(t, seen[upper], 20)
	assert.Greater(t, seen[silent], 20)
}

func TestProbeICMP(t *testing.T) {
	s := newSimulator(t)
	replies, err := s.Probe(context.Background(), []mdatraceroute.Probe{probe(mdatraceroute.ProtocolICMP, 24000, 10)}, testWait)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, mdatraceroute.KindEchoReply, replies[0].Kind())
	assert.Equal(t, dst, replies[0].Flow().Dst)
}

func TestProbeIPv6(t *testing.T) {
	topo := &Topology{
		Destination: netip.MustParseAddr("2001:db8::9"),
		First:       []netip.Addr{netip.MustParseAddr("2001:db8::1")},
		Nodes:       []Node{{Address: netip.MustParseAddr("2001:db8::1")}},
	}
	s, err := New(topo)
	require.NoError(t, err)
	p := mdatraceroute.Probe{Dst: topo.Destination, Protocol: mdatraceroute.ProtocolUDP, SrcPort: 24000, DstPort: 33434}
	p.TTL = 1
	hop := p
	p.TTL = 2
	replies, err := s.Probe(context.Background(), []mdatraceroute.Probe{hop, p}, testWait)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, mdatraceroute.ProtoICMPv6, replies[0].ReplyProtocol)
	assert.Equal(t, mdatraceroute.KindTimeExceeded, replies[0].Kind())
	assert.Equal(t, mdatraceroute.KindDestinationUnreachable, replies[1].Kind())
}

func TestProbeOtherDestination(t *testing.T) {
	s := newSimulator(t)
	p := probe(mdatraceroute.ProtocolUDP, 24000, 1)
	p.Dst = netip.MustParseAddr("198.51.100.1")
	replies, err := s.Probe(context.Background(), []mdatraceroute.Probe{p}, testWait)
	require.NoError(t, err)
	assert.Empty(t, replies)
}

func TestProbeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newSimulator(t).Probe(ctx, []mdatraceroute.Probe{probe(mdatraceroute.ProtocolUDP, 24000, 1)}, testWait)
	assert.ErrorIs(t, err, context.Canceled)
}
