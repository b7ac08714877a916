/* SPDX-License-Identifier: BSD-2-Clause */

package links

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

var (
	dst   = netip.MustParseAddr("::9")
	addr1 = netip.MustParseAddr("::1")
	addr2 = netip.MustParseAddr("::2")
	addr3 = netip.MustParseAddr("::3")
)

func timeExceeded(srcPort uint16, ttl uint8, from netip.Addr) mdatraceroute.Reply {
	return mdatraceroute.Reply{
		ProbeProtocol: mdatraceroute.ProtoUDP,
		ProbeDstAddr:  dst,
		ProbeSrcPort:  srcPort,
		ProbeDstPort:  33434,
		ProbeTTL:      ttl,
		ReplySrcAddr:  from,
		ReplyProtocol: mdatraceroute.ProtoICMPv6,
		ReplyICMPType: 3,
	}
}

func twoFlows() []mdatraceroute.Reply {
	return []mdatraceroute.Reply{
		timeExceeded(24000, 1, addr1),
		timeExceeded(24000, 2, addr2),
		timeExceeded(24000, 3, addr3),
		timeExceeded(24001, 1, addr1),
		timeExceeded(24001, 3, addr3),
	}
}

func TestLinksByTTL(t *testing.T) {
	got := LinksByTTL(twoFlows())
	want := map[uint8]LinkSet{
		1: {
			{NearTTL: 1, Near: addr1, Far: addr2}: {},
			{NearTTL: 1, Near: addr1}:             {},
		},
		2: {
			{NearTTL: 2, Near: addr2, Far: addr3}: {},
			{NearTTL: 2, Far: addr3}:              {},
		},
	}
	assert.Equal(t, want, got)
}

func TestLinksByTTLIgnoresOtherKinds(t *testing.T) {
	replies := twoFlows()
	unreachable := timeExceeded(24000, 4, dst)
	unreachable.ReplyICMPType = 1
	echo := timeExceeded(24000, 4, dst)
	echo.ReplyICMPType = 129
	replies = append(replies, unreachable, echo)

	got := LinksByTTL(replies)
	require.Len(t, got, 2)
	_, ok := got[3]
	assert.False(t, ok)
}

func TestLinksByTTLDeduplicates(t *testing.T) {
	replies := []mdatraceroute.Reply{
		timeExceeded(24000, 1, addr1),
		timeExceeded(24000, 2, addr2),
		timeExceeded(24001, 1, addr1),
		timeExceeded(24001, 2, addr2),
		timeExceeded(24002, 1, addr1),
		timeExceeded(24002, 2, addr2),
	}
	got := LinksByTTL(replies)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[1].Len())
	assert.True(t, got[1].Contains(Link{NearTTL: 1, Near: addr1, Far: addr2}))
}

func TestLinksByTTLSingleReply(t *testing.T) {
	got := LinksByTTL([]mdatraceroute.Reply{timeExceeded(24000, 5, addr1)})
	assert.Empty(t, got)
}

func TestPairsByFlowCrossProduct(t *testing.T) {
	// two replies for the same flow and TTL
	replies := []mdatraceroute.Reply{
		timeExceeded(24000, 1, addr1),
		timeExceeded(24000, 2, addr2),
		timeExceeded(24000, 2, addr3),
	}
	pairs := PairsByFlow(replies)
	require.Len(t, pairs, 1)
	flow := replies[0].Flow()
	require.Len(t, pairs[flow], 2)
	assert.Equal(t, Link{NearTTL: 1, Near: addr1, Far: addr2}, pairs[flow][0].Link())
	assert.Equal(t, Link{NearTTL: 1, Near: addr1, Far: addr3}, pairs[flow][1].Link())
}

func TestPairsByFlowMissingTTL(t *testing.T) {
	pairs := PairsByFlow(twoFlows())
	flow := mdatraceroute.Flow{Protocol: mdatraceroute.ProtoUDP, Dst: dst, SrcPort: 24001, DstPort: 33434}
	require.Len(t, pairs[flow], 2)
	assert.NotNil(t, pairs[flow][0].Near)
	assert.Nil(t, pairs[flow][0].Far)
	assert.Nil(t, pairs[flow][1].Near)
	assert.NotNil(t, pairs[flow][1].Far)
}

func TestRepliesByTTL(t *testing.T) {
	byTTL := RepliesByTTL(twoFlows())
	assert.Len(t, byTTL[1], 2)
	assert.Len(t, byTTL[2], 1)
	assert.Len(t, byTTL[3], 2)
}

func TestRepliesByNodeLink(t *testing.T) {
	nodes := RepliesByNodeLink(twoFlows())
	require.Contains(t, nodes, addr1)
	assert.Len(t, nodes[addr1][addr2], 1)
	// the star successor of ::1 carries no reply
	require.Len(t, nodes[addr1][netip.Addr{}], 1)
	assert.Nil(t, nodes[addr1][netip.Addr{}][0])
	assert.Len(t, nodes[netip.Addr{}][addr3], 1)
}

func TestLinkSetSorted(t *testing.T) {
	s := make(LinkSet)
	s.Add(Link{NearTTL: 2, Near: addr2, Far: addr3})
	s.Add(Link{NearTTL: 1, Near: addr1, Far: addr2})
	s.Add(Link{NearTTL: 1, Near: addr1})
	s.Add(Link{NearTTL: 1, Near: addr1})
	assert.Equal(t, []Link{
		{NearTTL: 1, Near: addr1},
		{NearTTL: 1, Near: addr1, Far: addr2},
		{NearTTL: 2, Near: addr2, Far: addr3},
	}, s.Sorted())
}

func TestLinkString(t *testing.T) {
	assert.Equal(t, "(1, ::1, *)", Link{NearTTL: 1, Near: addr1}.String())
}
