/* SPDX-License-Identifier: BSD-2-Clause */

package mdatraceroute

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		protocol uint8
		icmpType uint8
		want     Kind
	}{
		{"icmp time exceeded", ProtoICMP, 11, KindTimeExceeded},
		{"icmp destination unreachable", ProtoICMP, 3, KindDestinationUnreachable},
		{"icmp echo reply", ProtoICMP, 0, KindEchoReply},
		{"icmp redirect", ProtoICMP, 5, KindOther},
		{"icmpv6 time exceeded", ProtoICMPv6, 3, KindTimeExceeded},
		{"icmpv6 destination unreachable", ProtoICMPv6, 1, KindDestinationUnreachable},
		{"icmpv6 echo reply", ProtoICMPv6, 129, KindEchoReply},
		{"icmpv6 packet too big", ProtoICMPv6, 2, KindOther},
		{"not icmp", ProtoUDP, 11, KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.protocol, tt.icmpType))
		})
	}
}

func TestKindReachedDestination(t *testing.T) {
	assert.True(t, KindEchoReply.ReachedDestination())
	assert.True(t, KindDestinationUnreachable.ReachedDestination())
	assert.False(t, KindTimeExceeded.ReachedDestination())
	assert.False(t, KindOther.ReachedDestination())
}

func TestReplyFlow(t *testing.T) {
	dst := netip.MustParseAddr("2001:db8::9")
	te := Reply{
		ProbeProtocol: ProtoICMPv6,
		ProbeDstAddr:  dst,
		ProbeSrcPort:  24000,
		ProbeDstPort:  33434,
		ProbeTTL:      3,
		ReplySrcAddr:  netip.MustParseAddr("2001:db8::3"),
		ReplyProtocol: ProtoICMPv6,
		ReplyICMPType: 3,
	}
	want := Flow{Protocol: ProtoICMPv6, Dst: dst, SrcPort: 24000, DstPort: 33434}
	require.Equal(t, want, te.Flow())

	// echo replies carry the destination as source address
	echo := te
	echo.ProbeDstAddr = netip.Addr{}
	echo.ReplySrcAddr = dst
	echo.ReplyICMPType = 129
	require.Equal(t, want, echo.Flow())
}

func TestProtocol(t *testing.T) {
	p, err := ParseProtocol("UDP")
	require.NoError(t, err)
	assert.Equal(t, ProtocolUDP, p)
	_, err = ParseProtocol("tcp")
	require.Error(t, err)

	assert.Equal(t, ProtocolICMP6, ProtocolICMP.ForDestination(netip.MustParseAddr("::1")))
	assert.Equal(t, ProtocolICMP, ProtocolICMP.ForDestination(netip.MustParseAddr("8.8.8.8")))
	assert.Equal(t, ProtocolUDP, ProtocolUDP.ForDestination(netip.MustParseAddr("::1")))
	assert.Equal(t, uint8(58), ProtocolICMP6.Number())
	assert.True(t, ProtocolICMP6.IsICMP())
	assert.False(t, ProtocolUDP.IsICMP())
}

func TestProbeFlow(t *testing.T) {
	p := Probe{Dst: netip.MustParseAddr("8.8.8.8"), Protocol: ProtocolUDP, SrcPort: 24001, DstPort: 33434, TTL: 4}
	q := p
	q.TTL = 9
	assert.Equal(t, p.Flow(), q.Flow())
	assert.Equal(t, ProtoUDP, p.Flow().Protocol)
}
