/* SPDX-License-Identifier: BSD-2-Clause */

package results

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

func timeExceeded(srcPort uint16, ttl uint8, from string) mdatraceroute.Reply {
	return mdatraceroute.Reply{
		ProbeProtocol:    mdatraceroute.ProtoUDP,
		ProbeDstAddr:     netip.MustParseAddr("::9"),
		ProbeSrcPort:     srcPort,
		ProbeDstPort:     33434,
		ProbeTTL:         ttl,
		ReplySrcAddr:     netip.MustParseAddr(from),
		ReplyTTL:         250,
		ReplyProtocol:    mdatraceroute.ProtoICMPv6,
		ReplyICMPType:    3,
		QuotedTTL:        1,
		RTT:              1500 * time.Microsecond,
		CaptureTimestamp: time.Unix(1700000000, 250000000),
	}
}

func testResults() *Results {
	start := time.Unix(1700000000, 0)
	return &Results{
		Hostname:   "vantage",
		Src:        netip.MustParseAddr("::8"),
		Dst:        netip.MustParseAddr("::9"),
		Protocol:   mdatraceroute.ProtocolUDP,
		Confidence: 95,
		MinTTL:     1,
		MaxTTL:     3,
		SrcPort:    24000,
		DstPort:    33434,
		Wait:       time.Second,
		StartTime:  start,
		StopTime:   start.Add(3 * time.Second),
		ProbesSent: map[uint8]int{1: 6, 2: 6, 3: 6},
		Replies: []mdatraceroute.Reply{
			timeExceeded(24000, 1, "::1"),
			timeExceeded(24000, 2, "::2"),
			timeExceeded(24000, 3, "::3"),
			timeExceeded(24001, 1, "::1"),
			timeExceeded(24001, 3, "::3"),
		},
	}
}

func TestScamperNodes(t *testing.T) {
	_, trace, _ := testResults().Scamper()
	assert.Equal(t, 3, trace.Nodec)
	assert.Equal(t, 4, trace.Linkc)
	assert.Equal(t, 18, trace.Probec)
	assert.Equal(t, "udp-sport", trace.Method)
	assert.Equal(t, 1.0, trace.WaitTimeout)

	probe := func(flowID int, ttl uint8) Probe {
		return Probe{
			Replyc: 1,
			TTL:    ttl,
			FlowID: flowID,
			Replies: []Reply{{
				Rx:       Timeval{Sec: 1700000000, Usec: 250000},
				TTL:      250,
				RTT:      1.5,
				ICMPType: 3,
				ICMPQTTL: 1,
			}},
		}
	}
	want := []Node{
		{Addr: "*", QTTL: 1, Linkc: 1, Links: [][]Link{{{Addr: "::3", Probes: []Probe{probe(24001, 3)}}}}},
		{Addr: "::1", QTTL: 1, Linkc: 2, Links: [][]Link{{{Addr: "*"}, {Addr: "::2", Probes: []Probe{probe(24000, 2)}}}}},
		{Addr: "::2", QTTL: 1, Linkc: 1, Links: [][]Link{{{Addr: "::3", Probes: []Probe{probe(24000, 3)}}}}},
	}
	if diff := cmp.Diff(want, trace.Nodes); diff != "" {
		t.Errorf("unexpected nodes (-want +got):\n%s", diff)
	}
}

func TestScamperICMPFlowID(t *testing.T) {
	r := testResults()
	r.Protocol = mdatraceroute.ProtocolICMP6
	_, trace, _ := r.Scamper()
	assert.Equal(t, "icmp-echo", trace.Method)
	require.NotEmpty(t, trace.Nodes)
	assert.Equal(t, 2, trace.Nodes[0].Links[0][0].Probes[0].FlowID)
}

func TestToJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, testResults().ToJSON(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, `{"type":"cycle-start","list_name":"default","id":0,"hostname":"vantage","start_time":1700000000}`, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `{"type":"tracelb","version":"0.1","userid":0,"method":"udp-sport","src":"::8","dst":"::9"`))
	assert.Equal(t, `{"type":"cycle-stop","list_name":"default","id":0,"hostname":"vantage","stop_time":1700000003}`, lines[2])

	var trace map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &trace))
	assert.EqualValues(t, 3, trace["nodec"])
}

func TestToJSONNoReplies(t *testing.T) {
	r := testResults()
	r.Replies = nil
	var buf bytes.Buffer
	require.NoError(t, r.ToJSON(&buf))
	assert.NotContains(t, buf.String(), `"nodes"`)
}
