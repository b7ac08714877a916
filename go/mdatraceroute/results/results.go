/* SPDX-License-Identifier: BSD-2-Clause */

// Package results holds the outcome of an MDA traceroute run and converts it
// to the JSON format of scamper's tracelb.
package results

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"time"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
)

// minimum IPv4 + ICMP size, without the encoded TTL
const probeSize = 20 + 10

// Results is the outcome of a run.
type Results struct {
	Hostname   string
	Src        netip.Addr
	Dst        netip.Addr
	Protocol   mdatraceroute.Protocol
	Confidence int
	MinTTL     uint8
	MaxTTL     uint8
	SrcPort    uint16
	DstPort    uint16
	Wait       time.Duration
	StartTime  time.Time
	StopTime   time.Time
	ProbesSent map[uint8]int
	// Replies are the time-exceeded replies.
	Replies []mdatraceroute.Reply
	// DestinationReplies are the replies sent by the destination.
	DestinationReplies []mdatraceroute.Reply
}

// TotalProbes returns the number of probes sent.
func (r *Results) TotalProbes() int {
	total := 0
	for _, n := range r.ProbesSent {
		total += n
	}
	return total
}

// Method returns the scamper name of the probing method.
func (r *Results) Method() string {
	if r.Protocol.IsICMP() {
		return "icmp-echo"
	}
	return "udp-sport"
}

// Timeval is a time in seconds and microseconds.
type Timeval struct {
	Sec  int64 `json:"sec"`
	Usec int64 `json:"usec"`
}

func newTimeval(t time.Time) Timeval {
	if t.IsZero() {
		return Timeval{}
	}
	return Timeval{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// Start is the start time of a tracelb.
type Start struct {
	Sec   int64  `json:"sec"`
	Usec  int64  `json:"usec"`
	Ftime string `json:"ftime"`
}

// Reply is a reply to a probe, RTT in milliseconds.
type Reply struct {
	Rx       Timeval `json:"rx"`
	TTL      uint8   `json:"ttl"`
	RTT      float64 `json:"rtt"`
	IPID     uint16  `json:"ipid"`
	ICMPType uint8   `json:"icmp_type"`
	ICMPCode uint8   `json:"icmp_code"`
	ICMPQTos uint8   `json:"icmp_q_tos"`
	ICMPQTTL uint8   `json:"icmp_q_ttl"`
}

// Probe is a probe that confirmed a link.
type Probe struct {
	Tx      Timeval `json:"tx"`
	Replyc  int     `json:"replyc"`
	TTL     uint8   `json:"ttl"`
	Attempt int     `json:"attempt"`
	FlowID  int     `json:"flowid"`
	Replies []Reply `json:"replies"`
}

// Link is a link from a Node to the address Addr.
type Link struct {
	Addr   string  `json:"addr"`
	Probes []Probe `json:"probes,omitempty"`
}

// Node is an interface and its links to the next hop.
type Node struct {
	Addr  string   `json:"addr"`
	QTTL  int      `json:"q_ttl"`
	Linkc int      `json:"linkc"`
	Links [][]Link `json:"links"`
}

// CycleStart opens a scamper cycle.
type CycleStart struct {
	Type      string `json:"type"`
	ListName  string `json:"list_name"`
	ID        int    `json:"id"`
	Hostname  string `json:"hostname"`
	StartTime int64  `json:"start_time"`
}

// CycleStop closes a scamper cycle.
type CycleStop struct {
	Type     string `json:"type"`
	ListName string `json:"list_name"`
	ID       int    `json:"id"`
	Hostname string `json:"hostname"`
	StopTime int64  `json:"stop_time"`
}

// TraceLB is a scamper load balancer traceroute.
type TraceLB struct {
	Type        string  `json:"type"`
	Version     string  `json:"version"`
	UserID      int     `json:"userid"`
	Method      string  `json:"method"`
	Src         string  `json:"src"`
	Dst         string  `json:"dst"`
	Start       Start   `json:"start"`
	ProbeSize   int     `json:"probe_size"`
	FirstHop    uint8   `json:"firsthop"`
	Attempts    int     `json:"attempts"`
	Confidence  int     `json:"confidence"`
	Tos         int     `json:"tos"`
	GapLimit    int     `json:"gaplimit"`
	WaitTimeout float64 `json:"wait_timeout"`
	WaitProbe   int     `json:"wait_probe"`
	Probec      int     `json:"probec"`
	ProbecMax   int     `json:"probec_max"`
	Nodec       int     `json:"nodec"`
	Linkc       int     `json:"linkc"`
	Nodes       []Node  `json:"nodes,omitempty"`
}

// Scamper returns the cycle-start, tracelb and cycle-stop objects of the run.
func (r *Results) Scamper() (CycleStart, TraceLB, CycleStop) {
	nodes, linkc := r.scamperNodes()
	start := CycleStart{
		Type:      "cycle-start",
		ListName:  "default",
		Hostname:  r.Hostname,
		StartTime: r.StartTime.Unix(),
	}
	trace := TraceLB{
		Type:    "tracelb",
		Version: "0.1",
		Method:  r.Method(),
		Src:     links.FormatAddr(r.Src.Unmap()),
		Dst:     links.FormatAddr(r.Dst.Unmap()),
		Start: Start{
			Sec:   r.StartTime.Unix(),
			Usec:  int64(r.StartTime.Nanosecond() / 1000),
			Ftime: r.StartTime.Format("2006-01-02 15:04:05"),
		},
		ProbeSize:   probeSize,
		FirstHop:    r.MinTTL,
		Attempts:    1,
		Confidence:  r.Confidence,
		WaitTimeout: r.Wait.Seconds(),
		Probec:      r.TotalProbes(),
		Nodec:       len(nodes),
		Linkc:       linkc,
		Nodes:       nodes,
	}
	stop := CycleStop{
		Type:     "cycle-stop",
		ListName: "default",
		Hostname: r.Hostname,
		StopTime: r.StopTime.Unix(),
	}
	return start, trace, stop
}

// scamperNodes groups the replies by near node and far address. Nodes and
// links are sorted by address, absent addresses first.
func (r *Results) scamperNodes() ([]Node, int) {
	// scamper numbers ICMP flows from 1, and uses the source port for UDP
	initialFlowID := 1
	if r.Protocol.IsICMP() {
		initialFlowID = int(r.SrcPort)
	}
	byNode := links.RepliesByNodeLink(r.Replies)
	nodeAddrs := sortedKeys(byNode)
	nodes := make([]Node, 0, len(nodeAddrs))
	linkc := 0
	for _, near := range nodeAddrs {
		var nodeLinks []Link
		for _, far := range sortedKeys(byNode[near]) {
			var probes []Probe
			for _, reply := range byNode[near][far] {
				if reply != nil {
					probes = append(probes, scamperProbe(*reply, initialFlowID))
				}
			}
			slices.SortStableFunc(probes, func(a, b Probe) int {
				return cmp.Compare(a.FlowID, b.FlowID)
			})
			nodeLinks = append(nodeLinks, Link{Addr: links.FormatAddr(far.Unmap()), Probes: probes})
			linkc++
		}
		nodes = append(nodes, Node{
			Addr:  links.FormatAddr(near.Unmap()),
			QTTL:  1,
			Linkc: len(nodeLinks),
			Links: [][]Link{nodeLinks},
		})
	}
	return nodes, linkc
}

func scamperProbe(reply mdatraceroute.Reply, initialFlowID int) Probe {
	return Probe{
		Replyc: 1,
		TTL:    reply.ProbeTTL,
		FlowID: int(reply.ProbeSrcPort) - initialFlowID + 1,
		Replies: []Reply{{
			Rx:       newTimeval(reply.CaptureTimestamp),
			TTL:      reply.ReplyTTL,
			RTT:      float64(reply.RTT.Microseconds()) / 1000,
			ICMPType: reply.ReplyICMPType,
			ICMPCode: reply.ReplyICMPCode,
			ICMPQTTL: reply.QuotedTTL,
		}},
	}
}

func sortedKeys[V any](m map[netip.Addr]V) []netip.Addr {
	keys := make([]netip.Addr, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, netip.Addr.Compare)
	return keys
}

// ToJSON writes the scamper objects of the run, one JSON document per line.
func (r *Results) ToJSON(w io.Writer) error {
	start, trace, stop := r.Scamper()
	enc := json.NewEncoder(w)
	for _, obj := range []any{start, trace, stop} {
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("cannot encode %T: %w", obj, err)
		}
	}
	return nil
}
