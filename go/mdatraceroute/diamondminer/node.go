/* SPDX-License-Identifier: BSD-2-Clause */

package diamondminer

import (
	"math"
	"net/netip"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
)

// node is what is known about an interface, as the near end of links.
type node struct {
	// flows that went through the node and got a reply one hop further
	flows map[mdatraceroute.Flow]struct{}
	// distinct far ends, the zero address included
	successors map[netip.Addr]struct{}
}

// nodesByTTL returns the nodes seen at every near TTL. Absent near ends are
// not nodes.
func nodesByTTL(pairsByFlow map[mdatraceroute.Flow][]links.Pair) map[uint8]map[netip.Addr]*node {
	ret := make(map[uint8]map[netip.Addr]*node)
	for flow, pairs := range pairsByFlow {
		for _, p := range pairs {
			l := p.Link()
			if !l.Near.IsValid() {
				continue
			}
			if ret[l.NearTTL] == nil {
				ret[l.NearTTL] = make(map[netip.Addr]*node)
			}
			n := ret[l.NearTTL][l.Near]
			if n == nil {
				n = &node{
					flows:      make(map[mdatraceroute.Flow]struct{}),
					successors: make(map[netip.Addr]struct{}),
				}
				ret[l.NearTTL][l.Near] = n
			}
			n.flows[flow] = struct{}{}
			n.successors[l.Far] = struct{}{}
		}
	}
	return ret
}

// nodeBudget sizes every TTL on the nodes seen there. A node with s
// successors needs n_k = StoppingPoint(s+1) flows through it, and only a
// fraction w of the flows probed at its TTL goes through it, so its TTL needs
// n_k/w flows. The target of a node is stored under the node's own TTL: the
// max-with-previous rule then probes the new flows at both ends of its links.
// The vantage point is a virtual node one TTL before the first.
func (d *DiamondMiner) nodeBudget(replies []mdatraceroute.Reply) map[uint8]int {
	nodes := nodesByTTL(links.PairsByFlow(replies))
	target := make(map[uint8]int)
	target[d.config.MinTTL-1] = d.firstHopTarget(replies)
	for ttl := int(d.config.MinTTL); ttl < int(d.config.MaxTTL); ttl++ {
		t := uint8(ttl)
		probed := min(d.state.ProbesSent[t], d.state.ProbesSent[t+1])
		target[t] = d.nodeTarget(nodes[t], probed)
	}
	return d.maxWithPrevious(target)
}

// nodeTarget returns the flows needed at a TTL to resolve all of its nodes, 0
// if they are all resolved. probed is the number of flows sent at the TTL and
// at the next one, the flows that can observe a link.
func (d *DiamondMiner) nodeTarget(nodes map[netip.Addr]*node, probed int) int {
	threshold := 0.0
	for _, n := range nodes {
		nk := d.estimator.StoppingPoint(len(n.successors)+1, d.failure)
		if len(n.flows) >= nk {
			continue
		}
		threshold = max(threshold, weighted(nk, len(n.flows), probed))
	}
	return int(math.Ceil(threshold))
}

// weighted returns nk/w, with w the fraction of the probed flows that went
// through the node.
func weighted(nk, flows, probed int) float64 {
	probed = max(probed, flows)
	if flows == 0 {
		return float64(nk)
	}
	return float64(nk) * float64(probed) / float64(flows)
}

// firstHopTarget treats the interfaces at the first TTL as the successors of
// the vantage point, which every flow goes through. Flows without a reply at
// the first TTL did not observe the vantage point.
func (d *DiamondMiner) firstHopTarget(replies []mdatraceroute.Reply) int {
	addrs := make(map[netip.Addr]struct{})
	flows := make(map[mdatraceroute.Flow]struct{})
	for _, r := range links.TimeExceeded(replies) {
		if r.ProbeTTL != d.config.MinTTL {
			continue
		}
		addrs[r.ReplySrcAddr] = struct{}{}
		flows[r.Flow()] = struct{}{}
	}
	if len(flows) == 0 {
		return 0
	}
	nk := d.estimator.StoppingPoint(len(addrs)+1, d.failure)
	if len(flows) >= nk {
		return 0
	}
	return int(math.Ceil(weighted(nk, len(flows), d.state.ProbesSent[d.config.MinTTL])))
}

// UnresolvedNodes returns the nodes, by TTL, that went through fewer flows
// than their stopping point.
func (d *DiamondMiner) UnresolvedNodes() map[uint8][]netip.Addr {
	ret := make(map[uint8][]netip.Addr)
	for ttl, nodes := range nodesByTTL(links.PairsByFlow(d.AllReplies())) {
		for addr, n := range nodes {
			if len(n.flows) < d.estimator.StoppingPoint(len(n.successors)+1, d.failure) {
				ret[ttl] = append(ret[ttl], addr)
			}
		}
	}
	return ret
}
