/* SPDX-License-Identifier: BSD-2-Clause */

// Package links infers the links between consecutive hops from the replies
// collected by a multipath traceroute.
//
// Replies are grouped by flow, and within a flow by probe TTL. Every pair of
// consecutive TTLs of a flow gives a link between the replier at the near TTL
// and the replier at the far TTL. A missing reply on either side is kept as an
// absent endpoint: such links still count as an unresolved branch.
package links

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

// Link is an observed adjacency between the replier at NearTTL and the
// replier at NearTTL+1. A zero address means no reply was observed.
type Link struct {
	NearTTL uint8
	Near    netip.Addr
	Far     netip.Addr
}

// Compare orders links by TTL, then near address, then far address. Absent
// addresses sort first.
func (l Link) Compare(o Link) int {
	if l.NearTTL != o.NearTTL {
		return int(l.NearTTL) - int(o.NearTTL)
	}
	if c := l.Near.Compare(o.Near); c != 0 {
		return c
	}
	return l.Far.Compare(o.Far)
}

func (l Link) String() string {
	return fmt.Sprintf("(%d, %s, %s)", l.NearTTL, FormatAddr(l.Near), FormatAddr(l.Far))
}

// FormatAddr formats an address, using "*" for an absent one.
func FormatAddr(a netip.Addr) string {
	if !a.IsValid() {
		return "*"
	}
	return a.String()
}

// LinkSet is a set of links. Links confirmed by several flows are stored once.
type LinkSet map[Link]struct{}

// Add adds a link to the set.
func (s LinkSet) Add(l Link) {
	s[l] = struct{}{}
}

// Contains returns true if the link is in the set.
func (s LinkSet) Contains(l Link) bool {
	_, ok := s[l]
	return ok
}

// Len returns the number of distinct links.
func (s LinkSet) Len() int {
	return len(s)
}

// Sorted returns the links in a deterministic order.
func (s LinkSet) Sorted() []Link {
	ret := make([]Link, 0, len(s))
	for l := range s {
		ret = append(ret, l)
	}
	slices.SortFunc(ret, Link.Compare)
	return ret
}

// Pair is a pair of replies of the same flow at consecutive TTLs. A nil reply
// means that no reply was observed at that TTL.
type Pair struct {
	NearTTL uint8
	Near    *mdatraceroute.Reply
	Far     *mdatraceroute.Reply
}

// Link returns the link observed by the pair.
func (p Pair) Link() Link {
	l := Link{NearTTL: p.NearTTL}
	if p.Near != nil {
		l.Near = p.Near.ReplySrcAddr
	}
	if p.Far != nil {
		l.Far = p.Far.ReplySrcAddr
	}
	return l
}

// TimeExceeded returns the time-exceeded replies, the only ones that take part
// in link inference.
func TimeExceeded(replies []mdatraceroute.Reply) []mdatraceroute.Reply {
	ret := make([]mdatraceroute.Reply, 0, len(replies))
	for _, r := range replies {
		if r.Kind() == mdatraceroute.KindTimeExceeded {
			ret = append(ret, r)
		}
	}
	return ret
}

// RepliesByFlow groups replies by the flow that triggered them, preserving
// their order.
func RepliesByFlow(replies []mdatraceroute.Reply) map[mdatraceroute.Flow][]mdatraceroute.Reply {
	ret := make(map[mdatraceroute.Flow][]mdatraceroute.Reply)
	for _, r := range replies {
		f := r.Flow()
		ret[f] = append(ret[f], r)
	}
	return ret
}

// RepliesByTTL groups replies by probe TTL, preserving their order.
func RepliesByTTL(replies []mdatraceroute.Reply) map[uint8][]mdatraceroute.Reply {
	ret := make(map[uint8][]mdatraceroute.Reply)
	for _, r := range replies {
		ret[r.ProbeTTL] = append(ret[r.ProbeTTL], r)
	}
	return ret
}

// PairsByFlow returns, for every flow, the pairs of replies at consecutive
// TTLs, from the smallest TTL with a reply to the largest one. Non
// time-exceeded replies are ignored. Several replies for the same flow and TTL
// (per-packet load balancing) produce one pair per combination.
func PairsByFlow(replies []mdatraceroute.Reply) map[mdatraceroute.Flow][]Pair {
	ret := make(map[mdatraceroute.Flow][]Pair)
	for flow, flowReplies := range RepliesByFlow(TimeExceeded(replies)) {
		byTTL := RepliesByTTL(flowReplies)
		minTTL, maxTTL := ttlRange(byTTL)
		var pairs []Pair
		for ttl := int(minTTL); ttl < int(maxTTL); ttl++ {
			near := pointers(byTTL[uint8(ttl)])
			far := pointers(byTTL[uint8(ttl+1)])
			for _, n := range near {
				for _, f := range far {
					pairs = append(pairs, Pair{NearTTL: uint8(ttl), Near: n, Far: f})
				}
			}
		}
		if len(pairs) > 0 {
			ret[flow] = pairs
		}
	}
	return ret
}

// LinksByTTL returns the distinct links observed at each near TTL.
func LinksByTTL(replies []mdatraceroute.Reply) map[uint8]LinkSet {
	ret := make(map[uint8]LinkSet)
	for _, pairs := range PairsByFlow(replies) {
		for _, p := range pairs {
			if ret[p.NearTTL] == nil {
				ret[p.NearTTL] = make(LinkSet)
			}
			ret[p.NearTTL].Add(p.Link())
		}
	}
	return ret
}

// RepliesByNodeLink maps every near address to its far addresses, and each of
// those to the far replies that confirmed the link (nil for a missing reply).
// This is the layout of the scamper tracelb nodes.
func RepliesByNodeLink(replies []mdatraceroute.Reply) map[netip.Addr]map[netip.Addr][]*mdatraceroute.Reply {
	ret := make(map[netip.Addr]map[netip.Addr][]*mdatraceroute.Reply)
	for _, pairs := range PairsByFlow(replies) {
		for _, p := range pairs {
			l := p.Link()
			if ret[l.Near] == nil {
				ret[l.Near] = make(map[netip.Addr][]*mdatraceroute.Reply)
			}
			ret[l.Near][l.Far] = append(ret[l.Near][l.Far], p.Far)
		}
	}
	return ret
}

func ttlRange(byTTL map[uint8][]mdatraceroute.Reply) (uint8, uint8) {
	var minTTL, maxTTL uint8
	first := true
	for ttl := range byTTL {
		if first || ttl < minTTL {
			minTTL = ttl
		}
		if first || ttl > maxTTL {
			maxTTL = ttl
		}
		first = false
	}
	return minTTL, maxTTL
}

// pointers returns pointers to the elements of replies, or a single nil for
// an empty slice.
func pointers(replies []mdatraceroute.Reply) []*mdatraceroute.Reply {
	if len(replies) == 0 {
		return []*mdatraceroute.Reply{nil}
	}
	ret := make([]*mdatraceroute.Reply, len(replies))
	for i := range replies {
		ret[i] = &replies[i]
	}
	return ret
}
