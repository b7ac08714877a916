/* SPDX-License-Identifier: BSD-2-Clause */

package formats

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/results"
)

// DOT writes the discovered links as a graphviz graph. Every absent address
// is a distinct "*" node per TTL, and the destination is linked from the
// hops that preceded its replies.
func DOT(w io.Writer, r *results.Results) error {
	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("cannot create graph: %w", err)
	}
	defer graph.Close()

	d := dotGraph{graph: graph, nodes: make(map[string]*cgraph.Node), edges: make(map[[2]string]bool)}
	byTTL := links.LinksByTTL(r.Replies)
	for ttl := int(r.MinTTL); ttl <= int(r.MaxTTL); ttl++ {
		for _, l := range byTTL[uint8(ttl)].Sorted() {
			if err := d.link(l.NearTTL, l.Near, l.Far, r.Dst); err != nil {
				return err
			}
		}
	}
	if err := d.destinationLinks(r); err != nil {
		return err
	}
	return g.Render(graph, graphviz.XDOT, w)
}

type dotGraph struct {
	graph *cgraph.Graph
	nodes map[string]*cgraph.Node
	edges map[[2]string]bool
}

func (d *dotGraph) node(ttl uint8, addr, dst netip.Addr) (*cgraph.Node, error) {
	name := links.FormatAddr(addr.Unmap())
	if !addr.IsValid() {
		name = fmt.Sprintf("* (ttl %d)", ttl)
	}
	if n, ok := d.nodes[name]; ok {
		return n, nil
	}
	n, err := d.graph.CreateNode(name)
	if err != nil {
		return nil, fmt.Errorf("cannot create node %s: %w", name, err)
	}
	switch {
	case !addr.IsValid():
		n.SetLabel("*")
		n.SetShape(cgraph.PlainTextShape)
	case addr == dst:
		n.SetShape(cgraph.DoubleCircleShape)
	default:
		n.SetShape(cgraph.BoxShape)
	}
	d.nodes[name] = n
	return n, nil
}

func (d *dotGraph) link(nearTTL uint8, near, far, dst netip.Addr) error {
	a, err := d.node(nearTTL, near, dst)
	if err != nil {
		return err
	}
	b, err := d.node(nearTTL+1, far, dst)
	if err != nil {
		return err
	}
	key := [2]string{a.Name(), b.Name()}
	if d.edges[key] {
		return nil
	}
	if _, err := d.graph.CreateEdge("", a, b); err != nil {
		return fmt.Errorf("cannot create edge %s -> %s: %w", key[0], key[1], err)
	}
	d.edges[key] = true
	return nil
}

// destinationLinks links the last hop of every flow to the destination.
func (d *dotGraph) destinationLinks(r *results.Results) error {
	byFlow := links.RepliesByFlow(r.Replies)
	for _, reply := range r.DestinationReplies {
		for _, hop := range byFlow[reply.Flow()] {
			if hop.ProbeTTL+1 != reply.ProbeTTL {
				continue
			}
			if err := d.link(hop.ProbeTTL, hop.ReplySrcAddr, reply.ReplySrcAddr, r.Dst); err != nil {
				return err
			}
		}
	}
	return nil
}
