/* SPDX-License-Identifier: BSD-2-Clause */

// Package formats renders the results of a run.
package formats

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/results"
)

// Format is an output format.
type Format string

// output formats
const (
	FormatText        Format = "text"
	FormatTable       Format = "table"
	FormatScamperJSON Format = "scamper-json"
	FormatDOT         Format = "dot"
)

// Formats lists the supported output formats.
var Formats = []Format{FormatText, FormatTable, FormatScamperJSON, FormatDOT}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(s))
	if !slices.Contains(Formats, f) {
		return "", fmt.Errorf("invalid format %q, must be one of %s", s, joinFormats())
	}
	return f, nil
}

func joinFormats() string {
	names := make([]string, len(Formats))
	for i, f := range Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// Write renders the results in the given format.
func Write(w io.Writer, f Format, r *results.Results) error {
	switch f {
	case FormatText:
		return Text(w, r)
	case FormatTable:
		return Table(w, r)
	case FormatScamperJSON:
		return r.ToJSON(w)
	case FormatDOT:
		return DOT(w, r)
	}
	return fmt.Errorf("invalid format %q", f)
}

// Text writes one line per TTL with the addresses that replied, up to the
// first TTL at which the destination replied.
func Text(w io.Writer, r *results.Results) error {
	all := append(slices.Clone(r.Replies), r.DestinationReplies...)
	if len(all) == 0 {
		return nil
	}
	destinationTTL := 255
	for _, reply := range r.DestinationReplies {
		destinationTTL = min(destinationTTL, int(reply.ProbeTTL))
	}
	byTTL := make(map[int]map[string]struct{})
	minTTL, maxTTL := 255, 0
	for _, reply := range all {
		ttl := int(reply.ProbeTTL)
		if byTTL[ttl] == nil {
			byTTL[ttl] = make(map[string]struct{})
		}
		byTTL[ttl][links.FormatAddr(reply.ReplySrcAddr.Unmap())] = struct{}{}
		minTTL, maxTTL = min(minTTL, ttl), max(maxTTL, ttl)
	}
	var lines []string
	for ttl := minTTL; ttl <= min(maxTTL, destinationTTL); ttl++ {
		addrs := make([]string, 0, len(byTTL[ttl]))
		for a := range byTTL[ttl] {
			addrs = append(addrs, a)
		}
		slices.Sort(addrs)
		lines = append(lines, strings.TrimSpace(fmt.Sprintf("%d %s", ttl, strings.Join(addrs, " "))))
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

// Table writes one row per reply, sorted by TTL.
func Table(w io.Writer, r *results.Results) error {
	replies := slices.Clone(r.Replies)
	slices.SortStableFunc(replies, func(a, b mdatraceroute.Reply) int {
		return int(a.ProbeTTL) - int(b.ProbeTTL)
	})
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"TTL", "Src. port", "Dst. port", "Probe IP", "Reply IP", "RTT", "MPLS label stack"})
	for _, reply := range replies {
		table.Append([]string{
			fmt.Sprintf("%d", reply.ProbeTTL),
			fmt.Sprintf("%d", reply.ProbeSrcPort),
			fmt.Sprintf("%d", reply.ProbeDstPort),
			reply.ProbeDstAddr.Unmap().String(),
			links.FormatAddr(reply.ReplySrcAddr.Unmap()),
			fmt.Sprintf("%.1fms", float64(reply.RTT.Microseconds())/1000),
			formatLabels(reply.ReplyMPLSLabels),
		})
	}
	table.Render()
	return nil
}

func formatLabels(labels []mdatraceroute.MPLSLabel) string {
	s := make([]string, len(labels))
	for i, l := range labels {
		s[i] = fmt.Sprintf("(%d, %d, %d, %d)", l.Label, l.Experimental, l.BottomOfStack, l.TTL)
	}
	return "[" + strings.Join(s, ", ") + "]"
}
