/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

// family is the address family requested for the destination.
type family string

// address families
const (
	familyAny family = "any"
	family4   family = "4"
	family6   family = "6"
)

func parseFamily(s string) (family, error) {
	switch f := family(s); f {
	case familyAny, family4, family6:
		return f, nil
	}
	return "", fmt.Errorf("invalid address family %q, must be one of any, 4, 6", s)
}

func (f family) network() string {
	switch f {
	case family4:
		return "ip4"
	case family6:
		return "ip6"
	default:
		return "ip"
	}
}

func (f family) matches(a netip.Addr) bool {
	switch f {
	case family4:
		return a.Is4()
	case family6:
		return a.Is6()
	default:
		return true
	}
}

// ErrNoAddress signals that the host has no address of the requested family.
var ErrNoAddress = errors.New("no IP address of the requested family was found")

// lookuper resolves host names, as net.Resolver does.
type lookuper interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var defaultResolver lookuper = net.DefaultResolver

// resolve returns the first address of the requested family for the given
// host. If the host is already an IP address, such address is returned if it
// belongs to the family.
func resolve(ctx context.Context, r lookuper, host string, af family) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !af.matches(addr) {
			return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrNoAddress)
		}
		return addr, nil
	}
	addrs, err := r.LookupNetIP(ctx, af.network(), host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("cannot resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if af.matches(addr) {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%s: %w", host, ErrNoAddress)
}

// sourceAddr returns the local address the kernel picks to reach dst. No
// packet is sent: connecting a UDP socket only selects the route.
func sourceAddr(dst netip.Addr, port uint16, logger log.FieldLogger) netip.Addr {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, port)))
	if err != nil {
		logger.Warningf("Cannot find the source address towards %s: %v", dst, err)
		return netip.Addr{}
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
}
