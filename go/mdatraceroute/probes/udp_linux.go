//go:build linux

/* SPDX-License-Identifier: BSD-2-Clause */

package probes

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

const (
	// minExtendedErrSize is the size of struct sock_extended_err, see ip(7).
	// The offender address follows it.
	minExtendedErrSize = 16
	oobBufSize         = 512
	dataBufSize        = 64
)

// socketKey identifies the socket of a flow. Flows towards different
// destinations may share a socket.
type socketKey struct {
	port uint16
	v6   bool
}

type socket struct {
	conn     *net.UDPConn
	port     uint16
	v6       bool
	p4       *ipv4.PacketConn
	p6       *ipv6.PacketConn
	received []received
}

// received is an ICMP error read from a socket error queue, not yet matched
// to a probe.
type received struct {
	dst        netip.AddrPort
	probeTTL   uint8
	err        extendedErr
	receivedAt time.Time
}

// extendedErr is the decoded content of the control messages of an error
// queue message.
type extendedErr struct {
	protocol uint8
	icmpType uint8
	icmpCode uint8
	offender netip.Addr
	replyTTL uint8
}

// Probe sends the probes and returns the replies received within `wait` after
// the last one was sent.
func (u *UDP) Probe(ctx context.Context, probes []mdatraceroute.Probe, wait time.Duration) ([]mdatraceroute.Reply, error) {
	if err := u.Validate(probes); err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return nil, nil
	}
	sockets, err := u.open(ctx, probes)
	defer func() {
		for _, s := range sockets {
			_ = s.conn.Close()
		}
	}()
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sockets {
		g.Go(func() error {
			return u.listenFor(s)
		})
	}
	expire := func(deadline time.Time) {
		for _, s := range sockets {
			_ = s.conn.SetReadDeadline(deadline)
		}
	}
	stop := context.AfterFunc(gctx, func() { expire(time.Now()) })
	defer stop()

	sent, sendErr := u.send(gctx, sockets, probes)
	if sendErr != nil {
		expire(time.Now())
	} else {
		expire(time.Now().Add(wait))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return u.match(sockets, sent), nil
}

// open creates one socket per flow source port and address family.
func (u *UDP) open(ctx context.Context, probes []mdatraceroute.Probe) (map[socketKey]*socket, error) {
	sockets := make(map[socketKey]*socket)
	for _, p := range probes {
		key := socketKey{port: p.SrcPort, v6: isIPv6(p.Dst)}
		if _, ok := sockets[key]; ok {
			continue
		}
		s, err := listen(ctx, key)
		if err != nil {
			return sockets, err
		}
		sockets[key] = s
	}
	return sockets, nil
}

func listen(ctx context.Context, key socketKey) (*socket, error) {
	network, laddr := "udp4", netip.AddrPortFrom(netip.IPv4Unspecified(), key.port)
	if key.v6 {
		network, laddr = "udp6", netip.AddrPortFrom(netip.IPv6Unspecified(), key.port)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				if key.v6 {
					opErr = errors.Join(
						unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_RECVERR, 1),
						unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_RECVHOPLIMIT, 1),
					)
				} else {
					opErr = errors.Join(
						unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVERR, 1),
						unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVTTL, 1),
					)
				}
			}); err != nil {
				return err
			}
			return opErr
		},
	}
	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s %s: %w", network, laddr, err)
	}
	conn := pc.(*net.UDPConn)
	s := socket{conn: conn, port: key.port, v6: key.v6}
	if key.v6 {
		s.p6 = ipv6.NewPacketConn(conn)
	} else {
		s.p4 = ipv4.NewPacketConn(conn)
	}
	return &s, nil
}

// send sends the probes in order, respecting the configured probing rate, and
// returns the time each probe was sent at.
func (u *UDP) send(ctx context.Context, sockets map[socketKey]*socket, probes []mdatraceroute.Probe) (map[probeKey]time.Time, error) {
	sent := make(map[probeKey]time.Time, len(probes))
	var tick <-chan time.Time
	if interval := u.interval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for i, p := range probes {
		if tick != nil && i > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return sent, err
		}
		dst := p.Dst.Unmap()
		s := sockets[socketKey{port: p.SrcPort, v6: isIPv6(dst)}]
		var err error
		if s.v6 {
			err = s.p6.SetHopLimit(int(p.TTL))
		} else {
			err = s.p4.SetTTL(int(p.TTL))
		}
		if err != nil {
			return sent, fmt.Errorf("cannot set TTL for probe %s: %w", p, err)
		}
		if _, err := s.conn.WriteToUDPAddrPort(payload(p.TTL), netip.AddrPortFrom(dst, p.DstPort)); err != nil {
			// ICMP errors triggered by previous probes can surface here,
			// they are read from the error queue anyway
			if !isICMPErrno(err) {
				return sent, fmt.Errorf("cannot send probe %s: %w", p, err)
			}
			u.logger().Debugf("Sending probe %s: %v", p, err)
		}
		p.Dst = dst
		sent[probeKey{flow: p.Flow(), ttl: p.TTL}] = time.Now()
	}
	return sent, nil
}

// listenFor reads the socket error queue until the read deadline expires.
func (u *UDP) listenFor(s *socket) error {
	rc, err := s.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("cannot get raw connection: %w", err)
	}
	data := make([]byte, dataBufSize)
	oob := make([]byte, oobBufSize)
	for {
		var (
			n, oobn int
			from    unix.Sockaddr
			rerr    error
		)
		err := rc.Read(func(fd uintptr) bool {
			n, oobn, _, from, rerr = unix.Recvmsg(int(fd), data, oob, unix.MSG_ERRQUEUE)
			return !errors.Is(rerr, unix.EAGAIN)
		})
		now := time.Now()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("cannot read error queue of port %d: %w", s.port, err)
		}
		if rerr != nil {
			if errors.Is(rerr, unix.EINTR) {
				continue
			}
			return fmt.Errorf("cannot read error queue of port %d: %w", s.port, rerr)
		}
		ee, err := parseControlMessages(oob[:oobn])
		if err != nil {
			u.logger().Debugf("Port %d: ignoring error queue message: %v", s.port, err)
			continue
		}
		ttl, ok := ttlFromPayload(data[:n])
		if !ok {
			u.logger().Debugf("Port %d: ignoring reply from %s without probe payload", s.port, ee.offender)
			continue
		}
		s.received = append(s.received, received{
			dst:        addrPortFromSockaddr(from),
			probeTTL:   ttl,
			err:        ee,
			receivedAt: now,
		})
	}
}

// match pairs the received errors with the sent probes. Errors that do not
// match a sent probe are dropped.
func (u *UDP) match(sockets map[socketKey]*socket, sent map[probeKey]time.Time) []mdatraceroute.Reply {
	var replies []mdatraceroute.Reply
	for _, s := range sockets {
		for _, r := range s.received {
			reply, ok := matchReceived(s.port, r, sent)
			if !ok {
				u.logger().Debugf("Port %d: no probe for reply from %s to %s ttl=%d", s.port, r.err.offender, r.dst, r.probeTTL)
				continue
			}
			replies = append(replies, reply)
		}
	}
	return replies
}

func matchReceived(port uint16, r received, sent map[probeKey]time.Time) (mdatraceroute.Reply, bool) {
	flow := mdatraceroute.Flow{
		Protocol: mdatraceroute.ProtoUDP,
		Dst:      r.dst.Addr().Unmap(),
		SrcPort:  port,
		DstPort:  r.dst.Port(),
	}
	sentAt, ok := sent[probeKey{flow: flow, ttl: r.probeTTL}]
	if !ok {
		return mdatraceroute.Reply{}, false
	}
	return mdatraceroute.Reply{
		ProbeProtocol:    mdatraceroute.ProtoUDP,
		ProbeDstAddr:     flow.Dst,
		ProbeSrcPort:     flow.SrcPort,
		ProbeDstPort:     flow.DstPort,
		ProbeTTL:         r.probeTTL,
		ReplySrcAddr:     r.err.offender,
		ReplyTTL:         r.err.replyTTL,
		ReplyProtocol:    r.err.protocol,
		ReplyICMPType:    r.err.icmpType,
		ReplyICMPCode:    r.err.icmpCode,
		RTT:              r.receivedAt.Sub(sentAt),
		CaptureTimestamp: r.receivedAt,
	}, true
}

// parseControlMessages decodes the IP_RECVERR/IPV6_RECVERR extended error
// and the TTL of the ICMP message, if present.
func parseControlMessages(oob []byte) (extendedErr, error) {
	cms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return extendedErr{}, fmt.Errorf("failed to parse control messages: %w", err)
	}
	var (
		ee    extendedErr
		found bool
	)
	for _, cm := range cms {
		switch {
		case cm.Header.Level == unix.SOL_IP && cm.Header.Type == unix.IP_RECVERR,
			cm.Header.Level == unix.SOL_IPV6 && cm.Header.Type == unix.IPV6_RECVERR:
			if len(cm.Data) < minExtendedErrSize {
				return extendedErr{}, fmt.Errorf("extended error too short: %d bytes", len(cm.Data))
			}
			switch cm.Data[4] {
			case unix.SO_EE_ORIGIN_ICMP:
				ee.protocol = mdatraceroute.ProtoICMP
			case unix.SO_EE_ORIGIN_ICMP6:
				ee.protocol = mdatraceroute.ProtoICMPv6
			default:
				return extendedErr{}, fmt.Errorf("not an ICMP error, origin %d", cm.Data[4])
			}
			ee.icmpType = cm.Data[5]
			ee.icmpCode = cm.Data[6]
			ee.offender = offender(cm.Data[minExtendedErrSize:])
			found = true
		case cm.Header.Level == unix.SOL_IP && cm.Header.Type == unix.IP_TTL,
			cm.Header.Level == unix.SOL_IPV6 && cm.Header.Type == unix.IPV6_HOPLIMIT:
			if len(cm.Data) >= 4 {
				ee.replyTTL = uint8(binary.NativeEndian.Uint32(cm.Data[:4]))
			}
		}
	}
	if !found {
		return extendedErr{}, errors.New("no IP_RECVERR or IPV6_RECVERR message found")
	}
	return ee, nil
}

// offender decodes the sockaddr_in or sockaddr_in6 that follows
// sock_extended_err. It returns the zero address if it cannot.
func offender(b []byte) netip.Addr {
	if len(b) < 2 {
		return netip.Addr{}
	}
	switch binary.NativeEndian.Uint16(b[:2]) {
	case unix.AF_INET:
		if len(b) >= 8 {
			return netip.AddrFrom4([4]byte(b[4:8]))
		}
	case unix.AF_INET6:
		if len(b) >= 24 {
			return netip.AddrFrom16([16]byte(b[8:24])).Unmap()
		}
	}
	return netip.Addr{}
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}

func isICMPErrno(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.EHOSTUNREACH) || errors.Is(err, unix.ENETUNREACH)
}

func isIPv6(a netip.Addr) bool {
	return a.Is6() && !a.Is4In6()
}
