/* SPDX-License-Identifier: BSD-2-Clause */

// Package probes implements the transports that send MDA probes and collect
// the replies.
//
// The UDP prober relies on the kernel for the wire format: probes are sent
// from regular UDP sockets, one per flow, and the ICMP errors they trigger are
// read back from the socket error queue. No raw socket is needed.
package probes

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

// errors returned by the UDP prober
var (
	ErrNotSupported         = errors.New("UDP probing is only supported on Linux")
	ErrProtocolNotSupported = errors.New("protocol not supported by the UDP prober")
)

// payloadMagic prefixes the payload of every probe. The byte that follows is
// the probe TTL, which the ICMP error quotes back.
const payloadMagic = "MDA"

// UDP is a Prober based on kernel UDP sockets and IP_RECVERR.
// Replies from the error queue have no quoted TTL and no MPLS labels.
type UDP struct {
	// ProbingRate is the number of probes sent per second. 0 sends them
	// back to back.
	ProbingRate int
	Log         log.FieldLogger
}

// NewUDP returns a UDP prober pacing probes at the given rate.
func NewUDP(probingRate int, logger log.FieldLogger) *UDP {
	return &UDP{ProbingRate: probingRate, Log: logger}
}

// Validate checks that every probe can be sent by this prober.
func (u *UDP) Validate(probes []mdatraceroute.Probe) error {
	if u.ProbingRate < 0 {
		return fmt.Errorf("invalid probing rate %d, must not be negative", u.ProbingRate)
	}
	for _, p := range probes {
		if p.Protocol != mdatraceroute.ProtocolUDP {
			return fmt.Errorf("%w: %s", ErrProtocolNotSupported, p.Protocol)
		}
		if !p.Dst.IsValid() {
			return fmt.Errorf("invalid destination for probe %s", p)
		}
		if p.TTL == 0 {
			return fmt.Errorf("TTL must be a positive integer for probe %s", p)
		}
	}
	return nil
}

func (u *UDP) logger() log.FieldLogger {
	if u.Log == nil {
		return log.StandardLogger()
	}
	return u.Log
}

// interval returns the delay between two probes.
func (u *UDP) interval() time.Duration {
	if u.ProbingRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(u.ProbingRate)
}

// probeKey identifies a sent probe.
type probeKey struct {
	flow mdatraceroute.Flow
	ttl  uint8
}

func payload(ttl uint8) []byte {
	return append([]byte(payloadMagic), ttl)
}

// ttlFromPayload extracts the probe TTL from a quoted payload.
func ttlFromPayload(b []byte) (uint8, bool) {
	if len(b) < len(payloadMagic)+1 || string(b[:len(payloadMagic)]) != payloadMagic {
		return 0, false
	}
	return b[len(payloadMagic)], true
}
