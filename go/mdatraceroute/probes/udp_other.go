//go:build !linux

/* SPDX-License-Identifier: BSD-2-Clause */

package probes

import (
	"context"
	"time"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
)

// Probe is not supported on this platform.
func (u *UDP) Probe(ctx context.Context, probes []mdatraceroute.Probe, wait time.Duration) ([]mdatraceroute.Reply, error) {
	return nil, ErrNotSupported
}
