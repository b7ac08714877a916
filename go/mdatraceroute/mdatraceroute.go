/* SPDX-License-Identifier: BSD-2-Clause */

package mdatraceroute

import (
	"context"
	"time"
)

// default values and constants
const (
	DefaultWait        = time.Millisecond * 1000
	DefaultMinTTL      = 1
	DefaultMaxTTL      = 32
	DefaultSrcPort     = 24000
	DefaultDstPort     = 33434
	DefaultConfidence  = 95
	DefaultMaxRound    = 10
	DefaultProbingRate = 100
)

// Prober is the transport every MDA Traceroute run delegates to. It sends a
// batch of probes, waits up to `wait` for the replies and returns the ones it
// could match to a sent probe. Replies must never be fabricated.
//
//go:generate go tool moq -out prober_moq.go . Prober
type Prober interface {
	Probe(ctx context.Context, probes []Probe, wait time.Duration) ([]Reply, error)
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context, probes []Probe, wait time.Duration) ([]Reply, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, probes []Probe, wait time.Duration) ([]Reply, error) {
	return f(ctx, probes, wait)
}
