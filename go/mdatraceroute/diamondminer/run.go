/* SPDX-License-Identifier: BSD-2-Clause */

package diamondminer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
)

const tracerName = "github.com/insomniacslk/mda-traceroute/go/mdatraceroute/diamondminer"

// RoundInfo describes a completed round of Run.
type RoundInfo struct {
	Round   int
	Probes  []mdatraceroute.Probe
	Replies []mdatraceroute.Reply
	// Links is the number of distinct links known after the round.
	Links    int
	Duration time.Duration
}

// Observer is notified after every round of Run.
type Observer interface {
	ObserveRound(RoundInfo)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(RoundInfo)

// ObserveRound calls f.
func (f ObserverFunc) ObserveRound(info RoundInfo) {
	f(info)
}

// Run sends the probes of every round through prober until the run is over.
// A prober error aborts the run.
func (d *DiamondMiner) Run(ctx context.Context, prober mdatraceroute.Prober, wait time.Duration) error {
	tracer := otel.Tracer(tracerName)
	d.startTime = time.Now()
	defer func() {
		d.stopTime = time.Now()
	}()

	var replies []mdatraceroute.Reply
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		probes := d.NextRound(replies)
		if len(probes) == 0 {
			d.log.Infof("Done after %d rounds, %d probes sent", d.state.Round-1, d.TotalProbesSent())
			for ttl, addrs := range d.UnresolvedNodes() {
				d.log.Debugf("Unresolved nodes at TTL %d: %v", ttl, addrs)
			}
			return nil
		}
		round := d.state.Round
		d.log.WithFields(log.Fields{
			"round":         round,
			"links":         countLinks(d.Links()),
			"probes":        len(probes),
			"expected_time": d.expectedTime(len(probes), wait),
		}).Info("Starting round")

		rctx, span := tracer.Start(ctx, "diamondminer.round", trace.WithAttributes(
			attribute.Int("mda.round", round),
			attribute.Int("mda.probes", len(probes)),
			attribute.Stringer("mda.destination", d.config.Destination),
		))
		start := time.Now()
		var err error
		replies, err = prober.Probe(rctx, probes, wait)
		if err != nil {
			span.SetStatus(codes.Error, "probing failed")
			span.RecordError(err)
			span.End()
			return fmt.Errorf("round %d: %w", round, err)
		}
		elapsed := time.Since(start)
		known := countLinks(links.LinksByTTL(append(d.AllReplies(), replies...)))
		span.SetAttributes(
			attribute.Int("mda.replies", len(replies)),
			attribute.Int("mda.links", known),
		)
		span.End()
		d.log.Debugf("Round %d: %d replies in %s", round, len(replies), elapsed)
		if d.observer != nil {
			d.observer.ObserveRound(RoundInfo{
				Round:    round,
				Probes:   probes,
				Replies:  replies,
				Links:    known,
				Duration: elapsed,
			})
		}
	}
}

// StartTime returns when Run started.
func (d *DiamondMiner) StartTime() time.Time {
	return d.startTime
}

// StopTime returns when Run returned.
func (d *DiamondMiner) StopTime() time.Time {
	return d.stopTime
}

// expectedTime estimates the duration of a round from the probing rate.
func (d *DiamondMiner) expectedTime(probes int, wait time.Duration) time.Duration {
	if d.config.ProbingRate <= 0 {
		return wait
	}
	return time.Duration(probes)*time.Second/time.Duration(d.config.ProbingRate) + wait
}

func countLinks(byTTL map[uint8]links.LinkSet) int {
	n := 0
	for _, s := range byTTL {
		n += s.Len()
	}
	return n
}
