/* SPDX-License-Identifier: BSD-2-Clause */

// Package diamondminer implements the Diamond-Miner round controller, an
// adaptive version of the Multipath Detection Algorithm (MDA).
//
// Every round the controller infers the links discovered so far and computes,
// for every TTL, how many flows are needed to have found all the interfaces
// with the configured confidence. Only the flows that were not probed yet are
// sent. The run ends when no TTL needs more flows, or after MaxRound rounds.
package diamondminer

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/links"
	"github.com/insomniacslk/mda-traceroute/go/mdatraceroute/stopping"
)

// RoundState is the state of a run. It is owned by a single DiamondMiner.
type RoundState struct {
	// Round is the number of NextRound calls so far.
	Round int
	// ProbesSent is the number of flows probed at each TTL. It never
	// decreases.
	ProbesSent map[uint8]int
	// Replies holds the replies received after each round, by round number.
	Replies map[int][]mdatraceroute.Reply
}

// DiamondMiner drives a multipath traceroute towards a single destination.
type DiamondMiner struct {
	config    Config
	failure   float64
	estimator *stopping.Estimator
	log       log.FieldLogger
	rand      *rand.Rand
	observer  Observer
	state     RoundState
	startTime time.Time
	stopTime  time.Time
}

// Option configures a DiamondMiner.
type Option func(*DiamondMiner)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l log.FieldLogger) Option {
	return func(d *DiamondMiner) {
		d.log = l
	}
}

// WithEstimator sets the stopping point estimator. The default is the
// package-level estimator of the stopping package.
func WithEstimator(e *stopping.Estimator) Option {
	return func(d *DiamondMiner) {
		d.estimator = e
	}
}

// WithRand sets the random source used to shuffle the probes.
func WithRand(r *rand.Rand) Option {
	return func(d *DiamondMiner) {
		d.rand = r
	}
}

// WithObserver sets an observer notified after every round of Run.
func WithObserver(o Observer) Option {
	return func(d *DiamondMiner) {
		d.observer = o
	}
}

// New validates the configuration and returns a DiamondMiner ready for its
// first round.
func New(cfg Config, opts ...Option) (*DiamondMiner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Protocol = cfg.Protocol.ForDestination(cfg.Destination)
	d := DiamondMiner{
		config:    cfg,
		failure:   stopping.FailureProbability(cfg.Confidence),
		estimator: stopping.Default,
		log:       log.StandardLogger(),
		state: RoundState{
			ProbesSent: make(map[uint8]int),
			Replies:    make(map[int][]mdatraceroute.Reply),
		},
	}
	for _, opt := range opts {
		opt(&d)
	}
	if d.rand == nil {
		d.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &d, nil
}

// Config returns the configuration of the run, with the protocol adjusted to
// the destination address family.
func (d *DiamondMiner) Config() Config {
	return d.config
}

// CurrentRound returns the number of rounds computed so far.
func (d *DiamondMiner) CurrentRound() int {
	return d.state.Round
}

// ProbesSent returns a copy of the number of flows probed at each TTL.
func (d *DiamondMiner) ProbesSent() map[uint8]int {
	ret := make(map[uint8]int, len(d.state.ProbesSent))
	for ttl, n := range d.state.ProbesSent {
		ret[ttl] = n
	}
	return ret
}

// TotalProbesSent returns the number of probes sent at all TTLs.
func (d *DiamondMiner) TotalProbesSent() int {
	total := 0
	for _, n := range d.state.ProbesSent {
		total += n
	}
	return total
}

// AllReplies returns the replies of every round, in round order.
func (d *DiamondMiner) AllReplies() []mdatraceroute.Reply {
	rounds := make([]int, 0, len(d.state.Replies))
	for r := range d.state.Replies {
		rounds = append(rounds, r)
	}
	slices.Sort(rounds)
	var ret []mdatraceroute.Reply
	for _, r := range rounds {
		ret = append(ret, d.state.Replies[r]...)
	}
	return ret
}

// TimeExceededReplies returns the replies sent by intermediate hops.
func (d *DiamondMiner) TimeExceededReplies() []mdatraceroute.Reply {
	return links.TimeExceeded(d.AllReplies())
}

// DestinationReplies returns the replies sent by the destination.
func (d *DiamondMiner) DestinationReplies() []mdatraceroute.Reply {
	var ret []mdatraceroute.Reply
	for _, r := range d.AllReplies() {
		if r.Kind().ReachedDestination() {
			ret = append(ret, r)
		}
	}
	return ret
}

// Links returns the links inferred from all the replies received so far.
func (d *DiamondMiner) Links() map[uint8]links.LinkSet {
	return links.LinksByTTL(d.AllReplies())
}

// NextRound records the replies to the previous round and returns the probes
// of the next one. The first call takes no replies. An empty batch means the
// run is over.
func (d *DiamondMiner) NextRound(replies []mdatraceroute.Reply) []mdatraceroute.Probe {
	d.state.Round++
	d.state.Replies[d.state.Round] = replies

	if d.state.Round > d.config.MaxRound {
		return nil
	}

	var budget map[uint8]int
	if d.state.Round == 1 {
		budget = d.firstRoundBudget()
	} else if d.config.Strategy == StrategyNode {
		budget = d.nodeBudget(d.AllReplies())
	} else {
		budget = d.ttlBudget(links.LinksByTTL(d.AllReplies()))
	}

	var probes []mdatraceroute.Probe
	for ttl := int(d.config.MinTTL); ttl <= int(d.config.MaxTTL); ttl++ {
		t := uint8(ttl)
		target := min(budget[t], d.config.maxFlows())
		for flowID := d.state.ProbesSent[t]; flowID < target; flowID++ {
			probes = append(probes, d.probe(flowID, t))
		}
		if target > d.state.ProbesSent[t] {
			d.state.ProbesSent[t] = target
		}
	}
	d.rand.Shuffle(len(probes), func(i, j int) {
		probes[i], probes[j] = probes[j], probes[i]
	})
	return probes
}

// probe maps a flow id to a probe. Flow k uses source port SrcPort+k, which
// for ICMP is the value of the checksum.
func (d *DiamondMiner) probe(flowID int, ttl uint8) mdatraceroute.Probe {
	return mdatraceroute.Probe{
		Dst:      d.config.Destination,
		Protocol: d.config.Protocol,
		SrcPort:  d.config.SrcPort + uint16(flowID),
		DstPort:  d.config.DstPort,
		TTL:      ttl,
	}
}

// firstRoundBudget probes every TTL with the flows needed to detect a 2-way
// branch.
func (d *DiamondMiner) firstRoundBudget() map[uint8]int {
	k := d.estimator.StoppingPoint(2, d.failure)
	budget := make(map[uint8]int)
	for ttl := int(d.config.MinTTL); ttl <= int(d.config.MaxTTL); ttl++ {
		budget[uint8(ttl)] = k
	}
	return budget
}

// ttlBudget sizes every TTL on the hypothesis that one more link than the
// ones observed exists there. A TTL never gets fewer flows than the previous
// one, since those flows must survive the previous hop first.
func (d *DiamondMiner) ttlBudget(byTTL map[uint8]links.LinkSet) map[uint8]int {
	target := make(map[uint8]int)
	for ttl, set := range byTTL {
		target[ttl] = d.estimator.StoppingPoint(set.Len()+1, d.failure)
	}
	return d.maxWithPrevious(target)
}

// maxWithPrevious returns, for every probed TTL t, max(target[t], target[t-1]).
func (d *DiamondMiner) maxWithPrevious(target map[uint8]int) map[uint8]int {
	budget := make(map[uint8]int)
	for ttl := int(d.config.MinTTL); ttl <= int(d.config.MaxTTL); ttl++ {
		budget[uint8(ttl)] = max(target[uint8(ttl)], target[uint8(ttl-1)])
	}
	return budget
}

func (d *DiamondMiner) String() string {
	return fmt.Sprintf("DiamondMiner(dst=%s, proto=%s, ttl=[%d, %d], confidence=%d, strategy=%s)",
		d.config.Destination, d.config.Protocol, d.config.MinTTL, d.config.MaxTTL, d.config.Confidence, d.config.Strategy)
}
