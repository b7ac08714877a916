/* SPDX-License-Identifier: BSD-2-Clause */

// Package stopping computes the MDA stopping points: the number of distinct
// flows that have to be sent through a load balancer to observe all of its
// next hops with a given probability.
//
// The probability that n probes, spread uniformly over k interfaces, reach all
// of them can be evaluated either with the inclusion-exclusion closed form or
// with a recurrence over the number of probes sent and of interfaces reached.
// Both are provided, and both are memoized: the estimator is queried once per
// TTL per round, always with small keys.
package stopping

import (
	"fmt"
	"math/big"
	"sync"
)

// MaxProbes bounds the stopping point search, for failure probabilities too
// small to ever be satisfied.
const MaxProbes = 1 << 16

// Method selects how the reach probability is evaluated.
type Method int

// Evaluation methods
const (
	// MethodRecurrence evaluates the reach probability with dynamic
	// programming over (probes sent, interfaces reached).
	MethodRecurrence Method = iota
	// MethodInclusionExclusion evaluates the closed form exactly with
	// arbitrary precision integers.
	MethodInclusionExclusion
)

func (m Method) String() string {
	switch m {
	case MethodRecurrence:
		return "recurrence"
	case MethodInclusionExclusion:
		return "inclusion-exclusion"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

type reachKey struct {
	total  int
	probes int
}

type stopKey struct {
	interfaces int
	failure    float64
}

// Estimator computes and caches reach probabilities and stopping points. It
// is safe for concurrent use.
type Estimator struct {
	method Method

	mu    sync.Mutex
	reach map[reachKey]float64
	stop  map[stopKey]int
	// rows[total][n][t] is the probability of having reached t of total
	// interfaces after n probes.
	rows map[int][][]float64
}

// NewEstimator returns an Estimator using the given evaluation method.
func NewEstimator(method Method) *Estimator {
	return &Estimator{
		method: method,
		reach:  make(map[reachKey]float64),
		stop:   make(map[stopKey]int),
		rows:   make(map[int][][]float64),
	}
}

// Method returns the evaluation method of the estimator.
func (e *Estimator) Method() Method {
	return e.method
}

// ReachProbability returns the probability of having reached all of `total`
// interfaces after sending `probes` independently load-balanced probes.
func (e *Estimator) ReachProbability(total, probes int) float64 {
	if total < 0 || probes < 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reachLocked(total, probes)
}

// StoppingPoint returns the smallest number of probes such that the
// probability of having observed all of `interfaces` interfaces is at least
// 1 - failure.
func (e *Estimator) StoppingPoint(interfaces int, failure float64) int {
	switch {
	case interfaces <= 0:
		return 0
	case interfaces == 1:
		return 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := stopKey{interfaces: interfaces, failure: failure}
	if n, ok := e.stop[key]; ok {
		return n
	}
	threshold := 1 - failure
	n := 0
	for n < MaxProbes && e.reachLocked(interfaces, n) < threshold {
		n++
	}
	e.stop[key] = n
	return n
}

func (e *Estimator) reachLocked(total, probes int) float64 {
	key := reachKey{total: total, probes: probes}
	if p, ok := e.reach[key]; ok {
		return p
	}
	var p float64
	switch e.method {
	case MethodInclusionExclusion:
		p = inclusionExclusion(total, probes)
	default:
		p = e.recurrence(total, probes)
	}
	e.reach[key] = p
	return p
}

// recurrence extends the table of `total` up to `probes` rows. The n-th probe
// either hits one of the t interfaces already reached, or one of the
// total-t+1 interfaces that were still missing after n-1 probes.
func (e *Estimator) recurrence(total, probes int) float64 {
	if total == 0 {
		return 1
	}
	rows := e.rows[total]
	if rows == nil {
		first := make([]float64, total+1)
		first[0] = 1
		rows = [][]float64{first}
	}
	for n := len(rows); n <= probes; n++ {
		prev := rows[n-1]
		row := make([]float64, total+1)
		for t := 1; t <= total; t++ {
			row[t] = prev[t]*float64(t)/float64(total) +
				prev[t-1]*float64(total-t+1)/float64(total)
		}
		rows = append(rows, row)
	}
	e.rows[total] = rows
	return rows[probes][total]
}

// inclusionExclusion evaluates
//
//	1 - (1/total^probes) * sum_{i=0}^{total-1} C(total, i) * i^probes * (-1)^(total-i-1)
//
// exactly, then rounds to the nearest float64.
func inclusionExclusion(total, probes int) float64 {
	if total == 0 {
		return 1
	}
	exp := big.NewInt(int64(probes))
	sum := new(big.Int)
	for i := 0; i < total; i++ {
		term := new(big.Int).Binomial(int64(total), int64(i))
		term.Mul(term, new(big.Int).Exp(big.NewInt(int64(i)), exp, nil))
		if (total-i-1)%2 == 0 {
			sum.Add(sum, term)
		} else {
			sum.Sub(sum, term)
		}
	}
	denom := new(big.Int).Exp(big.NewInt(int64(total)), exp, nil)
	miss := new(big.Rat).SetFrac(sum, denom)
	p, _ := new(big.Rat).Sub(big.NewRat(1, 1), miss).Float64()
	return p
}

// Default is the estimator shared by the package-level functions.
var Default = NewEstimator(MethodRecurrence)

// ReachProbability is ReachProbability on the Default estimator.
func ReachProbability(total, probes int) float64 {
	return Default.ReachProbability(total, probes)
}

// StoppingPoint is StoppingPoint on the Default estimator.
func StoppingPoint(interfaces int, failure float64) int {
	return Default.StoppingPoint(interfaces, failure)
}

// FailureProbability converts a confidence percentage to a failure
// probability.
func FailureProbability(confidence int) float64 {
	return 1 - float64(confidence)/100
}
