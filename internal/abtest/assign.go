// Package abtest splits an audience over message variants, paces the
// experiment and picks the winning variant.
package abtest

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"

	"github.com/foxzi/herald/internal/campaign"
)

// SampleSize returns how many of total recipients enter the experiment.
// Fractions are rounded down.
func SampleSize(total, percent int) int {
	if percent <= 0 || total <= 0 {
		return 0
	}
	if percent >= 100 {
		return total
	}
	return total * percent / 100
}

// AssignVariant picks a variant for one recipient by weighted hashing of the
// seed and the recipient phone. The same inputs always give the same variant.
func AssignVariant(seed string, r *campaign.Recipient, s campaign.Strategy) string {
	if len(s.Weights) == 0 {
		return ""
	}
	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write([]byte(r.Phone))
	point := int(h.Sum64() % 100)

	acc := 0
	for _, w := range s.Weights {
		acc += w.Weight
		if point < acc {
			return w.VariantName
		}
	}
	return s.Weights[len(s.Weights)-1].VariantName
}

// Assignment is the result of splitting an audience
type Assignment struct {
	// Variants maps variant name to its recipients, in audience order
	Variants map[string][]*campaign.Recipient
	// Holdout recipients wait for the experiment outcome
	Holdout []*campaign.Recipient
}

// Assign splits recipients over the variants of c. Single-variant campaigns
// get everyone on their variant. A/B campaigns place SampleSizePercent of the
// audience into the experiment and hold back the rest.
func Assign(c *campaign.Campaign, recipients []*campaign.Recipient) *Assignment {
	a := &Assignment{Variants: make(map[string][]*campaign.Recipient)}
	if c.Strategy.Mode != campaign.ModeAB {
		if len(c.Variants) > 0 {
			a.Variants[c.Variants[0].Name] = recipients
		}
		return a
	}

	n := SampleSize(len(recipients), c.Strategy.SamplePercent())

	var sampled []int
	switch c.Strategy.Allocation {
	case campaign.AllocationRoundRobin:
		sampled = make([]int, n)
		for i := range sampled {
			sampled[i] = i
		}
		names := newRoundRobin(c.Strategy.Weights)
		for _, i := range sampled {
			name := names.next()
			a.Variants[name] = append(a.Variants[name], recipients[i])
		}
	default:
		sampled = shuffle(c.ID, len(recipients))[:n]
		sort.Ints(sampled)
		for _, i := range sampled {
			name := AssignVariant(c.ID, recipients[i], c.Strategy)
			a.Variants[name] = append(a.Variants[name], recipients[i])
		}
	}

	in := make([]bool, len(recipients))
	for _, i := range sampled {
		in[i] = true
	}
	for i, r := range recipients {
		if !in[i] {
			a.Holdout = append(a.Holdout, r)
		}
	}
	return a
}

// shuffle returns a permutation of [0, n) seeded by the campaign id
func shuffle(seed string, n int) []int {
	h := fnv.New64a()
	h.Write([]byte(seed))
	s := h.Sum64()
	rng := rand.New(rand.NewPCG(s, s>>1|1))
	return rng.Perm(n)
}

// roundRobin interleaves variants in proportion to their weights
// (smooth weighted round robin)
type roundRobin struct {
	weights []campaign.Weight
	current []int
	total   int
}

func newRoundRobin(weights []campaign.Weight) *roundRobin {
	rr := &roundRobin{weights: weights, current: make([]int, len(weights))}
	for _, w := range weights {
		rr.total += w.Weight
	}
	return rr
}

func (rr *roundRobin) next() string {
	best := -1
	for i, w := range rr.weights {
		rr.current[i] += w.Weight
		if best < 0 || rr.current[i] > rr.current[best] {
			best = i
		}
	}
	rr.current[best] -= rr.total
	return rr.weights[best].VariantName
}
