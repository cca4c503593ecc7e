// Package dist implements the categorical distribution used by slots to hold
// probabilities over rule variants.
package dist

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Entry is a single item with its probability.
type Entry[T comparable] struct {
	Item T       `json:"item"`
	Prob float64 `json:"prob"`
}

// Distribution is a categorical distribution over a dynamic item set.
// Items keep their insertion order so that sampling from a seeded source is
// reproducible.
type Distribution[T comparable] struct {
	items []T
	probs []float64
	index map[T]int
}

// New creates an empty distribution.
func New[T comparable]() *Distribution[T] {
	return &Distribution[T]{index: make(map[T]int)}
}

// normTolerance is how far from one a sum may drift before FromEntries
// rescales it.
const normTolerance = 1e-12

// FromEntries rebuilds a distribution from persisted entries. Probabilities
// are taken as given and only normalized when they do not already sum to one.
func FromEntries[T comparable](entries []Entry[T]) *Distribution[T] {
	d := New[T]()
	for _, e := range entries {
		if _, ok := d.index[e.Item]; ok {
			continue
		}
		d.index[e.Item] = len(d.items)
		d.items = append(d.items, e.Item)
		d.probs = append(d.probs, math.Max(0, e.Prob))
	}
	if math.Abs(floats.Sum(d.probs)-1) > normTolerance {
		d.Normalize()
	}
	return d
}

// Entries returns the items and probabilities in insertion order.
func (d *Distribution[T]) Entries() []Entry[T] {
	out := make([]Entry[T], len(d.items))
	for i, item := range d.items {
		out[i] = Entry[T]{Item: item, Prob: d.probs[i]}
	}
	return out
}

// Items returns the items in insertion order.
func (d *Distribution[T]) Items() []T {
	out := make([]T, len(d.items))
	copy(out, d.items)
	return out
}

// Size is the number of items in the distribution.
func (d *Distribution[T]) Size() int { return len(d.items) }

// IsEmpty reports whether the distribution holds no items.
func (d *Distribution[T]) IsEmpty() bool { return len(d.items) == 0 }

// Contains reports whether item is part of the distribution.
func (d *Distribution[T]) Contains(item T) bool {
	_, ok := d.index[item]
	return ok
}

// Add inserts item with the current average mass and renormalizes. Adding an
// item that is already present is a no-op and returns false.
func (d *Distribution[T]) Add(item T) bool {
	p := 1.0
	if n := len(d.items); n > 0 {
		p = 1.0 / float64(n)
	}
	return d.AddWithProb(item, p)
}

// AddWithProb inserts item with an explicit (pre-normalization) mass.
func (d *Distribution[T]) AddWithProb(item T, prob float64) bool {
	if _, ok := d.index[item]; ok {
		return false
	}
	d.index[item] = len(d.items)
	d.items = append(d.items, item)
	d.probs = append(d.probs, math.Max(0, prob))
	d.Normalize()
	return true
}

// Remove deletes item and renormalizes the remaining mass.
func (d *Distribution[T]) Remove(item T) bool {
	i, ok := d.index[item]
	if !ok {
		return false
	}
	d.items = append(d.items[:i], d.items[i+1:]...)
	d.probs = append(d.probs[:i], d.probs[i+1:]...)
	delete(d.index, item)
	for j := i; j < len(d.items); j++ {
		d.index[d.items[j]] = j
	}
	d.Normalize()
	return true
}

// Normalize rescales probabilities to sum to one. A distribution with no mass
// left becomes uniform.
func (d *Distribution[T]) Normalize() {
	if len(d.probs) == 0 {
		return
	}
	sum := floats.Sum(d.probs)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		u := 1.0 / float64(len(d.probs))
		for i := range d.probs {
			d.probs[i] = u
		}
		return
	}
	floats.Scale(1/sum, d.probs)
}

// Prob returns the probability of item, or 0 if it is absent.
func (d *Distribution[T]) Prob(item T) float64 {
	if i, ok := d.index[item]; ok {
		return d.probs[i]
	}
	return 0
}

// MostLikely returns the item with the highest probability. Ties go to the
// earliest inserted item.
func (d *Distribution[T]) MostLikely() (T, bool) {
	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	return d.items[floats.MaxIdx(d.probs)], true
}

// Sample draws an item proportionally to its probability, or returns the
// argmax when useMostLikely is set.
func (d *Distribution[T]) Sample(rng *rand.Rand, useMostLikely bool) (T, bool) {
	var zero T
	if len(d.items) == 0 {
		return zero, false
	}
	if useMostLikely {
		return d.MostLikely()
	}
	r := rng.Float64()
	cum := 0.0
	for i, p := range d.probs {
		cum += p
		if r < cum {
			return d.items[i], true
		}
	}
	// Floating point slack: fall back to the last item carrying mass.
	for i := len(d.probs) - 1; i >= 0; i-- {
		if d.probs[i] > 0 {
			return d.items[i], true
		}
	}
	return d.items[len(d.items)-1], true
}

// KLSize is the effective number of items, exp(entropy). A distribution with
// all its mass on one item has size 1.
func (d *Distribution[T]) KLSize() float64 {
	if len(d.probs) == 0 {
		return 0
	}
	return math.Exp(stat.Entropy(d.probs))
}

// Clone returns an independent copy.
func (d *Distribution[T]) Clone() *Distribution[T] {
	c := &Distribution[T]{
		items: make([]T, len(d.items)),
		probs: make([]float64, len(d.probs)),
		index: make(map[T]int, len(d.index)),
	}
	copy(c.items, d.items)
	copy(c.probs, d.probs)
	for k, v := range d.index {
		c.index[k] = v
	}
	return c
}

// UpdateDistribution returns a new distribution where every item has moved a
// fraction alpha toward weights[item]/totalWeight, together with the total
// absolute probability mass that shifted. The receiver is left untouched.
func (d *Distribution[T]) UpdateDistribution(totalWeight float64, weights map[T]float64, alpha float64) (*Distribution[T], float64) {
	next := d.Clone()
	if totalWeight <= 0 || len(d.items) == 0 {
		return next, 0
	}
	alpha = clamp01(alpha)
	for i, item := range next.items {
		target := weights[item] / totalWeight
		next.probs[i] = math.Max(0, next.probs[i]+alpha*(target-next.probs[i]))
	}
	next.Normalize()
	return next, d.distance(next)
}

// DecreaseProbabilities returns a new distribution where each item loses a
// fraction alpha*min(1, weights[item]/totalWeight) of its own mass before
// renormalization. It is the negative counterpart of UpdateDistribution.
func (d *Distribution[T]) DecreaseProbabilities(totalWeight float64, weights map[T]float64, alpha float64) (*Distribution[T], float64) {
	next := d.Clone()
	if totalWeight <= 0 || len(d.items) == 0 {
		return next, 0
	}
	alpha = clamp01(alpha)
	for i, item := range next.items {
		frac := math.Min(1, weights[item]/totalWeight)
		next.probs[i] -= alpha * frac * next.probs[i]
	}
	if floats.Sum(next.probs) <= 0 {
		return d.Clone(), 0
	}
	next.Normalize()
	return next, d.distance(next)
}

// Influenced returns a copy that upweights items with few recorded uses, so
// untested variants get sampled at least at roughly uniform rate.
func (d *Distribution[T]) Influenced(uses func(T) int) *Distribution[T] {
	next := d.Clone()
	if len(next.items) == 0 {
		return next
	}
	u := 1.0 / float64(len(next.items))
	for i, item := range next.items {
		next.probs[i] += u / float64(1+max(0, uses(item)))
	}
	next.Normalize()
	return next
}

// distance is the L1 distance between two distributions over the same items.
func (d *Distribution[T]) distance(other *Distribution[T]) float64 {
	total := 0.0
	for i, item := range d.items {
		total += math.Abs(other.Prob(item) - d.probs[i])
	}
	return total
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
