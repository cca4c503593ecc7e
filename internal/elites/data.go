package elites

import (
	"math"

	"github.com/clawinfra/cerrla/internal/rule"
)

// SlotStats are the elite statistics of a single slot.
type SlotStats struct {
	// Count is the weighted number of elites containing the slot.
	Count float64
	// Mean is the participation rate, Count over the total weight.
	Mean float64
	// Position is the mean relative firing position in [0, 1].
	Position float64
	// PositionSpread is the standard deviation of the firing position.
	PositionSpread float64
	// Rules is the weighted occurrence count of each rule of the slot.
	Rules map[rule.ID]float64

	posSum   float64
	posSqSum float64
}

// Data is the aggregate of an elite sample. It is rebuilt on every update.
type Data struct {
	TotalWeight float64
	NumElites   int
	Slots       map[rule.SlotID]*SlotStats
}

var emptyStats = SlotStats{Rules: map[rule.ID]float64{}}

// Slot returns the statistics of a slot; slots absent from the elites get
// zero statistics.
func (d *Data) Slot(id rule.SlotID) *SlotStats {
	if s, ok := d.Slots[id]; ok {
		return s
	}
	zero := emptyStats
	zero.Rules = map[rule.ID]float64{}
	return &zero
}

// RankWeight is the linear rank weight of position r among n elites. The
// weights average to one.
func RankWeight(r, n int) float64 {
	if n <= 0 {
		return 0
	}
	return 2 * float64(n-r) / float64(n+1)
}

// Aggregate builds elite statistics from values ordered best first. With
// weighted set, better ranked values count more.
func Aggregate(values []PolicyValue, weighted bool) *Data {
	weights := make([]float64, len(values))
	for i := range values {
		if weighted {
			weights[i] = RankWeight(i, len(values))
		} else {
			weights[i] = 1
		}
	}
	return aggregate(values, weights)
}

// AggregateNegative builds statistics over values that dropped out of the
// elites. Each value is weighted by how far below the elite range
// [worst, best] it scored, capped at one.
func AggregateNegative(values []PolicyValue, best, worst float64) *Data {
	weights := make([]float64, len(values))
	spread := best - worst
	for i, pv := range values {
		below := worst - pv.Value
		switch {
		case below <= 0:
			weights[i] = 0
		case spread <= 0:
			weights[i] = 1
		default:
			weights[i] = math.Min(1, below/spread)
		}
	}
	return aggregate(values, weights)
}

func aggregate(values []PolicyValue, weights []float64) *Data {
	d := &Data{NumElites: len(values), Slots: make(map[rule.SlotID]*SlotStats)}
	for i, pv := range values {
		w := weights[i]
		if w <= 0 || pv.Policy == nil {
			continue
		}
		d.TotalWeight += w
		for pos, e := range pv.Policy.Entries() {
			s, ok := d.Slots[e.Slot]
			if !ok {
				s = &SlotStats{Rules: make(map[rule.ID]float64)}
				d.Slots[e.Slot] = s
			}
			rel := pv.Policy.RelativePosition(pos)
			s.Count += w
			s.Rules[e.Rule] += w
			s.posSum += w * rel
			s.posSqSum += w * rel * rel
		}
	}
	for _, s := range d.Slots {
		if d.TotalWeight > 0 {
			s.Mean = math.Min(1, s.Count/d.TotalWeight)
		}
		if s.Count > 0 {
			s.Position = s.posSum / s.Count
			variance := s.posSqSum/s.Count - s.Position*s.Position
			s.PositionSpread = math.Sqrt(math.Max(0, variance))
		}
	}
	return d
}
