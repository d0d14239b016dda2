// Package pattern generates send schedules shaped into human-like clusters
// and gaps, so a batch of outbound mail does not look machine-timed.
package pattern

import (
	"math/rand"
	"sort"
	"time"
)

type BusinessHours struct {
	StartHour int
	EndHour   int
}

var DefaultBusinessHours = BusinessHours{StartHour: 8, EndHour: 18}

func (bh BusinessHours) Contains(t time.Time) bool {
	return bh.StartHour <= t.Hour() && t.Hour() < bh.EndHour
}

// Gap describes the pause between clusters. The [Min,Max] minute range is
// split into three weighted bands: short covers the first 30% of the range,
// medium the middle 40% and long the final 30%.
type Gap struct {
	MinMinutes int
	MaxMinutes int
	Weights    [3]float64
}

// Delay bounds the pause between two sends inside the same cluster.
type Delay struct {
	MinMinutes int
	MaxMinutes int
}

type Pattern struct {
	Name        string
	Description string

	ClusterSizes   []int
	ClusterWeights []float64

	Gap          Gap
	IntraCluster Delay

	// BusinessHoursFocus is the probability that an instant is shifted into
	// the business-hours window, in [0,1].
	BusinessHoursFocus float64
}

var patterns = map[string]Pattern{
	"balanced": {
		Name:               "balanced",
		Description:        "A balanced approach with moderate clustering",
		ClusterSizes:       []int{1, 2, 3, 5, 7, 8},
		ClusterWeights:     []float64{0.1, 0.2, 0.3, 0.2, 0.1, 0.1},
		Gap:                Gap{MinMinutes: 30, MaxMinutes: 180, Weights: [3]float64{0.3, 0.4, 0.3}},
		IntraCluster:       Delay{MinMinutes: 1, MaxMinutes: 5},
		BusinessHoursFocus: 0.8,
	},
	"aggressive": {
		Name:               "aggressive",
		Description:        "Sends emails more frequently with larger clusters",
		ClusterSizes:       []int{2, 3, 5, 8, 10, 12},
		ClusterWeights:     []float64{0.1, 0.1, 0.2, 0.3, 0.2, 0.1},
		Gap:                Gap{MinMinutes: 20, MaxMinutes: 120, Weights: [3]float64{0.4, 0.4, 0.2}},
		IntraCluster:       Delay{MinMinutes: 1, MaxMinutes: 3},
		BusinessHoursFocus: 0.7,
	},
	"conservative": {
		Name:               "conservative",
		Description:        "Sends emails less frequently with smaller clusters",
		ClusterSizes:       []int{1, 2, 3, 4, 5},
		ClusterWeights:     []float64{0.3, 0.3, 0.2, 0.1, 0.1},
		Gap:                Gap{MinMinutes: 60, MaxMinutes: 240, Weights: [3]float64{0.2, 0.5, 0.3}},
		IntraCluster:       Delay{MinMinutes: 2, MaxMinutes: 8},
		BusinessHoursFocus: 0.9,
	},
}

// ByName returns the named pattern, falling back to balanced for unknown
// names.
func ByName(name string) Pattern {
	p, ok := patterns[name]
	if !ok {
		return patterns["balanced"]
	}
	return p
}

func Names() []string {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateSchedule produces exactly count send instants starting at start.
// The result is sorted ascending, no calendar day holds more than maxPerDay
// instants, and with respectBusinessHours and a focus of 1.0 every instant
// falls inside the business-hours window. Randomness is drawn fresh per
// call; only the invariants are guaranteed, not determinism.
func GenerateSchedule(count int, start time.Time, p Pattern, bh BusinessHours, respectBusinessHours bool, maxPerDay int, jitter time.Duration) []time.Time {
	if count <= 0 {
		return nil
	}
	if maxPerDay < 1 {
		maxPerDay = 1
	}
	if bh.EndHour <= bh.StartHour {
		bh = DefaultBusinessHours
	}

	out := make([]time.Time, 0, count)
	perDay := map[string]int{}
	cursor := start
	remaining := count

	for remaining > 0 {
		// A full day moves the cursor to the next day's window start.
		if perDay[dayKey(cursor)] >= maxPerDay {
			cursor = nextDayStart(cursor, bh)
			continue
		}

		capacity := maxPerDay - perDay[dayKey(cursor)]
		size := drawClusterSize(p, minInt(remaining, capacity))

		for i := 0; i < size; i++ {
			at := cursor.Add(randJitter(jitter))
			if respectBusinessHours && p.BusinessHoursFocus > rand.Float64() {
				at = adjustToBusinessHours(at, bh)
			}
			// Jitter and window shifts can land on a day that is already
			// full; spill forward until a day has capacity.
			for perDay[dayKey(at)] >= maxPerDay {
				at = nextDayStart(at, bh)
			}
			perDay[dayKey(at)]++
			out = append(out, at)
			remaining--
			if remaining == 0 {
				break
			}
			cursor = cursor.Add(intraClusterDelay(p))
		}

		cursor = cursor.Add(gapDelay(p))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// nextDayStart moves to the next calendar day at the window start hour with
// a small random minute offset, so day rollovers do not all line up.
func nextDayStart(t time.Time, bh BusinessHours) time.Time {
	y, m, d := t.AddDate(0, 0, 1).Date()
	return time.Date(y, m, d, bh.StartHour, rand.Intn(31), 0, 0, t.Location())
}

func adjustToBusinessHours(t time.Time, bh BusinessHours) time.Time {
	if bh.Contains(t) {
		return t
	}
	if t.Hour() < bh.StartHour {
		y, m, d := t.Date()
		return time.Date(y, m, d, bh.StartHour, rand.Intn(31), 0, 0, t.Location())
	}
	return nextDayStart(t, bh)
}

// drawClusterSize picks a weighted cluster size among the pattern's sizes
// that fit within limit. If none fit, the whole remaining capacity is used
// as a single undersized cluster.
func drawClusterSize(p Pattern, limit int) int {
	var sizes []int
	var weights []float64
	for i, s := range p.ClusterSizes {
		if s <= limit {
			sizes = append(sizes, s)
			weights = append(weights, p.ClusterWeights[i])
		}
	}
	if len(sizes) == 0 {
		return limit
	}
	return sizes[weightedIndex(weights)]
}

func weightedIndex(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return rand.Intn(len(weights))
	}
	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

func randJitter(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(2*jitter)+1)) - jitter
}

func intraClusterDelay(p Pattern) time.Duration {
	span := p.IntraCluster.MaxMinutes - p.IntraCluster.MinMinutes
	minutes := p.IntraCluster.MinMinutes
	if span > 0 {
		minutes += rand.Intn(span + 1)
	}
	return time.Duration(minutes) * time.Minute
}

// gapDelay draws the pause after a cluster from one of three weighted bands
// spanning the pattern's gap range.
func gapDelay(p Pattern) time.Duration {
	gapRange := float64(p.Gap.MaxMinutes - p.Gap.MinMinutes)
	band := weightedIndex(p.Gap.Weights[:])

	var minutes float64
	switch band {
	case 0:
		minutes = gapRange * 0.3 * rand.Float64()
	case 1:
		minutes = gapRange * (0.3 + 0.4*rand.Float64())
	default:
		minutes = gapRange * (0.7 + 0.3*rand.Float64())
	}
	return time.Duration(p.Gap.MinMinutes+int(minutes)) * time.Minute
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
