// Package stats implements the per-feature statistics aggregator: Welford
// accumulation over scalar feature elements, exact combination across
// datasets, and exact mean/variance subtraction for episode deletion.
package stats

import (
	"fmt"
	"math"

	tdigest "github.com/caio/go-tdigest/v4"
)

// FeatureStats is the combinable per-feature aggregate persisted in
// meta/stats.json. M2 is the sum of squared deviations from the mean
// (Welford), so Variance = M2/Count.
type FeatureStats struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`

	// P50/P99 are t-digest diagnostics filled only by full scans; they are
	// not combinable and are dropped by Combine/Subtract.
	P50 *float64 `json:"p50,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// Variance returns the population variance.
func (s FeatureStats) Variance() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.M2 / float64(s.Count)
}

// StdDev returns the population standard deviation.
func (s FeatureStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// Collector accumulates one feature's scalar elements.
type Collector struct {
	count uint64
	mean  float64
	m2    float64
	min   float64
	max   float64
	td    *tdigest.TDigest
}

// NewCollector creates a Collector. When withQuantiles is set, a t-digest
// sketch tracks the value distribution for p50/p99 diagnostics.
func NewCollector(withQuantiles bool) (*Collector, error) {
	c := &Collector{
		min: math.Inf(1),
		max: math.Inf(-1),
	}
	if withQuantiles {
		var err error
		c.td, err = tdigest.New()
		if err != nil {
			return nil, fmt.Errorf("tdigest.New failed: %w", err)
		}
	}
	return c, nil
}

// Observe folds one scalar value into the accumulator.
func (c *Collector) Observe(v float64) error {
	c.count++
	delta := v - c.mean
	c.mean += delta / float64(c.count)
	c.m2 += delta * (v - c.mean)

	if v < c.min {
		c.min = v
	}
	if v > c.max {
		c.max = v
	}
	if c.td != nil {
		if err := c.td.AddWeighted(v, 1); err != nil {
			return fmt.Errorf("tdigest AddWeighted failed: %w", err)
		}
	}
	return nil
}

// Record snapshots the accumulator as a FeatureStats value.
func (c *Collector) Record() FeatureStats {
	rec := FeatureStats{
		Count: c.count,
		Mean:  c.mean,
		M2:    c.m2,
		Min:   c.min,
		Max:   c.max,
	}
	if c.count == 0 {
		rec.Mean, rec.M2, rec.Min, rec.Max = 0, 0, 0, 0
		return rec
	}
	if c.td != nil {
		p50 := c.td.Quantile(0.5)
		p99 := c.td.Quantile(0.99)
		rec.P50 = &p50
		rec.P99 = &p99
	}
	return rec
}

// Combine merges two aggregates exactly using the parallel Welford
// combination formulas. Quantile diagnostics are dropped.
func Combine(a, b FeatureStats) FeatureStats {
	if a.Count == 0 {
		return FeatureStats{Count: b.Count, Mean: b.Mean, M2: b.M2, Min: b.Min, Max: b.Max}
	}
	if b.Count == 0 {
		return FeatureStats{Count: a.Count, Mean: a.Mean, M2: a.M2, Min: a.Min, Max: a.Max}
	}
	n := a.Count + b.Count
	delta := b.Mean - a.Mean
	mean := a.Mean + delta*float64(b.Count)/float64(n)
	m2 := a.M2 + b.M2 + delta*delta*float64(a.Count)*float64(b.Count)/float64(n)
	return FeatureStats{
		Count: n,
		Mean:  mean,
		M2:    m2,
		Min:   math.Min(a.Min, b.Min),
		Max:   math.Max(a.Max, b.Max),
	}
}

// Subtract removes the aggregate part from total. Mean and M2 subtraction is
// exact (inverse of Combine); min/max cannot be subtracted, so needRescan is
// true whenever the removed part may have held the total's min or max.
func Subtract(total, part FeatureStats) (rest FeatureStats, needRescan bool) {
	if part.Count == 0 {
		return FeatureStats{Count: total.Count, Mean: total.Mean, M2: total.M2, Min: total.Min, Max: total.Max}, false
	}
	if part.Count >= total.Count {
		return FeatureStats{}, false
	}
	n := total.Count - part.Count
	mean := (float64(total.Count)*total.Mean - float64(part.Count)*part.Mean) / float64(n)
	delta := part.Mean - mean
	m2 := total.M2 - part.M2 - delta*delta*float64(part.Count)*float64(n)/float64(total.Count)
	if m2 < 0 {
		// Floating-point cancellation can push a tiny variance negative.
		m2 = 0
	}
	rest = FeatureStats{
		Count: n,
		Mean:  mean,
		M2:    m2,
		Min:   total.Min,
		Max:   total.Max,
	}
	needRescan = part.Min <= total.Min || part.Max >= total.Max
	return rest, needRescan
}
