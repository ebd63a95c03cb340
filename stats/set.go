package stats

import (
	"fmt"
	"sort"
)

// Set groups one Collector per feature so callers can fold whole frames.
type Set struct {
	collectors map[string]*Collector
}

// NewSet creates collectors for the given feature names.
func NewSet(features []string, withQuantiles bool) (*Set, error) {
	collectors := make(map[string]*Collector, len(features))
	for _, name := range features {
		c, err := NewCollector(withQuantiles)
		if err != nil {
			return nil, err
		}
		collectors[name] = c
	}
	return &Set{collectors: collectors}, nil
}

// ObserveFrame folds one frame's flattened feature values into the set.
// Features without a collector are ignored (image-series features carry no
// scalar values).
func (s *Set) ObserveFrame(values map[string][]float64) error {
	for name, vals := range values {
		c, ok := s.collectors[name]
		if !ok {
			continue
		}
		for _, v := range vals {
			if err := c.Observe(v); err != nil {
				return fmt.Errorf("feature %q: %w", name, err)
			}
		}
	}
	return nil
}

// Records snapshots every collector.
func (s *Set) Records() map[string]FeatureStats {
	out := make(map[string]FeatureStats, len(s.collectors))
	for name, c := range s.collectors {
		out[name] = c.Record()
	}
	return out
}

// CombineRecords merges two per-feature record maps. The feature sets must
// be identical; merge preconditions guarantee that.
func CombineRecords(a, b map[string]FeatureStats) (map[string]FeatureStats, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("stats feature sets differ in size: %d vs %d", len(a), len(b))
	}
	out := make(map[string]FeatureStats, len(a))
	for name, recA := range a {
		recB, ok := b[name]
		if !ok {
			return nil, fmt.Errorf("stats feature %q missing from second record set", name)
		}
		out[name] = Combine(recA, recB)
	}
	return out, nil
}

// SubtractRecords removes part from total per feature and returns the sorted
// list of features whose min/max must be recomputed by rescanning.
func SubtractRecords(total, part map[string]FeatureStats) (map[string]FeatureStats, []string, error) {
	out := make(map[string]FeatureStats, len(total))
	var rescan []string
	for name, recTotal := range total {
		recPart, ok := part[name]
		if !ok {
			return nil, nil, fmt.Errorf("stats feature %q missing from subtracted record set", name)
		}
		rest, needRescan := Subtract(recTotal, recPart)
		out[name] = rest
		if needRescan && rest.Count > 0 {
			rescan = append(rescan, name)
		}
	}
	sort.Strings(rescan)
	return out, rescan, nil
}
