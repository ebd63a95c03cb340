// Package validate implements the consistency checks every transformation
// runs as pre- and postconditions. All violations are collected and reported
// together, never just the first.
package validate

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// Options configures a consistency check.
type Options struct {
	// CheckStatsOracle rescans all frame data and compares the persisted
	// stats record against the recomputed one. Expensive; used as a
	// postcondition oracle in tests and on demand.
	CheckStatsOracle bool
	// Tolerance bounds the relative floating-point error accepted by the
	// stats oracle. Zero means a small default.
	Tolerance float64
}

const defaultTolerance = 1e-9

// Check verifies the dataset invariants on a metadata set rooted at root:
//
//  1. episode indices are exactly 0..num_episodes-1 in storage order
//  2. episode lengths sum to num_frames
//  3. task references are closed in both directions
//  4. video segment references resolve and match episode lengths
//  5. (optional) the stats record matches a full rescan
//
// plus the deterministic chunk packing policy. A non-nil result is always a
// *core.ConsistencyError listing every violation found.
func Check(root string, m *meta.Metadata, opts Options) error {
	var violations []string

	if got, want := uint64(len(m.Episodes)), m.Info.NumEpisodes; got != want {
		violations = append(violations, fmt.Sprintf("info records %d episodes, index holds %d", want, got))
	}

	var frameSum uint64
	referencedTasks := make(map[uint32]bool)
	for i, ep := range m.Episodes {
		if ep.EpisodeIndex != uint64(i) {
			violations = append(violations, fmt.Sprintf("episode at storage position %d has index %d", i, ep.EpisodeIndex))
		}
		if ep.Length == 0 {
			violations = append(violations, fmt.Sprintf("episode %d is empty", ep.EpisodeIndex))
		}
		frameSum += uint64(ep.Length)
		referencedTasks[ep.TaskIndex] = true

		if m.Info.ChunkCapacity > 0 {
			if want := uint32(i / m.Info.ChunkCapacity); ep.ChunkID != want {
				violations = append(violations, fmt.Sprintf("episode %d stored in chunk %d, packing policy requires chunk %d", ep.EpisodeIndex, ep.ChunkID, want))
			}
		}

		for feature, ref := range ep.Videos {
			def, ok := m.Schema[feature]
			if !ok {
				violations = append(violations, fmt.Sprintf("episode %d has video segment for unknown feature %q", ep.EpisodeIndex, feature))
				continue
			}
			if def.Modality != meta.ModalityImageSeries {
				violations = append(violations, fmt.Sprintf("episode %d has video segment for non-image feature %q", ep.EpisodeIndex, feature))
			}
			if ref.FrameCount != ep.Length {
				violations = append(violations, fmt.Sprintf("episode %d video segment for %q has %d frames, episode has %d", ep.EpisodeIndex, feature, ref.FrameCount, ep.Length))
			}
			if _, err := os.Stat(filepath.Join(root, ref.Path)); err != nil {
				violations = append(violations, fmt.Sprintf("episode %d video segment %s is unreadable: %v", ep.EpisodeIndex, ref.Path, err))
			}
		}
		for _, feature := range m.Schema.ImageFeatures() {
			if _, ok := ep.Videos[feature]; !ok {
				violations = append(violations, fmt.Sprintf("episode %d is missing the video segment for feature %q", ep.EpisodeIndex, feature))
			}
		}
	}

	if frameSum != m.Info.NumFrames {
		violations = append(violations, fmt.Sprintf("episode lengths sum to %d frames, info records %d", frameSum, m.Info.NumFrames))
	}

	definedTasks := make(map[uint32]bool, len(m.Tasks))
	seenStrings := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if definedTasks[t.TaskIndex] {
			violations = append(violations, fmt.Sprintf("task index %d defined more than once", t.TaskIndex))
		}
		definedTasks[t.TaskIndex] = true
		if seenStrings[t.Task] {
			violations = append(violations, fmt.Sprintf("task string %q appears more than once in the task table", t.Task))
		}
		seenStrings[t.Task] = true
		if !referencedTasks[t.TaskIndex] {
			violations = append(violations, fmt.Sprintf("task %d (%q) is referenced by no episode", t.TaskIndex, t.Task))
		}
	}
	for idx := range referencedTasks {
		if !definedTasks[idx] {
			violations = append(violations, fmt.Sprintf("episodes reference undefined task index %d", idx))
		}
	}

	if opts.CheckStatsOracle && len(violations) == 0 {
		violations = append(violations, checkStatsOracle(root, m, opts.Tolerance)...)
	}

	if len(violations) > 0 {
		return &core.ConsistencyError{Violations: violations}
	}
	return nil
}

func checkStatsOracle(root string, m *meta.Metadata, tolerance float64) []string {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	recomputed, err := dataset.ComputeStats(root, m.Schema, m.Episodes, false)
	if err != nil {
		return []string{fmt.Sprintf("stats oracle rescan failed: %v", err)}
	}
	var violations []string
	for _, feature := range m.Schema.ScalarFeatures() {
		persisted, ok := m.Stats[feature]
		if !ok {
			violations = append(violations, fmt.Sprintf("stats record missing feature %q", feature))
			continue
		}
		fresh := recomputed[feature]
		if persisted.Count != fresh.Count {
			violations = append(violations, fmt.Sprintf("stats count for %q is %d, rescan found %d", feature, persisted.Count, fresh.Count))
		}
		for _, cmp := range []struct {
			name     string
			got, ref float64
		}{
			{"mean", persisted.Mean, fresh.Mean},
			{"m2", persisted.M2, fresh.M2},
			{"min", persisted.Min, fresh.Min},
			{"max", persisted.Max, fresh.Max},
		} {
			if !withinTolerance(cmp.got, cmp.ref, tolerance) {
				violations = append(violations, fmt.Sprintf("stats %s for %q is %v, rescan found %v", cmp.name, feature, cmp.got, cmp.ref))
			}
		}
	}
	return violations
}

func withinTolerance(got, ref, tolerance float64) bool {
	diff := math.Abs(got - ref)
	if diff <= tolerance {
		return true
	}
	scale := math.Max(math.Abs(got), math.Abs(ref))
	return diff <= tolerance*scale
}
