package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/validate"
)

// Portion assigns a fraction of the episodes to a named split.
type Portion struct {
	Name     string
	Fraction float64
}

// Subset assigns an explicit episode index list to a named split.
type Subset struct {
	Name     string
	Episodes []uint64
}

// SplitSpec describes a split request. Exactly one of Portions or Subsets
// must be set. All splits named in one request are mutually exclusive.
//
// Proportional splitting is deterministic and randomness-free: episode
// counts are fractions of the total rounded down, and the splits are cut as
// contiguous head-to-tail segments of the original episode order, in listed
// order. When the fractions sum to 1.0 the flooring remainder goes to the
// first-listed split; otherwise leftover episodes belong to no split.
type SplitSpec struct {
	Portions []Portion
	Subsets  []Subset
	// TargetRoots optionally maps split names to output paths. A split
	// without an entry is published at "<source>-<name>".
	TargetRoots map[string]string
}

const fractionSumEpsilon = 1e-9

// Split partitions a dataset into independent, fully valid datasets, each
// with its own contiguous indexing, pruned task table and recomputed stats.
func (e *Engine) Split(ctx context.Context, srcRoot string, spec SplitSpec) (*Summary, error) {
	ctx, span := e.startSpan(ctx, "transform.Split",
		attribute.String("dataset.source", srcRoot))
	var opErr error
	defer func() { endSpan(span, opErr) }()

	src, err := dataset.Open(srcRoot, dataset.Options{Logger: e.logger})
	if err != nil {
		opErr = err
		return nil, err
	}
	tasks, err := taskLookup(src.Meta())
	if err != nil {
		opErr = err
		return nil, err
	}
	layout, err := layoutOf(src.Meta().Info)
	if err != nil {
		opErr = err
		return nil, err
	}

	assignments, err := planSplits(spec, src.NumEpisodes())
	if err != nil {
		opErr = err
		return nil, err
	}
	targets, err := resolveSplitTargets(srcRoot, spec, assignments)
	if err != nil {
		opErr = err
		return nil, err
	}

	summary := &Summary{
		EpisodesIn: src.NumEpisodes(),
		FramesIn:   src.NumFrames(),
	}

	// Every split is built and validated in its own staging dir before any
	// publish happens, so a failure in a later split leaves nothing visible.
	type stagedSplit struct {
		staging string
		target  string
		m       *meta.Metadata
	}
	var staged []stagedSplit
	discardAll := func() {
		for _, s := range staged {
			e.discard(s.staging)
		}
	}

	for i, assignment := range assignments {
		targetRoot := targets[i]
		staging, err := e.stagingPath(targetRoot)
		if err != nil {
			discardAll()
			opErr = err
			return nil, err
		}

		var episodes []sourceEpisode
		for _, rec := range src.Meta().Episodes {
			if assignment.selection.Contains(rec.EpisodeIndex) {
				episodes = append(episodes, sourceEpisode{root: srcRoot, rec: rec, task: tasks[rec.TaskIndex]})
			}
		}

		builder, err := e.buildTarget(ctx, staging, src.Schema(), src.FPS(), src.Meta().Info.FormatVersion, layout, episodes)
		if err != nil {
			e.discard(staging)
			discardAll()
			opErr = err
			return nil, err
		}

		// Prior stats cover the whole source, not this subset: recompute
		// from the staged frames.
		fresh, err := dataset.ComputeStats(staging, src.Schema(), builder.Episodes(), true)
		if err != nil {
			e.discard(staging)
			discardAll()
			opErr = err
			return nil, err
		}
		m := builder.Build(fresh)

		if err := validate.Check(staging, m, e.postconditionOptions()); err != nil {
			e.discard(staging)
			discardAll()
			opErr = err
			return nil, err
		}
		if err := meta.Save(staging, m); err != nil {
			e.discard(staging)
			discardAll()
			opErr = err
			return nil, err
		}
		staged = append(staged, stagedSplit{staging: staging, target: targetRoot, m: m})
	}

	// Target paths were pre-flighted, so a publish failure here is an
	// external race; already-published splits are renamed back to their
	// staging paths so the failed operation leaves nothing visible.
	for i, s := range staged {
		if err := e.publish(s.staging, s.target, false); err != nil {
			for _, p := range staged[:i] {
				if rbErr := os.Rename(p.target, p.staging); rbErr != nil {
					e.logger.Error("failed to roll back published split",
						slog.String("target", p.target), slog.Any("error", rbErr))
				}
			}
			discardAll()
			opErr = err
			return nil, err
		}
		summary.EpisodesOut += s.m.Info.NumEpisodes
		summary.FramesOut += s.m.Info.NumFrames
		summary.Outputs = append(summary.Outputs, s.target)
	}
	return summary, nil
}

// resolveSplitTargets maps every split to its output path and rejects the
// whole request if any target exists, equals the source, or collides with
// another split's target. Nothing may be staged before all targets are known
// to be publishable.
func resolveSplitTargets(srcRoot string, spec SplitSpec, assignments []splitAssignment) ([]string, error) {
	targets := make([]string, len(assignments))
	owner := make(map[string]string, len(assignments))
	var violations []error
	for i, assignment := range assignments {
		targetRoot := spec.TargetRoots[assignment.name]
		if targetRoot == "" {
			targetRoot = srcRoot + "-" + assignment.name
		}
		targets[i] = targetRoot

		if prev, ok := owner[targetRoot]; ok {
			violations = append(violations, fmt.Errorf("splits %q and %q resolve to the same target %s", prev, assignment.name, targetRoot))
			continue
		}
		owner[targetRoot] = assignment.name

		if targetRoot == srcRoot {
			violations = append(violations, fmt.Errorf("split %q target is the source dataset %s", assignment.name, targetRoot))
			continue
		}
		if _, err := os.Stat(targetRoot); err == nil {
			violations = append(violations, fmt.Errorf("split %q target %s already exists", assignment.name, targetRoot))
		} else if !os.IsNotExist(err) {
			violations = append(violations, fmt.Errorf("failed to stat split %q target %s: %w", assignment.name, targetRoot, err))
		}
	}
	if len(violations) > 0 {
		return nil, errors.Join(violations...)
	}
	return targets, nil
}

type splitAssignment struct {
	name      string
	selection *roaring64.Bitmap
}

// planSplits resolves a split spec to per-split episode selections,
// collecting every violation before reporting.
func planSplits(spec SplitSpec, numEpisodes uint64) ([]splitAssignment, error) {
	switch {
	case len(spec.Portions) > 0 && len(spec.Subsets) > 0:
		return nil, fmt.Errorf("split spec mixes proportions and explicit episode lists")
	case len(spec.Portions) == 0 && len(spec.Subsets) == 0:
		return nil, fmt.Errorf("%w: split spec names no splits", core.ErrEmptySelection)
	case len(spec.Portions) > 0:
		return planProportional(spec.Portions, numEpisodes)
	default:
		return planExplicit(spec.Subsets, numEpisodes)
	}
}

func planProportional(portions []Portion, numEpisodes uint64) ([]splitAssignment, error) {
	var violations []error
	seen := make(map[string]bool, len(portions))
	sum := 0.0
	for _, p := range portions {
		if p.Name == "" {
			violations = append(violations, fmt.Errorf("split has an empty name"))
		}
		if seen[p.Name] {
			violations = append(violations, fmt.Errorf("split %q listed more than once", p.Name))
		}
		seen[p.Name] = true
		if p.Fraction <= 0 || p.Fraction > 1 {
			violations = append(violations, fmt.Errorf("split %q fraction %v not in (0, 1]", p.Name, p.Fraction))
		}
		sum += p.Fraction
	}
	if sum > 1.0+fractionSumEpsilon {
		violations = append(violations, fmt.Errorf("split fractions sum to %v, exceeding 1.0", sum))
	}
	if len(violations) > 0 {
		return nil, errors.Join(violations...)
	}

	counts := make([]uint64, len(portions))
	var total uint64
	for i, p := range portions {
		counts[i] = uint64(math.Floor(p.Fraction * float64(numEpisodes)))
		total += counts[i]
	}
	// With fractions covering the whole dataset, flooring remainders go to
	// the first-listed split.
	if math.Abs(sum-1.0) <= fractionSumEpsilon && total < numEpisodes {
		counts[0] += numEpisodes - total
	}
	for i, p := range portions {
		if counts[i] == 0 {
			violations = append(violations, fmt.Errorf("%w: split %q selects no episodes", core.ErrEmptySelection, p.Name))
		}
	}
	if len(violations) > 0 {
		return nil, errors.Join(violations...)
	}

	assignments := make([]splitAssignment, len(portions))
	var next uint64
	for i, p := range portions {
		selection := roaring64.New()
		selection.AddRange(next, next+counts[i])
		next += counts[i]
		assignments[i] = splitAssignment{name: p.Name, selection: selection}
	}
	return assignments, nil
}

func planExplicit(subsets []Subset, numEpisodes uint64) ([]splitAssignment, error) {
	var violations []error
	seen := make(map[string]bool, len(subsets))
	assigned := roaring64.New()
	owner := make(map[uint64]string)

	assignments := make([]splitAssignment, 0, len(subsets))
	for _, subset := range subsets {
		if subset.Name == "" {
			violations = append(violations, fmt.Errorf("split has an empty name"))
		}
		if seen[subset.Name] {
			violations = append(violations, fmt.Errorf("split %q listed more than once", subset.Name))
		}
		seen[subset.Name] = true

		selection := roaring64.New()
		for _, idx := range subset.Episodes {
			if idx >= numEpisodes {
				violations = append(violations, fmt.Errorf("%w: split %q index %d not in [0, %d)", core.ErrIndexOutOfRange, subset.Name, idx, numEpisodes))
				continue
			}
			if selection.Contains(idx) {
				violations = append(violations, fmt.Errorf("%w: split %q lists index %d more than once", core.ErrIndexOutOfRange, subset.Name, idx))
				continue
			}
			if assigned.Contains(idx) {
				violations = append(violations, &core.OverlapError{Episode: idx, Splits: []string{owner[idx], subset.Name}})
				continue
			}
			selection.Add(idx)
			assigned.Add(idx)
			owner[idx] = subset.Name
		}
		if selection.IsEmpty() {
			violations = append(violations, fmt.Errorf("%w: split %q selects no episodes", core.ErrEmptySelection, subset.Name))
		}
		assignments = append(assignments, splitAssignment{name: subset.Name, selection: selection})
	}
	if len(violations) > 0 {
		return nil, errors.Join(violations...)
	}
	return assignments, nil
}
