package transform

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/stats"
	"github.com/WilbertYuan/lerobot-piper3/validate"
)

// Merge concatenates the given datasets, in caller order, into one target
// dataset. Every source must have an identical feature schema and fps; all
// mismatches are reported together and nothing is written on failure. Task
// tables are merged by string equality, episode indices are renumbered
// globally from 0, and stats are combined exactly in source order.
//
// The target defaults to the first source's path (in-place); any other
// target path must not exist yet.
func (e *Engine) Merge(ctx context.Context, srcRoots []string, target TargetOptions) (*Summary, error) {
	ctx, span := e.startSpan(ctx, "transform.Merge",
		attribute.Int("merge.sources", len(srcRoots)))
	var opErr error
	defer func() { endSpan(span, opErr) }()

	if len(srcRoots) == 0 {
		opErr = fmt.Errorf("%w: no datasets to merge", core.ErrEmptySelection)
		return nil, opErr
	}

	sources := make([]*dataset.Dataset, len(srcRoots))
	for i, root := range srcRoots {
		src, err := dataset.Open(root, dataset.Options{Logger: e.logger})
		if err != nil {
			opErr = err
			return nil, err
		}
		sources[i] = src
	}

	first := sources[0]
	var violations []error
	for i, src := range sources[1:] {
		for _, err := range meta.CompareSchemas(first.Schema(), src.Schema()) {
			violations = append(violations, fmt.Errorf("dataset %s: %w", srcRoots[i+1], err))
		}
		if src.FPS() != first.FPS() {
			violations = append(violations, fmt.Errorf("dataset %s: %w", srcRoots[i+1],
				&core.SchemaMismatchError{Reason: fmt.Sprintf("fps %v differs from %v", src.FPS(), first.FPS())}))
		}
	}
	if len(violations) > 0 {
		opErr = errors.Join(violations...)
		return nil, opErr
	}

	var episodes []sourceEpisode
	var framesIn, episodesIn uint64
	for i, src := range sources {
		tasks, err := taskLookup(src.Meta())
		if err != nil {
			opErr = fmt.Errorf("dataset %s: %w", srcRoots[i], err)
			return nil, opErr
		}
		for _, rec := range src.Meta().Episodes {
			episodes = append(episodes, sourceEpisode{root: src.Root(), rec: rec, task: tasks[rec.TaskIndex]})
		}
		framesIn += src.NumFrames()
		episodesIn += src.NumEpisodes()
	}

	layout, err := layoutOf(first.Meta().Info)
	if err != nil {
		opErr = err
		return nil, err
	}

	inPlace := target.TargetRoot == "" || containsRoot(srcRoots, target.TargetRoot)
	targetRoot := target.TargetRoot
	if targetRoot == "" {
		targetRoot = srcRoots[0]
	}
	staging, err := e.stagingPath(targetRoot)
	if err != nil {
		opErr = err
		return nil, err
	}

	builder, err := e.buildTarget(ctx, staging, first.Schema(), first.FPS(), first.Meta().Info.FormatVersion, layout, episodes)
	if err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}

	// Combine stats pairwise in source order; the order is fixed so the
	// result is exactly reproducible.
	combined := sources[0].Meta().Stats
	for _, src := range sources[1:] {
		combined, err = stats.CombineRecords(combined, src.Meta().Stats)
		if err != nil {
			e.discard(staging)
			opErr = err
			return nil, err
		}
	}

	m := builder.Build(combined)
	if err := validate.Check(staging, m, e.postconditionOptions()); err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}
	if err := meta.Save(staging, m); err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}
	if err := e.publish(staging, targetRoot, inPlace); err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}

	return &Summary{
		EpisodesIn:  episodesIn,
		EpisodesOut: m.Info.NumEpisodes,
		FramesIn:    framesIn,
		FramesOut:   m.Info.NumFrames,
		Outputs:     []string{targetRoot},
	}, nil
}

func containsRoot(roots []string, root string) bool {
	for _, r := range roots {
		if r == root {
			return true
		}
	}
	return false
}
