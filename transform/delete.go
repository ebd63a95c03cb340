package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/stats"
	"github.com/WilbertYuan/lerobot-piper3/validate"
)

// Delete removes the given episodes from a dataset. Survivors keep their
// relative order and are renumbered contiguously from 0; tasks referenced
// only by deleted episodes are pruned. Stats are updated by exact Welford
// subtraction; any feature whose min or max belonged to a deleted episode
// gets its min/max refreshed from a rescan of the surviving frames.
//
// All index violations are collected and reported together before any write
// begins; the source dataset is untouched on failure.
func (e *Engine) Delete(ctx context.Context, srcRoot string, indices []uint64, target TargetOptions) (*Summary, error) {
	ctx, span := e.startSpan(ctx, "transform.Delete",
		attribute.String("dataset.source", srcRoot),
		attribute.Int("delete.count", len(indices)))
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

	numEpisodes := src.NumEpisodes()
	selection := roaring64.New()
	var violations []error
	for _, idx := range indices {
		if idx >= numEpisodes {
			violations = append(violations, fmt.Errorf("%w: index %d not in [0, %d)", core.ErrIndexOutOfRange, idx, numEpisodes))
			continue
		}
		if selection.Contains(idx) {
			violations = append(violations, fmt.Errorf("%w: index %d listed more than once", core.ErrIndexOutOfRange, idx))
			continue
		}
		selection.Add(idx)
	}
	if len(indices) == 0 {
		violations = append(violations, fmt.Errorf("%w: no episodes to delete", core.ErrEmptySelection))
	}
	if selection.GetCardinality() == numEpisodes && len(violations) == 0 {
		violations = append(violations, fmt.Errorf("%w: deletion would remove every episode", core.ErrEmptySelection))
	}
	if len(violations) > 0 {
		opErr = errors.Join(violations...)
		return nil, opErr
	}

	var survivors []sourceEpisode
	var deleted []meta.EpisodeRecord
	for _, rec := range src.Meta().Episodes {
		if selection.Contains(rec.EpisodeIndex) {
			deleted = append(deleted, rec)
			continue
		}
		survivors = append(survivors, sourceEpisode{root: srcRoot, rec: rec, task: tasks[rec.TaskIndex]})
	}

	inPlace := target.TargetRoot == "" || target.TargetRoot == srcRoot
	targetRoot := target.TargetRoot
	if inPlace {
		targetRoot = srcRoot
	}
	staging, err := e.stagingPath(targetRoot)
	if err != nil {
		opErr = err
		return nil, err
	}

	builder, err := e.buildTarget(ctx, staging, src.Schema(), src.FPS(), src.Meta().Info.FormatVersion, layout, survivors)
	if err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}

	deletedStats, err := dataset.ComputeStats(srcRoot, src.Schema(), deleted, false)
	if err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}
	remaining, rescan, err := stats.SubtractRecords(src.Meta().Stats, deletedStats)
	if err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}

	m := builder.Build(remaining)
	if len(rescan) > 0 {
		e.logger.Debug("rescanning min/max after deletion", "features", rescan)
		fresh, err := dataset.ComputeStats(staging, m.Schema, m.Episodes, false)
		if err != nil {
			e.discard(staging)
			opErr = err
			return nil, err
		}
		for _, feature := range rescan {
			rec := m.Stats[feature]
			rec.Min = fresh[feature].Min
			rec.Max = fresh[feature].Max
			m.Stats[feature] = rec
		}
	}

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
		EpisodesIn:  numEpisodes,
		EpisodesOut: m.Info.NumEpisodes,
		FramesIn:    src.NumFrames(),
		FramesOut:   m.Info.NumFrames,
		Outputs:     []string{targetRoot},
	}, nil
}
