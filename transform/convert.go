package transform

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/validate"
)

// ConvertVersion re-expresses a dataset under a different physical layout
// version: chunk packing and payload compression change per the target
// version's policy, while frame values, task labels and video bytes are
// preserved exactly. Unknown source or target tags fail with
// UnsupportedVersionError before anything is written.
func (e *Engine) ConvertVersion(ctx context.Context, srcRoot, targetVersion string, target TargetOptions) (*Summary, error) {
	ctx, span := e.startSpan(ctx, "transform.ConvertVersion",
		attribute.String("dataset.source", srcRoot),
		attribute.String("convert.target_version", targetVersion))
	var opErr error
	defer func() { endSpan(span, opErr) }()

	src, err := dataset.Open(srcRoot, dataset.Options{Logger: e.logger})
	if err != nil {
		opErr = err
		return nil, err
	}

	sourceVersion := src.Meta().Info.FormatVersion
	if _, ok := meta.Layout(sourceVersion); !ok {
		opErr = &core.UnsupportedVersionError{Source: sourceVersion, Target: targetVersion}
		return nil, opErr
	}
	layout, ok := meta.Layout(targetVersion)
	if !ok {
		opErr = &core.UnsupportedVersionError{Source: sourceVersion, Target: targetVersion}
		return nil, opErr
	}
	tasks, err := taskLookup(src.Meta())
	if err != nil {
		opErr = err
		return nil, err
	}

	episodes := make([]sourceEpisode, 0, len(src.Meta().Episodes))
	for _, rec := range src.Meta().Episodes {
		episodes = append(episodes, sourceEpisode{root: srcRoot, rec: rec, task: tasks[rec.TaskIndex]})
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

	builder, err := e.buildTarget(ctx, staging, src.Schema(), src.FPS(), targetVersion, layout, episodes)
	if err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}

	// Prior stats may predate the source's own publish; a conversion is the
	// natural point to re-derive them from the data itself.
	fresh, err := dataset.ComputeStats(staging, src.Schema(), builder.Episodes(), true)
	if err != nil {
		e.discard(staging)
		opErr = err
		return nil, err
	}

	m := builder.Build(fresh)
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
		EpisodesIn:  src.NumEpisodes(),
		EpisodesOut: m.Info.NumEpisodes,
		FramesIn:    src.NumFrames(),
		FramesOut:   m.Info.NumFrames,
		Outputs:     []string{targetRoot},
	}, nil
}
