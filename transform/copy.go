package transform

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/WilbertYuan/lerobot-piper3/chunkio"
	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// sourceEpisode identifies one episode to copy into a target, in target
// order. Episodes may come from different source datasets (merge).
type sourceEpisode struct {
	root string
	rec  meta.EpisodeRecord
	task string
}

// buildTarget streams the given episode sequence into a staging directory:
// scalar frame data through a chunk writer packing per the layout policy,
// video segments as parallel byte-exact copies. It returns the metadata
// builder holding the new episode index and task table; stats are finalized
// by the caller. Chunk packing is sequential so the layout is deterministic;
// only the independent per-file video copies run concurrently.
func (e *Engine) buildTarget(ctx context.Context, staging string, schema meta.Schema, fps float64, version string, layout meta.LayoutSpec, episodes []sourceEpisode) (*meta.Builder, error) {
	builder, err := meta.NewBuilder(schema, fps, version)
	if err != nil {
		return nil, err
	}
	if err := builder.OverrideLayout(layout); err != nil {
		return nil, err
	}

	writer, err := chunkio.OpenWriter(staging, schema, layout, chunkio.WriterOptions{Logger: e.logger})
	if err != nil {
		return nil, err
	}

	readers := make(map[string]*chunkio.Reader)
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	readerFor := func(root string) *chunkio.Reader {
		r, ok := readers[root]
		if !ok {
			r = chunkio.NewReader(root, schema)
			r.SetMaxResidentChunkBytes(e.cfg.Streaming.MaxResidentChunkBytes)
			readers[root] = r
		}
		return r
	}

	concurrency := e.cfg.Transform.VideoCopyConcurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	// Every failure path must drain the in-flight video copies before
	// returning; otherwise a copy goroutine could still be writing into the
	// staging dir while the caller removes it.
	abortAll := func() {
		writer.Abort()
		group.Wait()
	}

	for _, src := range episodes {
		if err := groupCtx.Err(); err != nil {
			abortAll()
			return nil, err
		}

		frames, err := readerFor(src.root).ReadEpisode(src.rec)
		if err != nil {
			abortAll()
			return nil, err
		}
		newIndex := builder.NextEpisodeIndex()
		placement, err := writer.Append(newIndex, frames)
		if err != nil {
			abortAll()
			return nil, err
		}

		videos := make(map[string]meta.VideoRef, len(src.rec.Videos))
		for feature, ref := range src.rec.Videos {
			relPath := meta.VideoRelPath(feature, newIndex)
			videos[feature] = meta.VideoRef{Path: relPath, FrameCount: ref.FrameCount}

			srcPath := filepath.Join(src.root, ref.Path)
			dstPath := filepath.Join(staging, relPath)
			group.Go(func() error {
				return chunkio.CopyVideoSegment(srcPath, dstPath)
			})
		}

		if _, err := builder.AddEpisode(src.rec.Length, src.task, placement.ChunkID, placement.Offset, videos); err != nil {
			abortAll()
			return nil, err
		}
	}

	if err := group.Wait(); err != nil {
		writer.Abort()
		return nil, fmt.Errorf("video segment copy failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	e.logger.Debug("staged target dataset",
		slog.String("staging", staging),
		slog.Uint64("episodes", builder.NumEpisodes()),
		slog.Uint64("frames", builder.NumFrames()))
	return builder, nil
}

// taskLookup resolves every episode's task string up front so a dangling
// task index is caught before any write begins.
func taskLookup(m *meta.Metadata) (map[uint32]string, error) {
	tasks := make(map[uint32]string, len(m.Tasks))
	for _, t := range m.Tasks {
		tasks[t.TaskIndex] = t.Task
	}
	for _, ep := range m.Episodes {
		if _, ok := tasks[ep.TaskIndex]; !ok {
			return nil, fmt.Errorf("episode %d references undefined task index %d", ep.EpisodeIndex, ep.TaskIndex)
		}
	}
	return tasks, nil
}

// layoutOf extracts the physical layout policy a dataset was written with.
func layoutOf(info meta.DatasetInfo) (meta.LayoutSpec, error) {
	ct, ok := core.ParseCompressionType(info.ChunkCompression)
	if !ok {
		return meta.LayoutSpec{}, fmt.Errorf("dataset records unknown chunk compression %q", info.ChunkCompression)
	}
	if info.ChunkCapacity <= 0 {
		return meta.LayoutSpec{}, fmt.Errorf("dataset records non-positive chunk capacity %d", info.ChunkCapacity)
	}
	return meta.LayoutSpec{ChunkCapacity: info.ChunkCapacity, ChunkCompression: ct}, nil
}
