package meta

import (
	"fmt"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/stats"
)

// Builder constructs a new consistent metadata set for a target dataset.
// Episodes are appended in their final storage order; the builder assigns
// contiguous episode indices starting at 0, deduplicates task strings, and
// enforces the deterministic chunk boundary policy (fill a chunk with
// ChunkCapacity episodes, then start the next; an episode never spans
// chunks). Delete/merge/split all reduce to appending a selection of source
// episodes in the desired order.
type Builder struct {
	schema  Schema
	fps     float64
	version string
	layout  LayoutSpec

	episodes  []EpisodeRecord
	tasks     []TaskRecord
	taskIndex map[string]uint32
	numFrames uint64
}

// NewBuilder creates a Builder targeting the given layout version.
func NewBuilder(schema Schema, fps float64, version string) (*Builder, error) {
	layout, ok := Layout(version)
	if !ok {
		return nil, &core.UnsupportedVersionError{Source: version}
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if fps <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %v", fps)
	}
	return &Builder{
		schema:    schema.Clone(),
		fps:       fps,
		version:   version,
		layout:    layout,
		taskIndex: make(map[string]uint32),
	}, nil
}

// OverrideLayout replaces the version's default layout policy, e.g. when a
// custom chunk capacity or compression is configured. Must be called before
// the first AddEpisode.
func (b *Builder) OverrideLayout(layout LayoutSpec) error {
	if len(b.episodes) > 0 {
		return fmt.Errorf("cannot change layout after episodes were added")
	}
	if layout.ChunkCapacity <= 0 {
		return fmt.Errorf("chunk capacity must be positive, got %d", layout.ChunkCapacity)
	}
	b.layout = layout
	return nil
}

// Layout returns the layout policy the builder packs episodes with.
func (b *Builder) Layout() LayoutSpec {
	return b.layout
}

// NextEpisodeIndex returns the index the next appended episode will receive.
func (b *Builder) NextEpisodeIndex() uint64 {
	return uint64(len(b.episodes))
}

// NextChunkID returns the chunk the next appended episode belongs to under
// the deterministic packing policy.
func (b *Builder) NextChunkID() uint32 {
	return uint32(len(b.episodes) / b.layout.ChunkCapacity)
}

// AddEpisode appends one episode in final storage order. chunkID and
// chunkOffset report where the storage writer placed the episode block; the
// chunk id must agree with the builder's packing policy. Returns the new
// episode index.
func (b *Builder) AddEpisode(length uint32, task string, chunkID uint32, chunkOffset int64, videos map[string]VideoRef) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("episode must be non-empty")
	}
	if want := b.NextChunkID(); chunkID != want {
		return 0, fmt.Errorf("episode placed in chunk %d, packing policy requires chunk %d", chunkID, want)
	}
	for feature, ref := range videos {
		def, ok := b.schema[feature]
		if !ok || def.Modality != ModalityImageSeries {
			return 0, fmt.Errorf("video segment for unknown or non-image feature %q", feature)
		}
		if ref.FrameCount != length {
			return 0, fmt.Errorf("video segment for feature %q has %d frames, episode has %d", feature, ref.FrameCount, length)
		}
	}

	taskIdx, ok := b.taskIndex[task]
	if !ok {
		taskIdx = uint32(len(b.tasks))
		b.taskIndex[task] = taskIdx
		b.tasks = append(b.tasks, TaskRecord{TaskIndex: taskIdx, Task: task})
	}

	idx := uint64(len(b.episodes))
	b.episodes = append(b.episodes, EpisodeRecord{
		EpisodeIndex: idx,
		Length:       length,
		TaskIndex:    taskIdx,
		ChunkID:      chunkID,
		ChunkOffset:  chunkOffset,
		Videos:       videos,
	})
	b.numFrames += uint64(length)
	return idx, nil
}

// Episodes returns the episode records appended so far, in storage order.
func (b *Builder) Episodes() []EpisodeRecord {
	return b.episodes
}

// NumEpisodes returns the number of episodes appended so far.
func (b *Builder) NumEpisodes() uint64 {
	return uint64(len(b.episodes))
}

// NumFrames returns the total frame count appended so far.
func (b *Builder) NumFrames() uint64 {
	return b.numFrames
}

// Build assembles the final metadata set with the given stats record.
func (b *Builder) Build(statsRecords map[string]stats.FeatureStats) *Metadata {
	return &Metadata{
		Info: DatasetInfo{
			FormatVersion:    b.version,
			FPS:              b.fps,
			NumEpisodes:      uint64(len(b.episodes)),
			NumFrames:        b.numFrames,
			ChunkCapacity:    b.layout.ChunkCapacity,
			ChunkCompression: b.layout.ChunkCompression.String(),
		},
		Schema:   b.schema,
		Episodes: b.episodes,
		Tasks:    b.tasks,
		Stats:    statsRecords,
	}
}
