// Package dataset provides read access to a recorded dataset: metadata
// accessors and a streaming episode iterator that never materializes the
// whole dataset.
package dataset

import (
	"fmt"
	"log/slog"

	"github.com/WilbertYuan/lerobot-piper3/chunkio"
	"github.com/WilbertYuan/lerobot-piper3/meta"
	"github.com/WilbertYuan/lerobot-piper3/stats"
)

// Options configures a Dataset handle.
type Options struct {
	Logger *slog.Logger
}

// Dataset is a read-only handle on a published dataset directory.
type Dataset struct {
	root   string
	meta   *meta.Metadata
	logger *slog.Logger
}

// Open loads the metadata set of a dataset root. It fails if the dataset was
// never published (no readable info record).
func Open(root string, opts Options) (*Dataset, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m, err := meta.Load(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset at %s: %w", root, err)
	}
	return &Dataset{root: root, meta: m, logger: opts.Logger}, nil
}

// Root returns the dataset directory.
func (d *Dataset) Root() string { return d.root }

// Meta returns the loaded metadata set.
func (d *Dataset) Meta() *meta.Metadata { return d.meta }

// Schema returns the feature schema.
func (d *Dataset) Schema() meta.Schema { return d.meta.Schema }

// NumEpisodes returns the published episode count.
func (d *Dataset) NumEpisodes() uint64 { return d.meta.Info.NumEpisodes }

// NumFrames returns the published total frame count.
func (d *Dataset) NumFrames() uint64 { return d.meta.Info.NumFrames }

// FPS returns the recording frame rate.
func (d *Dataset) FPS() float64 { return d.meta.Info.FPS }

// NewIterator returns an iterator over all episodes in storage order.
func (d *Dataset) NewIterator() *EpisodeIterator {
	return NewEpisodeIterator(d.root, d.meta.Schema, d.meta.Episodes)
}

// EpisodeIterator streams episodes one at a time through a chunk reader.
type EpisodeIterator struct {
	records []meta.EpisodeRecord
	reader  *chunkio.Reader
	pos     int
	cur     *chunkio.EpisodeFrames
	err     error
}

// NewEpisodeIterator iterates an explicit episode record list, which may be
// a subset or reordering of a dataset's index.
func NewEpisodeIterator(root string, schema meta.Schema, records []meta.EpisodeRecord) *EpisodeIterator {
	return &EpisodeIterator{
		records: records,
		reader:  chunkio.NewReader(root, schema),
		pos:     -1,
	}
}

// Next advances to the next episode. It returns false at the end of the
// sequence or on error; check Err afterwards.
func (it *EpisodeIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos >= len(it.records) {
		return false
	}
	frames, err := it.reader.ReadEpisode(it.records[it.pos])
	if err != nil {
		it.err = err
		return false
	}
	it.cur = frames
	return true
}

// Record returns the current episode's index record.
func (it *EpisodeIterator) Record() meta.EpisodeRecord {
	return it.records[it.pos]
}

// Frames returns the current episode's scalar frame data.
func (it *EpisodeIterator) Frames() *chunkio.EpisodeFrames {
	return it.cur
}

// Err returns the first error encountered while iterating.
func (it *EpisodeIterator) Err() error {
	return it.err
}

// Close releases the underlying chunk reader.
func (it *EpisodeIterator) Close() error {
	return it.reader.Close()
}

// ComputeStats performs a full scan over the given episode records and
// returns exact per-feature statistics. withQuantiles additionally fills the
// t-digest p50/p99 diagnostics.
func ComputeStats(root string, schema meta.Schema, records []meta.EpisodeRecord, withQuantiles bool) (map[string]stats.FeatureStats, error) {
	set, err := stats.NewSet(schema.ScalarFeatures(), withQuantiles)
	if err != nil {
		return nil, err
	}
	it := NewEpisodeIterator(root, schema, records)
	defer it.Close()
	for it.Next() {
		frames := it.Frames()
		for i := 0; i < int(frames.Length); i++ {
			if err := set.ObserveFrame(frames.Frame(schema, i)); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return set.Records(), nil
}
