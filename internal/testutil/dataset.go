// Package testutil builds complete on-disk dataset fixtures for tests.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WilbertYuan/lerobot-piper3/chunkio"
	"github.com/WilbertYuan/lerobot-piper3/dataset"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// VideoFeature is the image-series feature name used by fixtures.
const VideoFeature = "observation.images.top"

// EpisodeSpec describes one fixture episode.
type EpisodeSpec struct {
	Length int
	Task   string
}

// Schema returns the fixture feature schema: two scalar-series features and
// one image-series feature.
func Schema() meta.Schema {
	return meta.Schema{
		"observation.state": {Shape: []int{2}, DType: "float32", Modality: meta.ModalityScalarSeries},
		"action":            {Shape: []int{1}, DType: "float32", Modality: meta.ModalityScalarSeries},
		VideoFeature:        {Shape: []int{3, 96, 96}, DType: "video", Modality: meta.ModalityImageSeries},
	}
}

// EpisodeValues generates the deterministic scalar frame data for a fixture
// episode. seed distinguishes datasets so merged fixtures stay tellable
// apart.
func EpisodeValues(seed, index uint64, length int) *chunkio.EpisodeFrames {
	ep := &chunkio.EpisodeFrames{
		Length: uint32(length),
		Values: map[string][]float64{
			"observation.state": make([]float64, 0, length*2),
			"action":            make([]float64, 0, length),
		},
	}
	for f := 0; f < length; f++ {
		base := float64(seed*100000 + index*1000 + uint64(f))
		ep.Values["observation.state"] = append(ep.Values["observation.state"], base, base+0.5)
		ep.Values["action"] = append(ep.Values["action"], -base)
	}
	return ep
}

// VideoBytes generates the deterministic video segment content for a fixture
// episode.
func VideoBytes(seed, index uint64) []byte {
	buf := make([]byte, 0, 64)
	var scratch [8]byte
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint64(scratch[:], seed*1_000_003+index*31+uint64(i))
		buf = append(buf, scratch[:]...)
	}
	return buf
}

// BuildDataset writes a complete, published dataset fixture at root.
func BuildDataset(t *testing.T, root string, seed uint64, fps float64, layout meta.LayoutSpec, episodes []EpisodeSpec) *meta.Metadata {
	t.Helper()
	schema := Schema()

	builder, err := meta.NewBuilder(schema, fps, meta.CurrentVersion)
	require.NoError(t, err)
	require.NoError(t, builder.OverrideLayout(layout))

	writer, err := chunkio.OpenWriter(root, schema, layout, chunkio.WriterOptions{})
	require.NoError(t, err)

	for i, spec := range episodes {
		index := uint64(i)
		placement, err := writer.Append(index, EpisodeValues(seed, index, spec.Length))
		require.NoError(t, err)

		relPath := meta.VideoRelPath(VideoFeature, index)
		videoPath := filepath.Join(root, relPath)
		require.NoError(t, os.MkdirAll(filepath.Dir(videoPath), 0o755))
		require.NoError(t, os.WriteFile(videoPath, VideoBytes(seed, index), 0o644))

		_, err = builder.AddEpisode(uint32(spec.Length), spec.Task, placement.ChunkID, placement.Offset, map[string]meta.VideoRef{
			VideoFeature: {Path: relPath, FrameCount: uint32(spec.Length)},
		})
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	records, err := dataset.ComputeStats(root, schema, builder.Episodes(), false)
	require.NoError(t, err)
	m := builder.Build(records)
	require.NoError(t, meta.Save(root, m))
	return m
}
