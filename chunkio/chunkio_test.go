package chunkio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

func testSchema() meta.Schema {
	return meta.Schema{
		"observation.state": {Shape: []int{2}, DType: "float32", Modality: meta.ModalityScalarSeries},
		"action":            {Shape: []int{1}, DType: "float32", Modality: meta.ModalityScalarSeries},
	}
}

func makeEpisode(index uint64, length int) *EpisodeFrames {
	ep := &EpisodeFrames{
		Length: uint32(length),
		Values: map[string][]float64{
			"observation.state": make([]float64, 0, length*2),
			"action":            make([]float64, 0, length),
		},
	}
	for f := 0; f < length; f++ {
		base := float64(index*1000 + uint64(f))
		ep.Values["observation.state"] = append(ep.Values["observation.state"], base, base+0.5)
		ep.Values["action"] = append(ep.Values["action"], -base)
	}
	return ep
}

func writeEpisodes(t *testing.T, root string, layout meta.LayoutSpec, lengths []int) []meta.EpisodeRecord {
	t.Helper()
	w, err := OpenWriter(root, testSchema(), layout, WriterOptions{})
	require.NoError(t, err)

	records := make([]meta.EpisodeRecord, len(lengths))
	for i, n := range lengths {
		placement, err := w.Append(uint64(i), makeEpisode(uint64(i), n))
		require.NoError(t, err)
		records[i] = meta.EpisodeRecord{
			EpisodeIndex: uint64(i),
			Length:       uint32(n),
			ChunkID:      placement.ChunkID,
			ChunkOffset:  placement.Offset,
		}
	}
	require.NoError(t, w.Close())
	return records
}

func TestWriterReader_RoundTrip(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 2, ChunkCompression: core.CompressionSnappy}
	records := writeEpisodes(t, root, layout, []int{10, 20, 5})

	// Capacity 2: chunk 0 holds episodes 0-1, chunk 1 holds episode 2.
	assert.Equal(t, uint32(0), records[0].ChunkID)
	assert.Equal(t, uint32(0), records[1].ChunkID)
	assert.Equal(t, uint32(1), records[2].ChunkID)

	r := NewReader(root, testSchema())
	defer r.Close()
	// Read out of order to exercise chunk switching.
	for _, i := range []int{2, 0, 1} {
		got, err := r.ReadEpisode(records[i])
		require.NoError(t, err)
		assert.Equal(t, makeEpisode(uint64(i), int(records[i].Length)), got)
	}
}

func TestWriterReader_ResidentBuffering(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 10, ChunkCompression: core.CompressionLZ4}
	records := writeEpisodes(t, root, layout, []int{4, 6})

	r := NewReader(root, testSchema())
	r.SetMaxResidentChunkBytes(64 * 1024 * 1024)
	defer r.Close()
	for i, rec := range records {
		got, err := r.ReadEpisode(rec)
		require.NoError(t, err)
		assert.Equal(t, makeEpisode(uint64(i), int(rec.Length)), got)
	}
}

func TestWriter_FinalizesFullChunksEagerly(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 2, ChunkCompression: core.CompressionNone}
	w, err := OpenWriter(root, testSchema(), layout, WriterOptions{})
	require.NoError(t, err)

	_, err = w.Append(0, makeEpisode(0, 3))
	require.NoError(t, err)
	assert.Equal(t, -1, w.LastCompletedChunk())

	_, err = w.Append(1, makeEpisode(1, 3))
	require.NoError(t, err)
	// Chunk 0 is full and must already be finalized under its final name.
	assert.Equal(t, 0, w.LastCompletedChunk())
	_, err = os.Stat(meta.ChunkPath(root, 0))
	require.NoError(t, err)

	require.NoError(t, w.Close())
}

func TestWriter_AbortLeavesNoFinalChunk(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 10, ChunkCompression: core.CompressionNone}
	w, err := OpenWriter(root, testSchema(), layout, WriterOptions{})
	require.NoError(t, err)
	_, err = w.Append(0, makeEpisode(0, 3))
	require.NoError(t, err)
	w.Abort()

	_, err = os.Stat(meta.ChunkPath(root, 0))
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_RejectsMalformedEpisode(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 10, ChunkCompression: core.CompressionNone}
	w, err := OpenWriter(root, testSchema(), layout, WriterOptions{})
	require.NoError(t, err)
	defer w.Close()

	ep := makeEpisode(0, 5)
	ep.Values["action"] = ep.Values["action"][:3] // wrong length
	_, err = w.Append(0, ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "values")
}

func TestReader_DetectsCorruption(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 10, ChunkCompression: core.CompressionNone}
	records := writeEpisodes(t, root, layout, []int{8})

	path := meta.ChunkPath(root, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a payload byte past the block header.
	data[len(data)-core.ChecksumSize-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r := NewReader(root, testSchema())
	defer r.Close()
	_, err = r.ReadEpisode(records[0])
	require.ErrorIs(t, err, core.ErrCorrupted)
}

func TestReader_DetectsIndexMismatch(t *testing.T) {
	root := t.TempDir()
	layout := meta.LayoutSpec{ChunkCapacity: 10, ChunkCompression: core.CompressionNone}
	records := writeEpisodes(t, root, layout, []int{4, 4})

	bad := records[1]
	bad.EpisodeIndex = 5
	r := NewReader(root, testSchema())
	defer r.Close()
	_, err := r.ReadEpisode(bad)
	require.ErrorIs(t, err, core.ErrCorrupted)
}

func TestCopyVideoSegment_ByteExact(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	payload := []byte{0x00, 0x01, 0x47, 0xFF, 0x42}
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	require.NoError(t, CopyVideoSegment(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
