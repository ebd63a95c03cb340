package chunkio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"

	"github.com/WilbertYuan/lerobot-piper3/compressors"
	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// Placement reports where the writer stored an episode block.
type Placement struct {
	ChunkID uint32
	Offset  int64
}

// WriterOptions configures a chunk Writer.
type WriterOptions struct {
	Logger *slog.Logger
}

// Writer is the scoped write handle for a new dataset location. It
// accumulates episodes into chunk files according to the layout policy and
// finalizes (flushes, syncs, renames) each chunk as soon as it is full.
// Chunks are written to a .tmp name and renamed on completion, so a partially
// written chunk is never mistaken for a finished one.
type Writer struct {
	root       string
	schema     meta.Schema
	layout     meta.LayoutSpec
	compressor core.Compressor
	logger     *slog.Logger

	file            *os.File
	tempPath        string
	finalPath       string
	curChunkID      uint32
	episodesInChunk int
	offset          int64
	lastCompleted   int // last finalized chunk id, -1 before the first
	closed          bool
}

// OpenWriter creates a write handle rooted at a (staging) dataset directory.
func OpenWriter(root string, schema meta.Schema, layout meta.LayoutSpec, opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if layout.ChunkCapacity <= 0 {
		return nil, fmt.Errorf("chunk capacity must be positive, got %d", layout.ChunkCapacity)
	}
	comp, err := compressors.ForType(layout.ChunkCompression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(meta.DataDir(root), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Writer{
		root:          root,
		schema:        schema,
		layout:        layout,
		compressor:    comp,
		logger:        opts.Logger,
		lastCompleted: -1,
	}, nil
}

// Append writes one episode block and returns its placement. episodeIndex is
// the episode's final index in the target dataset; frames must match the
// schema's scalar features.
func (w *Writer) Append(episodeIndex uint64, ep *EpisodeFrames) (Placement, error) {
	if w.closed {
		return Placement{}, core.ErrClosed
	}
	if ep.Length == 0 {
		return Placement{}, fmt.Errorf("episode %d is empty", episodeIndex)
	}
	for _, name := range w.schema.ScalarFeatures() {
		want := int(ep.Length) * w.schema[name].ElemCount()
		if got := len(ep.Values[name]); got != want {
			return Placement{}, fmt.Errorf("episode %d feature %q has %d values, want %d", episodeIndex, name, got, want)
		}
	}

	if w.file == nil {
		if err := w.startChunk(); err != nil {
			return Placement{}, w.ioFailure(err)
		}
	}

	payload := encodePayload(w.schema, ep)
	compressed, err := w.compressor.Compress(payload)
	if err != nil {
		return Placement{}, w.ioFailure(fmt.Errorf("failed to compress episode %d: %w", episodeIndex, err))
	}

	placement := Placement{ChunkID: w.curChunkID, Offset: w.offset}

	var header [blockHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], episodeIndex)
	binary.LittleEndian.PutUint32(header[8:12], ep.Length)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(compressed)))
	if _, err := w.file.Write(header[:]); err != nil {
		return Placement{}, w.ioFailure(err)
	}
	if _, err := w.file.Write(compressed); err != nil {
		return Placement{}, w.ioFailure(err)
	}
	var crc [core.ChecksumSize]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(payload))
	if _, err := w.file.Write(crc[:]); err != nil {
		return Placement{}, w.ioFailure(err)
	}
	w.offset += int64(blockHeaderSize + len(compressed) + core.ChecksumSize)

	w.episodesInChunk++
	if w.episodesInChunk >= w.layout.ChunkCapacity {
		if err := w.finalizeChunk(); err != nil {
			return Placement{}, w.ioFailure(err)
		}
	}
	return placement, nil
}

func (w *Writer) startChunk() error {
	w.finalPath = meta.ChunkPath(w.root, w.curChunkID)
	w.tempPath = w.finalPath + ".tmp"
	f, err := os.Create(w.tempPath)
	if err != nil {
		return fmt.Errorf("failed to create chunk file %s: %w", w.tempPath, err)
	}
	header := core.NewFileHeader(core.ChunkMagic, w.compressor.Type())
	if err := binary.Write(f, binary.LittleEndian, &header); err != nil {
		f.Close()
		os.Remove(w.tempPath)
		return fmt.Errorf("failed to write chunk header: %w", err)
	}
	w.file = f
	w.offset = int64(header.Size())
	w.episodesInChunk = 0
	return nil
}

func (w *Writer) finalizeChunk() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to sync chunk file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close chunk file: %w", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		return fmt.Errorf("failed to rename chunk file: %w", err)
	}
	w.logger.Debug("finalized chunk",
		slog.Int("chunk_id", int(w.curChunkID)),
		slog.Int("episodes", w.episodesInChunk))
	w.lastCompleted = int(w.curChunkID)
	w.curChunkID++
	w.file = nil
	w.episodesInChunk = 0
	return nil
}

// Close finalizes a partially filled trailing chunk, if any.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.file != nil && w.episodesInChunk > 0 {
		if err := w.finalizeChunk(); err != nil {
			return w.ioFailure(err)
		}
	} else if w.file != nil {
		w.file.Close()
		os.Remove(w.tempPath)
		w.file = nil
	}
	return nil
}

// Abort discards any in-flight chunk without finalizing it. The caller is
// expected to remove the whole staging directory afterwards.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	if w.file != nil {
		w.file.Close()
		os.Remove(w.tempPath)
		w.file = nil
	}
}

// LastCompletedChunk returns the id of the last fully written chunk, or -1.
// Used for IOFailure diagnostics.
func (w *Writer) LastCompletedChunk() int {
	return w.lastCompleted
}

func (w *Writer) ioFailure(err error) error {
	return &core.IOFailure{Path: w.root, LastChunkID: w.lastCompleted, Err: err}
}
