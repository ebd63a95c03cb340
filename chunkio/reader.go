package chunkio

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/WilbertYuan/lerobot-piper3/compressors"
	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// Reader reads episode blocks addressed by (chunk id, offset). It keeps at
// most one chunk file open and reads one episode block at a time, so memory
// stays bounded by the largest single episode regardless of chunk size.
type Reader struct {
	root   string
	schema meta.Schema

	file        *os.File
	resident    []byte // whole chunk kept in memory when small enough
	residentMax int64
	curChunk    uint32
	compressor  core.Compressor
	opened      bool
	closed      bool
}

// NewReader creates a read handle over a dataset root.
func NewReader(root string, schema meta.Schema) *Reader {
	return &Reader{root: root, schema: schema}
}

// SetMaxResidentChunkBytes makes the reader buffer a whole chunk in memory
// when the file is at most max bytes, trading memory for fewer reads. Larger
// chunks are always read block-by-block. Zero disables buffering.
func (r *Reader) SetMaxResidentChunkBytes(max int64) {
	r.residentMax = max
}

// ReadEpisode reads one episode's frames from its recorded placement and
// verifies framing, identity and checksum.
func (r *Reader) ReadEpisode(rec meta.EpisodeRecord) (*EpisodeFrames, error) {
	if r.closed {
		return nil, core.ErrClosed
	}
	if err := r.openChunk(rec.ChunkID); err != nil {
		return nil, err
	}

	var header [blockHeaderSize]byte
	if err := r.readAt(header[:], rec.ChunkOffset); err != nil {
		return nil, fmt.Errorf("failed to read episode block header: %w", err)
	}
	episodeIndex := binary.LittleEndian.Uint64(header[0:8])
	frameCount := binary.LittleEndian.Uint32(header[8:12])
	uncompressedLen := binary.LittleEndian.Uint32(header[12:16])
	compressedLen := binary.LittleEndian.Uint32(header[16:20])

	if episodeIndex != rec.EpisodeIndex {
		return nil, fmt.Errorf("%w: block at chunk %d offset %d holds episode %d, index says %d",
			core.ErrCorrupted, rec.ChunkID, rec.ChunkOffset, episodeIndex, rec.EpisodeIndex)
	}
	if frameCount != rec.Length {
		return nil, fmt.Errorf("%w: episode %d block has %d frames, index says %d",
			core.ErrCorrupted, rec.EpisodeIndex, frameCount, rec.Length)
	}
	if want := uint32(int(frameCount) * r.schema.FrameWidth() * 8); uncompressedLen != want {
		return nil, fmt.Errorf("%w: episode %d payload length %d does not match schema (want %d)",
			core.ErrCorrupted, rec.EpisodeIndex, uncompressedLen, want)
	}

	body := make([]byte, int(compressedLen)+core.ChecksumSize)
	if err := r.readAt(body, rec.ChunkOffset+blockHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read episode block body: %w", err)
	}
	compressed := body[:compressedLen]
	storedCRC := binary.LittleEndian.Uint32(body[compressedLen:])

	rc, err := r.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress episode %d: %w", rec.EpisodeIndex, err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed episode %d: %w", rec.EpisodeIndex, err)
	}
	if len(payload) != int(uncompressedLen) {
		return nil, fmt.Errorf("%w: episode %d decompressed to %d bytes, want %d",
			core.ErrCorrupted, rec.EpisodeIndex, len(payload), uncompressedLen)
	}
	if crc := crc32.ChecksumIEEE(payload); crc != storedCRC {
		return nil, fmt.Errorf("%w: episode %d checksum mismatch", core.ErrCorrupted, rec.EpisodeIndex)
	}
	return decodePayload(r.schema, frameCount, payload), nil
}

func (r *Reader) readAt(p []byte, off int64) error {
	if r.resident != nil {
		if off < 0 || off+int64(len(p)) > int64(len(r.resident)) {
			return fmt.Errorf("%w: read past end of chunk", core.ErrCorrupted)
		}
		copy(p, r.resident[off:])
		return nil
	}
	_, err := r.file.ReadAt(p, off)
	return err
}

func (r *Reader) openChunk(chunkID uint32) error {
	if r.opened && r.curChunk == chunkID {
		return nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.resident = nil
	r.opened = false

	path := meta.ChunkPath(r.root, chunkID)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open chunk file %s: %w", path, err)
	}
	var header core.FileHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		f.Close()
		return fmt.Errorf("failed to read chunk header: %w", err)
	}
	if err := header.Validate(core.ChunkMagic); err != nil {
		f.Close()
		return err
	}
	comp, err := compressors.ForType(header.CompressorType)
	if err != nil {
		f.Close()
		return err
	}

	if r.residentMax > 0 {
		if info, err := f.Stat(); err == nil && info.Size() <= r.residentMax {
			buf := make([]byte, info.Size())
			if _, err := f.ReadAt(buf, 0); err != nil {
				f.Close()
				return fmt.Errorf("failed to buffer chunk file %s: %w", path, err)
			}
			f.Close()
			r.resident = buf
			r.curChunk = chunkID
			r.compressor = comp
			r.opened = true
			return nil
		}
	}

	r.file = f
	r.curChunk = chunkID
	r.compressor = comp
	r.opened = true
	return nil
}

// Close releases the underlying chunk file, if open.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.resident = nil
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
