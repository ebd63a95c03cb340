package core

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Magic numbers for persistent binary files.
const (
	// ChunkMagic identifies a chunk data file.
	ChunkMagic uint32 = 0x4C52_4348 // "LRCH"
)

// ChunkFormatVersion is the binary framing version of chunk files. It is
// independent of the dataset layout version tag in meta/info.json.
const ChunkFormatVersion uint8 = 1

// FileHeader is a standard header for all persistent binary files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        ChunkFormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// Validate checks the header against the expected magic number.
func (h *FileHeader) Validate(magic uint32) error {
	if h.Magic != magic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrCorrupted, h.Magic)
	}
	if h.Version != ChunkFormatVersion {
		return fmt.Errorf("%w: unknown chunk framing version %d", ErrCorrupted, h.Version)
	}
	return nil
}
