package core

import (
	"bytes"
	"io"
)

// CompressionType identifies the compression algorithm used for chunk
// payloads. The value is stored in the chunk file header so readers know how
// to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a config/metadata string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, bool) {
	switch s {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return CompressionNone, false
	}
}

// byteReadCloser adapts an in-memory byte slice to io.ReadCloser for
// decompressors that produce whole buffers.
type byteReadCloser struct {
	*bytes.Reader
}

func (b *byteReadCloser) Close() error {
	return nil
}

// NewByteReadCloser wraps data in a no-op-close reader.
func NewByteReadCloser(data []byte) io.ReadCloser {
	return &byteReadCloser{Reader: bytes.NewReader(data)}
}

const (
	// ChecksumSize is the size of the CRC32 checksum trailing each episode block.
	ChecksumSize = 4
)
