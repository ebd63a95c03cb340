// Package compressors provides the Compressor implementations used for chunk
// payloads. Episode payloads are compressed as whole blocks, so all
// implementations use the block (not stream) format of their codec.
package compressors

import (
	"fmt"

	"github.com/WilbertYuan/lerobot-piper3/core"
)

// ForType returns the Compressor implementation for a CompressionType tag
// read from a chunk file header or dataset metadata.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
}
