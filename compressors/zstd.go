package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd. Encoders and
// decoders are pooled because their construction is expensive.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				// The actual io.Writer is set via Reset before each use.
				enc, err := zstd.NewWriter(nil)
				if err != nil {
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256*1024*1024))
				if err != nil {
					return nil
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	pooled := c.encoderPool.Get()
	if pooled == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	enc := pooled.(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(data); err != nil {
		return nil, fmt.Errorf("zstd compress write error: %w", err)
	}
	// Close flushes buffered data and finalizes the frame; the pooled encoder
	// stays reusable after Reset.
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd compress close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	pooled := c.decoderPool.Get()
	if pooled == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}
	dec := pooled.(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	decompressed, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return core.NewByteReadCloser(decompressed), nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
