// Package chunkio reads and writes chunk data files: the physical storage
// unit holding the scalar frame data of a contiguous episode range. Access is
// per-episode-block, so no whole chunk is ever materialized in memory.
//
// Chunk file layout (little-endian), grounded on the shared FileHeader:
//
//	FileHeader{Magic, Version, CreatedAt, CompressorType}
//	repeated episode blocks:
//	  [episodeIndex uint64][frameCount uint32]
//	  [uncompressedLen uint32][compressedLen uint32]
//	  [payload compressedLen bytes][crc32(payload) uint32]
//
// A payload holds the episode's frames in frame-index order; each frame is
// the concatenation of every scalar-series feature's flattened float64
// values, features in sorted name order.
package chunkio

import (
	"encoding/binary"
	"math"

	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// Episode block header sizes.
const (
	episodeIndexSize    = 8
	frameCountSize      = 4
	uncompressedLenSize = 4
	compressedLenSize   = 4
	blockHeaderSize     = episodeIndexSize + frameCountSize + uncompressedLenSize + compressedLenSize
)

// EpisodeFrames is one episode's scalar frame data, flattened per feature:
// Values[feature] holds Length*ElemCount(feature) float64s in frame order.
type EpisodeFrames struct {
	Length uint32
	Values map[string][]float64
}

// Frame returns views over one frame's values per feature. The returned
// slices alias the underlying storage.
func (e *EpisodeFrames) Frame(schema meta.Schema, i int) map[string][]float64 {
	out := make(map[string][]float64, len(e.Values))
	for name, vals := range e.Values {
		ec := schema[name].ElemCount()
		out[name] = vals[i*ec : (i+1)*ec]
	}
	return out
}

// encodePayload serializes an episode's frames for storage.
func encodePayload(schema meta.Schema, ep *EpisodeFrames) []byte {
	features := schema.ScalarFeatures()
	buf := make([]byte, 0, int(ep.Length)*schema.FrameWidth()*8)
	var scratch [8]byte
	for frame := 0; frame < int(ep.Length); frame++ {
		for _, name := range features {
			ec := schema[name].ElemCount()
			vals := ep.Values[name][frame*ec : (frame+1)*ec]
			for _, v := range vals {
				binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
				buf = append(buf, scratch[:]...)
			}
		}
	}
	return buf
}

// decodePayload deserializes an episode payload written by encodePayload.
func decodePayload(schema meta.Schema, frameCount uint32, payload []byte) *EpisodeFrames {
	features := schema.ScalarFeatures()
	ep := &EpisodeFrames{
		Length: frameCount,
		Values: make(map[string][]float64, len(features)),
	}
	for _, name := range features {
		ep.Values[name] = make([]float64, 0, int(frameCount)*schema[name].ElemCount())
	}
	off := 0
	for frame := 0; frame < int(frameCount); frame++ {
		for _, name := range features {
			ec := schema[name].ElemCount()
			for i := 0; i < ec; i++ {
				bits := binary.LittleEndian.Uint64(payload[off : off+8])
				ep.Values[name] = append(ep.Values[name], math.Float64frombits(bits))
				off += 8
			}
		}
	}
	return ep
}
