package config

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WilbertYuan/lerobot-piper3/core"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Chunk.CapacityEpisodes)
	assert.Equal(t, "snappy", cfg.Chunk.Compression)
}

func TestLoadFromReader_OverlaysDefaults(t *testing.T) {
	doc := `
chunk:
  capacity_episodes: 8
  compression: zstd
logging:
  level: debug
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Chunk.CapacityEpisodes)
	assert.Equal(t, "zstd", cfg.Chunk.Compression)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	// Untouched sections keep their defaults.
	assert.Equal(t, int64(64*1024*1024), cfg.Streaming.MaxResidentChunkBytes)
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("chnk:\n  capacity_episodes: 8\n"))
	require.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Chunk.CapacityEpisodes = 0 }},
		{"bad compression", func(c *Config) { c.Chunk.Compression = "brotli" }},
		{"zero resident bytes", func(c *Config) { c.Streaming.MaxResidentChunkBytes = 0 }},
		{"negative concurrency", func(c *Config) { c.Transform.VideoCopyConcurrency = -1 }},
		{"empty staging suffix", func(c *Config) { c.Transform.StagingSuffix = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestChunkLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chunk.CapacityEpisodes = 4
	cfg.Chunk.Compression = "lz4"
	layout := cfg.Chunk.ChunkLayout()
	assert.Equal(t, 4, layout.ChunkCapacity)
	assert.Equal(t, core.CompressionLZ4, layout.ChunkCompression)
}
