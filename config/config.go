// Package config loads engine configuration from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/WilbertYuan/lerobot-piper3/core"
	"github.com/WilbertYuan/lerobot-piper3/meta"
)

// ChunkConfig holds chunk layout configurations for newly written datasets.
type ChunkConfig struct {
	// CapacityEpisodes caps the number of episodes packed into one chunk file.
	CapacityEpisodes int `yaml:"capacity_episodes"`
	// Compression selects the chunk payload codec: "none", "snappy", "lz4", "zstd".
	Compression string `yaml:"compression"`
}

// StreamingConfig holds streaming read configurations.
type StreamingConfig struct {
	// MaxResidentChunkBytes is the threshold above which a chunk is read
	// block-by-block instead of being buffered whole.
	MaxResidentChunkBytes int64 `yaml:"max_resident_chunk_bytes"`
}

// TransformConfig holds transformation engine configurations.
type TransformConfig struct {
	// VideoCopyConcurrency bounds parallel video segment copies. Zero means
	// one worker per CPU.
	VideoCopyConcurrency int `yaml:"video_copy_concurrency"`
	// StagingSuffix is appended to the target path while a transformation is
	// being built, before the atomic publish rename.
	StagingSuffix string `yaml:"staging_suffix"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // log file path, used if output is "file"
}

// Config is the root configuration document.
type Config struct {
	Chunk     ChunkConfig     `yaml:"chunk"`
	Streaming StreamingConfig `yaml:"streaming"`
	Transform TransformConfig `yaml:"transform"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Chunk: ChunkConfig{
			CapacityEpisodes: 50,
			Compression:      "snappy",
		},
		Streaming: StreamingConfig{
			MaxResidentChunkBytes: 64 * 1024 * 1024,
		},
		Transform: TransformConfig{
			VideoCopyConcurrency: runtime.NumCPU(),
			StagingSuffix:        ".staging",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// Load reads and validates a configuration file. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes a configuration document, overlaying the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Chunk.CapacityEpisodes <= 0 {
		return fmt.Errorf("chunk.capacity_episodes must be positive, got %d", c.Chunk.CapacityEpisodes)
	}
	if _, ok := core.ParseCompressionType(c.Chunk.Compression); !ok {
		return fmt.Errorf("chunk.compression %q is not one of none, snappy, lz4, zstd", c.Chunk.Compression)
	}
	if c.Streaming.MaxResidentChunkBytes <= 0 {
		return fmt.Errorf("streaming.max_resident_chunk_bytes must be positive, got %d", c.Streaming.MaxResidentChunkBytes)
	}
	if c.Transform.VideoCopyConcurrency < 0 {
		return fmt.Errorf("transform.video_copy_concurrency must not be negative, got %d", c.Transform.VideoCopyConcurrency)
	}
	if c.Transform.StagingSuffix == "" {
		return fmt.Errorf("transform.staging_suffix must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// ChunkLayout resolves the configured chunk policy to a layout spec for
// writing new datasets. Validate must have passed.
func (c ChunkConfig) ChunkLayout() meta.LayoutSpec {
	ct, _ := core.ParseCompressionType(c.Compression)
	return meta.LayoutSpec{ChunkCapacity: c.CapacityEpisodes, ChunkCompression: ct}
}

// SlogLevel maps the configured logging level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
