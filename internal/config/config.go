package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sarpel/audio-receiver-xiao/internal/wav"
)

// Config represents the complete service configuration. All values are fixed
// at process start; there is no runtime reconfiguration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Storage     StorageConfig     `yaml:"storage"`
	Compression CompressionConfig `yaml:"compression"`
	HTTP        HTTPConfig        `yaml:"http"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains TCP ingestion server configuration
type ServerConfig struct {
	TCPPort          int    `yaml:"tcp_port"`
	BindAddress      string `yaml:"bind_address"`
	RecvBufferSize   int    `yaml:"recv_buffer_size"`   // socket receive buffer, bytes
	IdleTimeout      int    `yaml:"idle_timeout"`       // seconds of silence before the link is dead
	AcceptRetryDelay int    `yaml:"accept_retry_delay"` // seconds to wait after an accept-loop fault
}

// AudioConfig contains the fixed PCM wire contract agreed out-of-band with
// the sender firmware.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	ChunkSize  int `yaml:"chunk_size"` // bytes per network read, one firmware tick of audio
}

// StorageConfig contains archive storage configuration
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	SegmentDuration int    `yaml:"segment_duration"` // seconds per segment file
}

// CompressionConfig contains deferred segment compression configuration
type CompressionConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Format           string  `yaml:"format"`             // "flac" (lossless) or "opus" (lossy)
	Delay            int     `yaml:"delay"`              // seconds to wait after segment close
	MinCompleteRatio float64 `yaml:"min_complete_ratio"` // fraction of a full segment below which compression is skipped
	FLACLevel        int     `yaml:"flac_compression_level"`
	OpusBitrate      int     `yaml:"opus_bitrate"` // kbps
	DeleteSource     bool    `yaml:"delete_source"`
	EncoderPath      string  `yaml:"encoder_path"`
	EncoderTimeout   int     `yaml:"encoder_timeout"` // seconds per encoder invocation
	MaxConcurrent    int     `yaml:"max_concurrent"`  // encoder subprocesses running at once
}

// HTTPConfig contains archive browsing API configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// NotifyConfig contains MQTT lifecycle event publishing configuration
type NotifyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Compression.Validate(); err != nil {
		return fmt.Errorf("compression config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// The segment header declares its payload in a uint32; a target beyond
	// that wraps silently, so it is a startup error rather than a bad header.
	if target := c.SegmentTargetBytes(); target > wav.MaxPayloadSize {
		return fmt.Errorf("segment_duration yields %d payload bytes per segment, above the WAV container limit of %d", target, int64(wav.MaxPayloadSize))
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.RecvBufferSize < 1024 {
		return fmt.Errorf("recv_buffer_size must be at least 1024 bytes, got %d", s.RecvBufferSize)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.AcceptRetryDelay < 1 {
		return fmt.Errorf("accept_retry_delay must be at least 1 second, got %d", s.AcceptRetryDelay)
	}

	return nil
}

// Validate validates the audio wire contract
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.BitDepth != 16 && a.BitDepth != 24 {
		return fmt.Errorf("bit_depth must be 16 or 24, got %d", a.BitDepth)
	}

	if a.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive, got %d", a.ChunkSize)
	}

	// Byte offsets must stay sample-aligned across every chunk boundary
	if a.ChunkSize%a.BlockAlign() != 0 {
		return fmt.Errorf("chunk_size (%d) must divide into whole sample frames of %d bytes", a.ChunkSize, a.BlockAlign())
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	if s.SegmentDuration < 1 {
		return fmt.Errorf("segment_duration must be at least 1 second, got %d", s.SegmentDuration)
	}

	return nil
}

// Validate validates compression configuration. An unknown codec name is a
// startup error rather than a per-job failure.
func (c *CompressionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Format != "flac" && c.Format != "opus" {
		return fmt.Errorf("format must be 'flac' or 'opus', got '%s'", c.Format)
	}

	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative, got %d", c.Delay)
	}

	if c.MinCompleteRatio < 0 || c.MinCompleteRatio > 1 {
		return fmt.Errorf("min_complete_ratio must be between 0 and 1, got %f", c.MinCompleteRatio)
	}

	if c.FLACLevel < 0 || c.FLACLevel > 8 {
		return fmt.Errorf("flac_compression_level must be between 0 and 8, got %d", c.FLACLevel)
	}

	if c.OpusBitrate < 6 || c.OpusBitrate > 510 {
		return fmt.Errorf("opus_bitrate must be between 6 and 510 kbps, got %d", c.OpusBitrate)
	}

	if c.EncoderPath == "" {
		return fmt.Errorf("encoder_path cannot be empty")
	}

	if c.EncoderTimeout < 1 {
		return fmt.Errorf("encoder_timeout must be at least 1 second, got %d", c.EncoderTimeout)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates notify configuration
func (n *NotifyConfig) Validate() error {
	if n.Enabled {
		if n.Broker == "" {
			return fmt.Errorf("broker cannot be empty when notify is enabled")
		}

		if n.ClientID == "" {
			return fmt.Errorf("client_id cannot be empty when notify is enabled")
		}

		if n.TopicPrefix == "" {
			return fmt.Errorf("topic_prefix cannot be empty when notify is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// BlockAlign returns the size of one sample frame across all channels.
func (a *AudioConfig) BlockAlign() int {
	return a.Channels * a.BitDepth / 8
}

// SegmentTargetBytes returns the payload size of one full segment:
// sampleRate x bytesPerSample x channels x durationSeconds.
func (c *Config) SegmentTargetBytes() int64 {
	return int64(c.Audio.SampleRate) * int64(c.Audio.BitDepth/8) * int64(c.Audio.Channels) * int64(c.Storage.SegmentDuration)
}

// GetIdleTimeout returns the connection idle timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetAcceptRetryDelay returns the accept-loop retry delay as a time.Duration
func (s *ServerConfig) GetAcceptRetryDelay() time.Duration {
	return time.Duration(s.AcceptRetryDelay) * time.Second
}

// GetSegmentDuration returns the segment duration as a time.Duration
func (s *StorageConfig) GetSegmentDuration() time.Duration {
	return time.Duration(s.SegmentDuration) * time.Second
}

// GetDelay returns the compression delay as a time.Duration
func (c *CompressionConfig) GetDelay() time.Duration {
	return time.Duration(c.Delay) * time.Second
}

// GetEncoderTimeout returns the encoder execution timeout as a time.Duration
func (c *CompressionConfig) GetEncoderTimeout() time.Duration {
	return time.Duration(c.EncoderTimeout) * time.Second
}
