// Package config provides the configuration schema and loader for the
// voxwire voice pipeline.
package config

import (
	"time"

	"github.com/voxwire/voxwire/pkg/player"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Widget    WidgetConfig    `yaml:"widget"`
}

// ServerConfig holds the local HTTP surface (health, metrics) and logging.
type ServerConfig struct {
	// ListenAddr is the TCP address for the health/metrics endpoints
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig holds the remote agent connection settings.
type TransportConfig struct {
	// Endpoint is the WebSocket URL of the remote speech pipeline
	// (e.g., "wss://agent.example.com/voice"). The session ID is attached
	// as a query parameter on connect.
	Endpoint string `yaml:"endpoint"`

	// FallbackEndpoints are alternative agent URLs tried in order when the
	// primary endpoint fails to connect. Repeatedly failing endpoints are
	// skipped by a per-endpoint circuit breaker.
	FallbackEndpoints []string `yaml:"fallback_endpoints"`

	// DialTimeout bounds the connection attempt. Zero means 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AudioConfig groups capture and playback parameters.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig holds microphone parameters.
type CaptureConfig struct {
	// SampleRate is the target capture rate in Hz. Zero means 24000.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per encoded frame. Zero means 4096.
	BlockSize int `yaml:"block_size"`
}

// PlaybackConfig holds speaker output parameters.
type PlaybackConfig struct {
	// SampleRate is the playback rate in Hz. Zero means 24000.
	SampleRate int `yaml:"sample_rate"`

	// Format is the fragment payload encoding negotiated with the remote:
	// "pcm16" or "opus". Empty means pcm16.
	Format player.FragmentFormat `yaml:"format"`
}

// WidgetConfig tunes caller-level behaviour layered on top of the pipeline.
type WidgetConfig struct {
	// ReconnectAttempts is how many times the controller retries after a
	// connection-level failure before giving up. Zero means 5; a negative
	// value disables reconnects entirely — the pipeline core itself never
	// reconnects.
	ReconnectAttempts int `yaml:"reconnect_attempts"`

	// ReconnectBackoff is the delay between reconnect attempts. Zero means 2s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// TranscriptHistory is the number of recent transcript entries retained
	// in memory for display. Zero means 50.
	TranscriptHistory int `yaml:"transcript_history"`
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = 10 * time.Second
	}
	if c.Audio.Capture.SampleRate == 0 {
		c.Audio.Capture.SampleRate = 24000
	}
	if c.Audio.Capture.BlockSize == 0 {
		c.Audio.Capture.BlockSize = 4096
	}
	if c.Audio.Playback.SampleRate == 0 {
		c.Audio.Playback.SampleRate = 24000
	}
	if c.Audio.Playback.Format == "" {
		c.Audio.Playback.Format = player.FormatPCM16
	}
	if c.Widget.ReconnectBackoff == 0 {
		c.Widget.ReconnectBackoff = 2 * time.Second
	}
	if c.Widget.TranscriptHistory == 0 {
		c.Widget.TranscriptHistory = 50
	}
}
