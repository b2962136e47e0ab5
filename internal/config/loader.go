package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Transport.Endpoint == "" {
		errs = append(errs, errors.New("transport.endpoint is required"))
	}
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, errors.New("transport.dial_timeout must not be negative"))
	}
	if cfg.Audio.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d must be positive", cfg.Audio.Capture.SampleRate))
	}
	if cfg.Audio.Capture.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture.block_size %d must be positive", cfg.Audio.Capture.BlockSize))
	}
	if cfg.Audio.Playback.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback.sample_rate %d must be positive", cfg.Audio.Playback.SampleRate))
	}
	if !cfg.Audio.Playback.Format.IsValid() {
		errs = append(errs, fmt.Errorf("audio.playback.format %q is invalid; valid values: pcm16, opus", cfg.Audio.Playback.Format))
	}
	return errors.Join(errs...)
}
