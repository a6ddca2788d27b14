/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package config loads halctl and host settings from a file and LOQA_HAL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/propfile"
)

// EnvPrefix prefixes every environment override, e.g. LOQA_HAL_AUDIO_SAMPLE_RATE.
const EnvPrefix = "LOQA_HAL"

// Backend names accepted in audio.backends.
const (
	BackendPortAudio = "portaudio"
	BackendMiniaudio = "miniaudio"
	BackendJack      = "jack"
	BackendOto       = "oto"
	BackendSimulated = "simulated"
)

var knownBackends = []string{BackendPortAudio, BackendMiniaudio, BackendJack, BackendOto, BackendSimulated}

type Config struct {
	Audio   AudioConfig   `mapstructure:"audio"`
	MIDI    MIDIConfig    `mapstructure:"midi"`
	State   StateConfig   `mapstructure:"state"`
	Hotplug HotplugConfig `mapstructure:"hotplug"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type AudioConfig struct {
	// Backends lists the enabled device types in registration order.
	Backends []string `mapstructure:"backends"`
	// PreferredDevice is a wildcard matched against device names when no
	// saved state applies.
	PreferredDevice        string  `mapstructure:"preferred_device"`
	InputChannels          int     `mapstructure:"input_channels"`
	OutputChannels         int     `mapstructure:"output_channels"`
	SampleRate             float64 `mapstructure:"sample_rate"`
	BufferSize             int     `mapstructure:"buffer_size"`
	SelectDefaultOnFailure bool    `mapstructure:"select_default_on_failure"`
}

type MIDIConfig struct {
	VirtualPorts []string   `mapstructure:"virtual_ports"`
	NATS         NATSConfig `mapstructure:"nats"`
	Jack         bool       `mapstructure:"jack"`
}

type NATSConfig struct {
	// URL enables the network MIDI backend when set.
	URL           string   `mapstructure:"url"`
	SubjectPrefix string   `mapstructure:"subject_prefix"`
	Ports         []string `mapstructure:"ports"`
}

type StateConfig struct {
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"`
}

type HotplugConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Paths    []string      `mapstructure:"paths"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the server.
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// Default returns the built-in settings.
func Default() *Config {
	stateFile := "hal-state.props"
	if dir, err := os.UserConfigDir(); err == nil {
		stateFile = filepath.Join(dir, "loqa-hal", "state.props")
	}
	return &Config{
		Audio: AudioConfig{
			Backends:               []string{BackendPortAudio, BackendMiniaudio, BackendJack, BackendOto},
			InputChannels:          2,
			OutputChannels:         2,
			SelectDefaultOnFailure: true,
		},
		MIDI: MIDIConfig{
			NATS: NATSConfig{SubjectPrefix: "loqa.midi"},
		},
		State: StateConfig{
			File:   stateFile,
			Format: propfile.Binary.String(),
		},
		Hotplug: HotplugConfig{
			Enabled:  true,
			Paths:    []string{"/dev/snd"},
			Debounce: 250 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("audio.backends", d.Audio.Backends)
	v.SetDefault("audio.preferred_device", d.Audio.PreferredDevice)
	v.SetDefault("audio.input_channels", d.Audio.InputChannels)
	v.SetDefault("audio.output_channels", d.Audio.OutputChannels)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.buffer_size", d.Audio.BufferSize)
	v.SetDefault("audio.select_default_on_failure", d.Audio.SelectDefaultOnFailure)
	v.SetDefault("midi.virtual_ports", d.MIDI.VirtualPorts)
	v.SetDefault("midi.nats.url", d.MIDI.NATS.URL)
	v.SetDefault("midi.nats.subject_prefix", d.MIDI.NATS.SubjectPrefix)
	v.SetDefault("midi.nats.ports", d.MIDI.NATS.Ports)
	v.SetDefault("midi.jack", d.MIDI.Jack)
	v.SetDefault("state.file", d.State.File)
	v.SetDefault("state.format", d.State.Format)
	v.SetDefault("hotplug.enabled", d.Hotplug.Enabled)
	v.SetDefault("hotplug.paths", d.Hotplug.Paths)
	v.SetDefault("hotplug.debounce", d.Hotplug.Debounce)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.console", d.Logging.Console)
}

// Load reads path, or with an empty path looks for hal.yaml (or another
// extension viper knows) in the working directory and the user config
// directory. A missing searched-for file is not an error; a missing
// explicit path is. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("hal")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "loqa-hal"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Audio.Backends) == 0 {
		errs = append(errs, errors.New("audio.backends: at least one backend is required"))
	}
	for _, b := range c.Audio.Backends {
		if !slices.Contains(knownBackends, strings.ToLower(b)) {
			errs = append(errs, fmt.Errorf("audio.backends: unknown backend %q", b))
		}
	}
	if c.Audio.InputChannels < 0 || c.Audio.InputChannels > audio.MaxChannels {
		errs = append(errs, fmt.Errorf("audio.input_channels: %d outside 0..%d", c.Audio.InputChannels, audio.MaxChannels))
	}
	if c.Audio.OutputChannels < 0 || c.Audio.OutputChannels > audio.MaxChannels {
		errs = append(errs, fmt.Errorf("audio.output_channels: %d outside 0..%d", c.Audio.OutputChannels, audio.MaxChannels))
	}
	if c.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate: %g is negative", c.Audio.SampleRate))
	}
	if c.Audio.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_size: %d is negative", c.Audio.BufferSize))
	}
	if _, err := propfile.ParseFormat(c.State.Format); err != nil {
		errs = append(errs, fmt.Errorf("state.format: %w", err))
	}
	if c.Hotplug.Enabled && c.Hotplug.Debounce <= 0 {
		errs = append(errs, errors.New("hotplug.debounce: must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// HasBackend reports whether name is enabled.
func (c *Config) HasBackend(name string) bool {
	return slices.ContainsFunc(c.Audio.Backends, func(b string) bool { return strings.EqualFold(b, name) })
}

// BackendOptions maps the enabled platform backends onto audio options.
func (c *Config) BackendOptions() audio.BackendOptions {
	opts := audio.DefaultBackendOptions()
	opts.PortAudio = c.HasBackend(BackendPortAudio)
	opts.Miniaudio = c.HasBackend(BackendMiniaudio)
	opts.Jack = c.HasBackend(BackendJack)
	opts.Oto = c.HasBackend(BackendOto)
	if c.Audio.OutputChannels > 0 {
		opts.OtoChannels = c.Audio.OutputChannels
	}
	return opts
}

// PreferredSetup returns the setup requested by the audio section, for use
// when no saved state applies. Device names are left empty so defaults or
// the preferred-device wildcard fill them in.
func (c *Config) PreferredSetup() *audio.DeviceSetup {
	if c.Audio.SampleRate == 0 && c.Audio.BufferSize == 0 {
		return nil
	}
	s := audio.NewDeviceSetup()
	s.SampleRate = c.Audio.SampleRate
	s.BufferSize = c.Audio.BufferSize
	return &s
}
