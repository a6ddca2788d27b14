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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"portaudio", "miniaudio", "jack", "oto"}, cfg.Audio.Backends)
	assert.Equal(t, 2, cfg.Audio.OutputChannels)
	assert.Equal(t, "binary", cfg.State.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Hotplug.Debounce)
	assert.Nil(t, cfg.PreferredSetup())
}

func TestLoad(t *testing.T) {
	t.Run("file_values", func(t *testing.T) {
		path := writeConfig(t, `
audio:
  backends: [simulated, jack]
  preferred_device: "*USB*"
  output_channels: 8
  sample_rate: 96000
  buffer_size: 128
midi:
  virtual_ports: [Keys, Pads]
  nats:
    url: nats://localhost:4222
    ports: [stage]
state:
  format: xml
hotplug:
  debounce: 1s
logging:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"simulated", "jack"}, cfg.Audio.Backends)
		assert.Equal(t, "*USB*", cfg.Audio.PreferredDevice)
		assert.Equal(t, 8, cfg.Audio.OutputChannels)
		assert.Equal(t, 2, cfg.Audio.InputChannels, "unset keys keep defaults")
		assert.Equal(t, []string{"Keys", "Pads"}, cfg.MIDI.VirtualPorts)
		assert.Equal(t, "nats://localhost:4222", cfg.MIDI.NATS.URL)
		assert.Equal(t, "loqa.midi", cfg.MIDI.NATS.SubjectPrefix)
		assert.Equal(t, []string{"stage"}, cfg.MIDI.NATS.Ports)
		assert.Equal(t, "xml", cfg.State.Format)
		assert.Equal(t, time.Second, cfg.Hotplug.Debounce)
		assert.Equal(t, "debug", cfg.Logging.Level)

		opts := cfg.BackendOptions()
		assert.True(t, opts.Jack)
		assert.False(t, opts.PortAudio)
		assert.False(t, opts.Miniaudio)
		assert.Equal(t, 8, opts.OtoChannels)
		assert.True(t, cfg.HasBackend("Simulated"))

		setup := cfg.PreferredSetup()
		require.NotNil(t, setup)
		assert.Equal(t, 96000.0, setup.SampleRate)
		assert.Equal(t, 128, setup.BufferSize)
		assert.Empty(t, setup.OutputDeviceName)
	})

	t.Run("environment_overrides_file", func(t *testing.T) {
		path := writeConfig(t, "audio:\n  sample_rate: 44100\n")
		t.Setenv("LOQA_HAL_AUDIO_SAMPLE_RATE", "48000")
		t.Setenv("LOQA_HAL_LOGGING_CONSOLE", "false")
		t.Setenv("LOQA_HAL_AUDIO_BACKENDS", "simulated,oto")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 48000.0, cfg.Audio.SampleRate)
		assert.False(t, cfg.Logging.Console)
		assert.Equal(t, []string{"simulated", "oto"}, cfg.Audio.Backends)
	})

	t.Run("missing_explicit_file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("search_without_file_uses_defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("HOME", t.TempDir())

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Audio, cfg.Audio)
	})

	t.Run("invalid_values_are_rejected", func(t *testing.T) {
		path := writeConfig(t, `
audio:
  backends: [coreaudio]
  output_channels: 65
state:
  format: yaml
logging:
  level: loud
`)
		_, err := Load(path)
		require.Error(t, err)
		msg := err.Error()
		assert.Contains(t, msg, `unknown backend "coreaudio"`)
		assert.Contains(t, msg, "audio.output_channels")
		assert.Contains(t, msg, "state.format")
		assert.Contains(t, msg, "logging.level")
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Audio.Backends = nil
	cfg.Hotplug.Debounce = 0
	cfg.Audio.BufferSize = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one backend")
	assert.Contains(t, err.Error(), "hotplug.debounce")
	assert.Contains(t, err.Error(), "audio.buffer_size")

	cfg = Default()
	cfg.Hotplug.Enabled = false
	cfg.Hotplug.Debounce = 0
	assert.NoError(t, cfg.Validate())
}
