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

package devicemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-hal/internal/audio"
)

func TestStateXML(t *testing.T) {
	t.Run("parse_full_element", func(t *testing.T) {
		data := []byte(`<DEVICESETUP deviceType="Simulated" audioOutputDeviceName="Interface"
			audioInputDeviceName="Mic" audioDeviceRate="48000" audioDeviceBufferSize="256"
			audioDeviceOutChans="10" defaultMidiOutput="Synth">
			<MIDIINPUT name="Keys"/>
			<MIDIINPUT name="Pads"/>
		</DEVICESETUP>`)

		s, err := ParseState(data)
		require.NoError(t, err)
		assert.Equal(t, "Simulated", s.DeviceType)
		assert.Equal(t, "Interface", s.OutputDeviceName)
		assert.Equal(t, "Mic", s.InputDeviceName)
		assert.Equal(t, 48000.0, s.SampleRate)
		assert.Equal(t, 256, s.BufferSize)
		assert.Nil(t, s.InputChannels)
		require.NotNil(t, s.OutputChannels)
		assert.Equal(t, "10", *s.OutputChannels)
		assert.Equal(t, "Synth", s.DefaultMidiOutput)
		assert.Equal(t, []string{"Keys", "Pads"}, s.MidiInputNames())

		setup := s.applyTo(audio.NewDeviceSetup())
		assert.True(t, setup.UseDefaultInputChannels)
		assert.False(t, setup.UseDefaultOutputChannels)
		assert.Equal(t, audio.ChannelMask(0b10), setup.OutputChannels)
	})

	t.Run("legacy_device_name", func(t *testing.T) {
		s, err := ParseState([]byte(`<DEVICESETUP audioDeviceName="Interface"/>`))
		require.NoError(t, err)

		setup := s.applyTo(audio.NewDeviceSetup())
		assert.Equal(t, "Interface", setup.InputDeviceName)
		assert.Equal(t, "Interface", setup.OutputDeviceName)
	})

	t.Run("wrong_root", func(t *testing.T) {
		_, err := ParseState([]byte(`<PROPERTIES/>`))
		assert.Error(t, err)

		_, err = ParseState([]byte(`not xml`))
		assert.Error(t, err)
	})

	t.Run("absent_attributes_are_omitted", func(t *testing.T) {
		s := &State{DeviceType: "Simulated", OutputDeviceName: "Speakers"}
		data, err := s.Marshal()
		require.NoError(t, err)

		text := string(data)
		assert.Contains(t, text, `<DEVICESETUP`)
		assert.Contains(t, text, `audioOutputDeviceName="Speakers"`)
		assert.NotContains(t, text, "audioDeviceInChans")
		assert.NotContains(t, text, "audioDeviceBufferSize")
		assert.NotContains(t, text, "MIDIINPUT")
	})

	t.Run("clone_is_deep", func(t *testing.T) {
		s := &State{OutputChannels: maskAttr(0b11), MidiInputs: []MidiInputState{{Name: "Keys"}}}
		c := s.Clone()
		*c.OutputChannels = "1"
		c.MidiInputs[0].Name = "Pads"

		assert.Equal(t, "11", *s.OutputChannels)
		assert.Equal(t, "Keys", s.MidiInputs[0].Name)
	})
}

func TestManagerState(t *testing.T) {
	chooseInterface := func(t *testing.T, m *Manager) {
		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "Interface"
		setup.BufferSize = 256
		setup.OutputChannels = 0b01
		setup.UseDefaultOutputChannels = false
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))
	}

	t.Run("explicit_choice_round_trip", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		chooseInterface(t, m)

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Equal(t, audio.SimulatedTypeName, state.DeviceType)
		assert.Equal(t, "Interface", state.OutputDeviceName)
		assert.Equal(t, 44100.0, state.SampleRate)
		assert.Equal(t, 256, state.BufferSize)
		require.NotNil(t, state.OutputChannels)
		assert.Equal(t, "1", *state.OutputChannels)
		assert.Nil(t, state.InputChannels)

		data, err := state.Marshal()
		require.NoError(t, err)
		parsed, err := ParseState(data)
		require.NoError(t, err)

		other := newTestManager(t)
		defer func() { _ = other.Close() }() // Ignore errors during test cleanup
		require.NoError(t, other.Initialise(0, 2, parsed, false, "", nil))

		setup := other.AudioDeviceSetup()
		assert.Equal(t, "Interface", setup.OutputDeviceName)
		assert.Equal(t, 256, setup.BufferSize)
		assert.Equal(t, audio.ChannelMask(0b01), setup.OutputChannels)
		assert.False(t, setup.UseDefaultOutputChannels)
	})

	t.Run("default_buffer_size_is_not_saved", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "Interface"
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Zero(t, state.BufferSize)
		assert.Nil(t, state.OutputChannels)
	})

	t.Run("temporary_device_keeps_explicit_state", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		chooseInterface(t, m)

		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "Speakers"
		require.NoError(t, m.SetAudioDeviceSetup(setup, false))
		assert.Equal(t, "Speakers", m.CurrentAudioDevice().Name())

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Equal(t, "Interface", state.OutputDeviceName)
	})

	t.Run("missing_saved_device_falls_back", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		saved := &State{DeviceType: audio.SimulatedTypeName, OutputDeviceName: "Gone"}
		require.NoError(t, m.Initialise(0, 2, saved, true, "", nil))
		assert.Equal(t, "Speakers", m.AudioDeviceSetup().OutputDeviceName)

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Equal(t, "Gone", state.OutputDeviceName)
	})

	t.Run("missing_saved_device_without_fallback", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		saved := &State{DeviceType: audio.SimulatedTypeName, OutputDeviceName: "Gone"}
		err := m.Initialise(0, 2, saved, false, "", nil)
		require.Error(t, err)
		assert.Equal(t, "No such device: Gone", err.Error())
		assert.Nil(t, m.CurrentAudioDevice())
	})

	t.Run("unknown_saved_type_is_resolved_by_device_name", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		saved := &State{DeviceType: "ASIO", OutputDeviceName: "Interface"}
		require.NoError(t, m.Initialise(0, 2, saved, false, "", nil))
		assert.Equal(t, audio.SimulatedTypeName, m.CurrentDeviceTypeName())
		assert.Equal(t, "Interface", m.CurrentAudioDevice().Name())
	})

	t.Run("legacy_name_opens_both_sides", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		saved, err := ParseState([]byte(`<DEVICESETUP deviceType="Simulated" audioDeviceName="Interface"/>`))
		require.NoError(t, err)
		require.NoError(t, m.Initialise(2, 2, saved, false, "", nil))

		dev := m.CurrentAudioDevice()
		assert.Equal(t, audio.ChannelMask(0b11), dev.ActiveInputChannels())
		assert.Equal(t, audio.ChannelMask(0b11), dev.ActiveOutputChannels())
	})

	t.Run("explicit_no_device", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		require.NoError(t, m.SetAudioDeviceSetup(audio.NewDeviceSetup(), true))
		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Empty(t, state.OutputDeviceName)

		other := newTestManager(t)
		defer func() { _ = other.Close() }() // Ignore errors during test cleanup
		require.NoError(t, other.Initialise(0, 2, state, true, "", nil))
		assert.Nil(t, other.CurrentAudioDevice())
	})
}
