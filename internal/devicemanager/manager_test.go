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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-hal/internal/audio"
	"github.com/loqalabs/loqa-hal/internal/midi"
)

// constantCallback writes one value to every output sample and counts its
// lifecycle calls.
type constantCallback struct {
	value   float32
	started atomic.Int32
	stopped atomic.Int32

	mu   sync.Mutex
	errs []error
}

func (c *constantCallback) AboutToStart(audio.Device) { c.started.Add(1) }
func (c *constantCallback) Stopped()                  { c.stopped.Add(1) }

func (c *constantCallback) Process(_, out [][]float32, n int) {
	for _, ch := range out {
		for i := 0; i < n; i++ {
			ch[i] = c.value
		}
	}
}

func (c *constantCallback) DeviceError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *constantCallback) errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

type panickingCallback struct{}

func (panickingCallback) AboutToStart(audio.Device) {}
func (panickingCallback) Stopped()                  {}
func (panickingCallback) Process(_, out [][]float32, n int) {
	out[0][0] = 99
	panic("callback failure")
}

// newTestType returns a simulated type with an interface, a pair of
// speakers and a microphone. The OS defaults are the microphone and the
// speakers.
func newTestType() *audio.SimulatedDeviceType {
	typ := audio.NewSimulatedDeviceType("", zerolog.Nop())
	typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Interface", InputChannels: 2, OutputChannels: 2, SampleRates: []float64{44100, 48000, 96000}})
	typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Speakers", OutputChannels: 2, SampleRates: []float64{22050, 44100, 48000}})
	typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Mic", InputChannels: 1})
	typ.SetDefaultDevices("Mic", "Speakers")
	return typ
}

func newTestManager(t *testing.T, types ...audio.DeviceType) *Manager {
	t.Helper()
	if len(types) == 0 {
		types = []audio.DeviceType{newTestType()}
	}
	return New(types, nil, zerolog.Nop())
}

func simulated(t *testing.T, m *Manager) *audio.SimulatedDevice {
	t.Helper()
	dev, ok := m.CurrentAudioDevice().(*audio.SimulatedDevice)
	require.True(t, ok, "expected an open simulated device")
	return dev
}

func processBlock(t *testing.T, m *Manager) [][]float32 {
	t.Helper()
	dev := simulated(t, m)
	require.NoError(t, dev.ProcessBlock())
	return dev.LastOutput()
}

func assertAll(t *testing.T, out [][]float32, want float32) {
	t.Helper()
	for ch, buf := range out {
		for i, v := range buf {
			if !assert.InDelta(t, want, v, 1e-6, "channel %d sample %d", ch, i) {
				return
			}
		}
	}
}

func TestInitialiseDefaults(t *testing.T) {
	t.Run("opens_os_default_output", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		dev := m.CurrentAudioDevice()
		require.NotNil(t, dev)
		assert.True(t, dev.IsPlaying())

		setup := m.AudioDeviceSetup()
		assert.Equal(t, "Speakers", setup.OutputDeviceName)
		assert.Empty(t, setup.InputDeviceName)
		assert.Equal(t, audio.ChannelRange(0, 2), setup.OutputChannels)
		assert.Equal(t, 44100.0, setup.SampleRate)
		assert.Equal(t, 512, setup.BufferSize)
		assert.Equal(t, audio.SimulatedTypeName, m.CurrentDeviceTypeName())
	})

	t.Run("opens_default_input_when_needed", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		require.NoError(t, m.InitialiseWithDefaultDevices(1, 2))

		setup := m.AudioDeviceSetup()
		assert.Equal(t, "Mic", setup.InputDeviceName)
		assert.Equal(t, audio.ChannelMask(0b1), setup.InputChannels)
	})

	t.Run("defaults_are_not_remembered", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		assert.Nil(t, m.CreateStateXML())
	})

	t.Run("no_types", func(t *testing.T) {
		m := New(nil, nil, zerolog.Nop())
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		assert.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		assert.Nil(t, m.CurrentAudioDevice())

		err := m.SetAudioDeviceSetup(audio.DeviceSetup{OutputDeviceName: "Speakers"}, true)
		assert.ErrorIs(t, err, ErrNoDeviceTypes)
	})
}

func TestSetAudioDeviceSetup(t *testing.T) {
	t.Run("unknown_device_leaves_current_running", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		cb := &constantCallback{value: 0.25}
		m.AddAudioCallback(cb)
		before := m.CurrentAudioDevice()

		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "DoesNotExist_12345"
		err := m.SetAudioDeviceSetup(setup, true)

		require.Error(t, err)
		assert.Equal(t, "No such device: DoesNotExist_12345", err.Error())
		assert.ErrorIs(t, err, audio.ErrNoSuchDevice)

		assert.Same(t, before, m.CurrentAudioDevice())
		assert.True(t, before.IsOpen())
		assert.True(t, before.IsPlaying())
		assert.Equal(t, int32(0), cb.stopped.Load())
		assertAll(t, processBlock(t, m), 0.25)
		assert.Nil(t, m.CreateStateXML())
	})

	t.Run("equal_setup_does_not_restart", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		cb := &constantCallback{}
		m.AddAudioCallback(cb)
		require.Equal(t, int32(1), cb.started.Load())

		require.NoError(t, m.SetAudioDeviceSetup(m.AudioDeviceSetup(), true))
		assert.Equal(t, int32(1), cb.started.Load())
		assert.Equal(t, int32(0), cb.stopped.Load())
	})

	t.Run("same_device_is_reused", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		cb := &constantCallback{}
		m.AddAudioCallback(cb)
		before := m.CurrentAudioDevice()

		setup := m.AudioDeviceSetup()
		setup.BufferSize = 256
		setup.SampleRate = 48000
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))

		assert.Same(t, before, m.CurrentAudioDevice())
		assert.Equal(t, 256, m.AudioDeviceSetup().BufferSize)
		assert.Equal(t, 48000.0, m.AudioDeviceSetup().SampleRate)
		assert.Equal(t, int32(2), cb.started.Load())
		assert.Equal(t, int32(1), cb.stopped.Load())
	})

	t.Run("new_device_name_creates_device", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		before := m.CurrentAudioDevice()
		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "Interface"
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))

		assert.NotSame(t, before, m.CurrentAudioDevice())
		assert.False(t, before.IsOpen())
		assert.Equal(t, "Interface", m.CurrentAudioDevice().Name())
	})

	t.Run("nearest_rate", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		for _, requested := range []float64{0, 96000} {
			setup := m.AudioDeviceSetup()
			setup.SampleRate = requested
			setup.BufferSize = 128
			require.NoError(t, m.SetAudioDeviceSetup(setup, false))
			assert.Equal(t, 44100.0, m.AudioDeviceSetup().SampleRate, "requested %v", requested)
		}
	})

	t.Run("explicit_channels", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		setup := audio.DeviceSetup{
			OutputDeviceName:        "Interface",
			InputDeviceName:         "Interface",
			OutputChannels:          0b10,
			InputChannels:           0b01,
			UseDefaultInputChannels: false,
		}
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))

		dev := m.CurrentAudioDevice()
		assert.Equal(t, audio.ChannelMask(0b10), dev.ActiveOutputChannels())
		assert.Equal(t, audio.ChannelMask(0b01), dev.ActiveInputChannels())
	})

	t.Run("no_device_is_valid", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		cb := &constantCallback{}
		m.AddAudioCallback(cb)
		before := m.CurrentAudioDevice()

		require.NoError(t, m.SetAudioDeviceSetup(audio.NewDeviceSetup(), true))
		assert.Nil(t, m.CurrentAudioDevice())
		assert.False(t, before.IsOpen())
		assert.Equal(t, int32(1), cb.stopped.Load())
	})

	t.Run("open_failure_closes_device", func(t *testing.T) {
		typ := newTestType()
		m := newTestManager(t, typ)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		typ.SetOpenError("Interface", errors.New("device busy"))
		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "Interface"
		err := m.SetAudioDeviceSetup(setup, true)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "device busy")
		assert.Nil(t, m.CurrentAudioDevice())
	})
}

func TestCallbackFanOut(t *testing.T) {
	setup := func(t *testing.T) *Manager {
		m := newTestManager(t)
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		return m
	}

	t.Run("no_callbacks_is_silence", func(t *testing.T) {
		m := setup(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		assertAll(t, processBlock(t, m), 0)
	})

	t.Run("callbacks_are_summed", func(t *testing.T) {
		m := setup(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		one := &constantCallback{value: 1}
		half := &constantCallback{value: 0.5}
		m.AddAudioCallback(one)
		m.AddAudioCallback(half)
		assertAll(t, processBlock(t, m), 1.5)

		m.RemoveAudioCallback(one)
		assertAll(t, processBlock(t, m), 0.5)
		assert.Equal(t, int32(1), one.stopped.Load())

		m.AddAudioCallback(one)
		m.RemoveAudioCallback(half)
		assertAll(t, processBlock(t, m), 1)
	})

	t.Run("three_callbacks", func(t *testing.T) {
		m := setup(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		for _, v := range []float32{1, 0.5, 0.25} {
			m.AddAudioCallback(&constantCallback{value: v})
		}
		assertAll(t, processBlock(t, m), 1.75)
	})

	t.Run("duplicate_add_is_ignored", func(t *testing.T) {
		m := setup(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		cb := &constantCallback{value: 0.5}
		m.AddAudioCallback(cb)
		m.AddAudioCallback(cb)
		assert.Equal(t, int32(1), cb.started.Load())
		assertAll(t, processBlock(t, m), 0.5)
	})

	t.Run("panicking_callback_contributes_silence", func(t *testing.T) {
		m := setup(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		m.AddAudioCallback(&panickingCallback{})
		m.AddAudioCallback(&constantCallback{value: 1})
		m.AddAudioCallback(&panickingCallback{})
		m.AddAudioCallback(&constantCallback{value: 0.5})

		assertAll(t, processBlock(t, m), 1.5)
		assert.Equal(t, int64(2), m.CallbackPanics())
	})

	t.Run("callback_added_before_open", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		cb := &constantCallback{value: 0.5}
		m.AddAudioCallback(cb)
		assert.Equal(t, int32(0), cb.started.Load())

		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		assert.Equal(t, int32(1), cb.started.Load())
		assertAll(t, processBlock(t, m), 0.5)
	})
}

func TestCloseAndRestart(t *testing.T) {
	m := newTestManager(t)
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup
	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

	cb := &constantCallback{value: 0.5}
	m.AddAudioCallback(cb)

	m.CloseAudioDevice()
	assert.Nil(t, m.CurrentAudioDevice())
	assert.Equal(t, int32(1), cb.stopped.Load())

	require.NoError(t, m.RestartLastAudioDevice())
	require.NotNil(t, m.CurrentAudioDevice())
	assert.Equal(t, "Speakers", m.AudioDeviceSetup().OutputDeviceName)
	assert.Equal(t, int32(2), cb.started.Load())
	assertAll(t, processBlock(t, m), 0.5)

	require.NoError(t, m.RestartLastAudioDevice())
	assert.Equal(t, int32(2), cb.started.Load())
}

func TestPreferredDeviceWildcard(t *testing.T) {
	newTypes := func() (*audio.SimulatedDeviceType, *audio.SimulatedDeviceType) {
		alpha := audio.NewSimulatedDeviceType("Alpha", zerolog.Nop())
		alpha.AddDevice(audio.SimulatedDeviceSpec{Name: "USB Audio", OutputChannels: 2})
		alpha.AddDevice(audio.SimulatedDeviceSpec{Name: "Built-in Output", OutputChannels: 2})
		beta := audio.NewSimulatedDeviceType("Beta", zerolog.Nop())
		beta.AddDevice(audio.SimulatedDeviceSpec{Name: "USB Audio Pro", InputChannels: 2, OutputChannels: 2})
		return alpha, beta
	}

	t.Run("later_type_with_both_sides_wins", func(t *testing.T) {
		alpha, beta := newTypes()
		m := newTestManager(t, alpha, beta)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		require.NoError(t, m.Initialise(0, 2, nil, false, "usb*", nil))
		assert.Equal(t, "Beta", m.CurrentDeviceTypeName())
		assert.Equal(t, "USB Audio Pro", m.AudioDeviceSetup().OutputDeviceName)
	})

	t.Run("single_side_match", func(t *testing.T) {
		alpha, beta := newTypes()
		m := newTestManager(t, alpha, beta)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		require.NoError(t, m.Initialise(0, 2, nil, false, "BUILT-IN ?utput", nil))
		assert.Equal(t, "Alpha", m.CurrentDeviceTypeName())
		assert.Equal(t, "Built-in Output", m.AudioDeviceSetup().OutputDeviceName)
	})

	t.Run("no_match_uses_defaults", func(t *testing.T) {
		alpha, beta := newTypes()
		m := newTestManager(t, alpha, beta)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		require.NoError(t, m.Initialise(0, 2, nil, false, "nothing*", nil))
		assert.Equal(t, "Alpha", m.CurrentDeviceTypeName())
		assert.Equal(t, "USB Audio", m.AudioDeviceSetup().OutputDeviceName)
	})
}

func TestSetCurrentDeviceType(t *testing.T) {
	first := newTestType()
	second := audio.NewSimulatedDeviceType("Second", zerolog.Nop())
	second.AddDevice(audio.SimulatedDeviceSpec{Name: "Headphones", OutputChannels: 2})

	m := newTestManager(t, first, second)
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup
	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

	require.NoError(t, m.SetCurrentDeviceType("Second", true))
	assert.Equal(t, "Second", m.CurrentDeviceTypeName())
	assert.Equal(t, "Headphones", m.CurrentAudioDevice().Name())

	require.NoError(t, m.SetCurrentDeviceType(audio.SimulatedTypeName, false))
	assert.Equal(t, "Speakers", m.CurrentAudioDevice().Name())

	assert.Error(t, m.SetCurrentDeviceType("Missing", false))
}

func TestDeviceReset(t *testing.T) {
	m := newTestManager(t)
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup
	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

	setup := m.AudioDeviceSetup()
	setup.OutputDeviceName = "Interface"
	setup.BufferSize = 256
	setup.SampleRate = 48000
	setup.OutputChannels = 0b10
	setup.UseDefaultOutputChannels = false
	require.NoError(t, m.SetAudioDeviceSetup(setup, true))

	cb := &constantCallback{value: 0.5}
	m.AddAudioCallback(cb)
	before := simulated(t, m)

	before.SimulateStreamFailure(errors.New("stream format changed"))

	require.Eventually(t, func() bool {
		dev := m.CurrentAudioDevice()
		return dev != nil && dev != audio.Device(before) && dev.IsPlaying()
	}, time.Second, 5*time.Millisecond)

	after := m.AudioDeviceSetup()
	assert.Equal(t, "Interface", after.OutputDeviceName)
	assert.Equal(t, 256, after.BufferSize)
	assert.Equal(t, 48000.0, after.SampleRate)
	assert.Equal(t, audio.ChannelMask(0b10), after.OutputChannels)
	assert.Equal(t, int64(1), m.DeviceRestarts())

	assert.Equal(t, int32(2), cb.started.Load())
	assert.Equal(t, int32(1), cb.stopped.Load())
	require.Len(t, cb.errors(), 1)
	assert.Contains(t, cb.errors()[0].Error(), "stream format changed")
}

func TestDeviceUnplug(t *testing.T) {
	t.Run("falls_back_to_default", func(t *testing.T) {
		typ := newTestType()
		m := newTestManager(t, typ)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		setup := m.AudioDeviceSetup()
		setup.OutputDeviceName = "Interface"
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))

		cb := &constantCallback{value: 0.5}
		m.AddAudioCallback(cb)

		typ.RemoveDevice("Interface")

		require.NotNil(t, m.CurrentAudioDevice())
		assert.Equal(t, "Speakers", m.AudioDeviceSetup().OutputDeviceName)
		assert.True(t, m.CurrentAudioDevice().IsPlaying())
		assert.Equal(t, int32(2), cb.started.Load())
		assertAll(t, processBlock(t, m), 0.5)

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Equal(t, "Interface", state.OutputDeviceName)
	})

	t.Run("reopens_when_reconnected", func(t *testing.T) {
		typ := audio.NewSimulatedDeviceType("", zerolog.Nop())
		typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Interface", OutputChannels: 2})

		m := newTestManager(t, typ)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		saved := &State{DeviceType: audio.SimulatedTypeName, OutputDeviceName: "Interface"}
		require.NoError(t, m.Initialise(0, 2, saved, true, "", nil))

		cb := &constantCallback{value: 0.5}
		m.AddAudioCallback(cb)

		typ.RemoveDevice("Interface")
		assert.Nil(t, m.CurrentAudioDevice())
		assert.Equal(t, int32(1), cb.stopped.Load())

		typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Interface", OutputChannels: 2})
		require.NotNil(t, m.CurrentAudioDevice())
		assert.Equal(t, "Interface", m.CurrentAudioDevice().Name())
		assert.Equal(t, int32(2), cb.started.Load())
		assertAll(t, processBlock(t, m), 0.5)
	})

	t.Run("closed_by_user_stays_closed", func(t *testing.T) {
		typ := audio.NewSimulatedDeviceType("", zerolog.Nop())
		typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Interface", OutputChannels: 2})

		m := newTestManager(t, typ)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.Initialise(0, 2, nil, false, "", nil))
		setup := m.AudioDeviceSetup()
		m.CloseAudioDevice()
		require.NoError(t, m.SetAudioDeviceSetup(setup, true))
		m.CloseAudioDevice()

		typ.AddDevice(audio.SimulatedDeviceSpec{Name: "Other", OutputChannels: 2})
		assert.Nil(t, m.CurrentAudioDevice())
	})
}

func TestMeters(t *testing.T) {
	t.Run("input_level", func(t *testing.T) {
		typ := newTestType()
		typ.SetInputGenerator(func(_ int, buf []float32) {
			for i := range buf {
				buf[i] = -0.5
			}
		})
		m := newTestManager(t, typ)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(1, 2))

		processBlock(t, m)
		assert.Equal(t, 0.0, m.InputLevel())

		m.EnableInputLevelMeasurement(true)
		processBlock(t, m)
		assert.InDelta(t, 0.5, m.InputLevel(), 1e-3)
	})

	t.Run("output_level", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		m.EnableOutputLevelMeasurement(true)
		m.AddAudioCallback(&constantCallback{value: 0.25})
		processBlock(t, m)
		assert.InDelta(t, 0.25, m.OutputLevel(), 1e-3)
	})

	t.Run("cpu_usage_in_range", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		m.AddAudioCallback(&constantCallback{value: 0.25})
		for i := 0; i < 4; i++ {
			processBlock(t, m)
		}
		assert.GreaterOrEqual(t, m.CPUUsage(), 0.0)
		assert.LessOrEqual(t, m.CPUUsage(), 1.0)
	})

	t.Run("device_xruns_are_counted", func(t *testing.T) {
		m := newTestManager(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

		simulated(t, m).SimulateXRun()
		simulated(t, m).SimulateXRun()
		assert.GreaterOrEqual(t, m.XRunCount(), 2)
	})
}

func TestPlayTestSound(t *testing.T) {
	m := newTestManager(t)
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup
	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

	m.AddAudioCallback(&constantCallback{value: 0.25})
	m.PlayTestSound()
	require.True(t, m.IsPlayingTestSound())

	want := synthTestTone(44100)
	out := processBlock(t, m)
	for ch := range out {
		for i, v := range out[ch] {
			require.InDelta(t, 0.25+want[i], v, 1e-6, "channel %d sample %d", ch, i)
		}
	}

	blocks := (len(want) + 511) / 512
	for i := 1; i < blocks; i++ {
		processBlock(t, m)
	}
	assert.False(t, m.IsPlayingTestSound())
	assertAll(t, processBlock(t, m), 0.25)
}

func TestMidiRouting(t *testing.T) {
	newMidi := func(t *testing.T) (*Manager, *midi.VirtualBackend) {
		vb := midi.NewVirtualBackend("", "Keys", "Pads")
		sys := midi.NewSystem(zerolog.Nop(), vb)
		m := New([]audio.DeviceType{newTestType()}, sys, zerolog.Nop())
		require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
		return m, vb
	}
	noteOn := midi.NoteOn(1, 60, 100).Data

	t.Run("subscriptions_follow_device_filter", func(t *testing.T) {
		m, vb := newMidi(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		first := &midiRecorder{}
		pads := &midiRecorder{}
		m.AddMidiInputCallback("", first)
		m.AddMidiInputCallback("Pads", pads)

		require.NoError(t, m.SetMidiInputEnabled("Keys", true))
		require.NoError(t, m.SetMidiInputEnabled("Pads", true))
		assert.Equal(t, []string{"Keys", "Pads"}, m.EnabledMidiInputs())

		vb.Inject("Keys", noteOn)
		vb.Inject("Pads", noteOn)
		assert.Equal(t, []string{"Keys"}, first.sources())
		assert.Equal(t, []string{"Pads"}, pads.sources())

		require.NoError(t, m.SetMidiInputEnabled("Keys", false))
		assert.False(t, m.IsMidiInputEnabled("Keys"))
		vb.Inject("Pads", noteOn)
		assert.Equal(t, []string{"Keys", "Pads"}, first.sources())

		m.RemoveMidiInputCallback("Pads", pads)
		vb.Inject("Pads", noteOn)
		assert.Len(t, pads.sources(), 2)
	})

	t.Run("active_sensing_is_filtered", func(t *testing.T) {
		m, vb := newMidi(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		r := &midiRecorder{}
		m.AddMidiInputCallback("Keys", r)
		require.NoError(t, m.SetMidiInputEnabled("Keys", true))

		vb.Inject("Keys", []byte{midi.ActiveSensing})
		vb.Inject("Keys", noteOn)
		assert.Len(t, r.sources(), 1)
		assert.Equal(t, int64(1), m.MidiMessagesReceived())
	})

	t.Run("unknown_port", func(t *testing.T) {
		m, _ := newMidi(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		err := m.SetMidiInputEnabled("Nope", true)
		assert.ErrorIs(t, err, midi.ErrNoSuchPort)
		assert.Nil(t, m.CreateStateXML())
	})

	t.Run("disconnected_input_is_remembered", func(t *testing.T) {
		m, vb := newMidi(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		r := &midiRecorder{}
		m.AddMidiInputCallback("Keys", r)
		require.NoError(t, m.SetMidiInputEnabled("Keys", true))

		vb.RemovePort("Keys")
		assert.False(t, m.IsMidiInputEnabled("Keys"))
		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Equal(t, []string{"Keys"}, state.MidiInputNames())

		vb.AddPort("Keys")
		assert.True(t, m.IsMidiInputEnabled("Keys"))
		vb.Inject("Keys", noteOn)
		assert.Len(t, r.sources(), 1)
	})

	t.Run("restore_from_state", func(t *testing.T) {
		m, vb := newMidi(t)
		defer func() { _ = m.Close() }() // Ignore errors during test cleanup

		saved := &State{
			MidiInputs:        []MidiInputState{{Name: "Pads"}, {Name: "Ghost"}},
			DefaultMidiOutput: "Keys",
		}
		require.NoError(t, m.Initialise(0, 2, saved, false, "", nil))

		assert.Equal(t, []string{"Pads"}, m.EnabledMidiInputs())
		assert.Equal(t, "Keys", m.DefaultMidiOutputName())
		assert.Equal(t, "Speakers", m.AudioDeviceSetup().OutputDeviceName)

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.False(t, state.HasAudio())
		assert.Equal(t, []string{"Pads", "Ghost"}, state.MidiInputNames())

		vb.AddPort("Ghost")
		assert.Equal(t, []string{"Pads", "Ghost"}, m.EnabledMidiInputs())
	})
}

func TestDefaultMidiOutput(t *testing.T) {
	vb := midi.NewVirtualBackend("", "Synth")
	sys := midi.NewSystem(zerolog.Nop(), vb)
	m := New([]audio.DeviceType{newTestType()}, sys, zerolog.Nop())
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup
	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

	cb := &constantCallback{value: 0.5}
	m.AddAudioCallback(cb)

	t.Run("swap_pauses_audio_callbacks", func(t *testing.T) {
		require.NoError(t, m.SetDefaultMidiOutput("Synth"))
		assert.Equal(t, int32(1), cb.stopped.Load())
		assert.Equal(t, int32(2), cb.started.Load())
		assertAll(t, processBlock(t, m), 0.5)

		require.NoError(t, m.SetDefaultMidiOutput("Synth"))
		assert.Equal(t, int32(2), cb.started.Load())
	})

	t.Run("sends_through_default", func(t *testing.T) {
		r := &midiRecorder{}
		m.AddMidiInputCallback("Synth", r)
		require.NoError(t, m.SetMidiInputEnabled("Synth", true))

		out := m.DefaultMidiOutput()
		require.NotNil(t, out)
		require.NoError(t, out.SendNow(midi.ControlChange(1, 7, 100)))
		assert.Len(t, r.sources(), 1)

		state := m.CreateStateXML()
		require.NotNil(t, state)
		assert.Equal(t, "Synth", state.DefaultMidiOutput)
	})

	t.Run("unknown_output_clears_default", func(t *testing.T) {
		err := m.SetDefaultMidiOutput("Nope")
		assert.ErrorIs(t, err, midi.ErrNoSuchPort)
		assert.Nil(t, m.DefaultMidiOutput())
		assert.Empty(t, m.DefaultMidiOutputName())
	})
}

func TestChangeListener(t *testing.T) {
	m := newTestManager(t)
	defer func() { _ = m.Close() }() // Ignore errors during test cleanup

	var calls atomic.Int32
	remove := m.AddChangeListener(func() { calls.Add(1) })

	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	remove()
	time.Sleep(20 * time.Millisecond)
	seen := calls.Load()

	setup := m.AudioDeviceSetup()
	setup.BufferSize = 128
	require.NoError(t, m.SetAudioDeviceSetup(setup, false))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, calls.Load())
}

func TestManagerClose(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.InitialiseWithDefaultDevices(0, 2))

	cb := &constantCallback{}
	m.AddAudioCallback(cb)
	dev := m.CurrentAudioDevice()

	require.NoError(t, m.Close())
	assert.False(t, dev.IsOpen())
	assert.Equal(t, int32(1), cb.stopped.Load())

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.InitialiseWithDefaultDevices(0, 2), ErrManagerClosed)
	assert.ErrorIs(t, m.RestartLastAudioDevice(), ErrManagerClosed)
}

type midiRecorder struct {
	mu   sync.Mutex
	from []string
}

func (r *midiRecorder) HandleMessage(src *midi.Input, _ midi.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, src.Name())
}

func (r *midiRecorder) HandlePartialSysex(*midi.Input, []byte, float64) {}

func (r *midiRecorder) sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.from...)
}
