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

package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// recordingCallback counts lifecycle calls and copies input to output.
type recordingCallback struct {
	mu       sync.Mutex
	started  int
	stopped  int
	blocks   int
	errs     []error
	device   Device
	lastIn   [][]float32
	constant float32
}

func (c *recordingCallback) AboutToStart(d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	c.device = d
}

func (c *recordingCallback) Process(in, out [][]float32, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks++
	c.lastIn = make([][]float32, len(in))
	for i := range in {
		c.lastIn[i] = append([]float32(nil), in[i][:n]...)
	}
	for _, ch := range out {
		for i := 0; i < n; i++ {
			ch[i] = c.constant
		}
	}
}

func (c *recordingCallback) Stopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *recordingCallback) DeviceError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *recordingCallback) counts() (started, stopped, blocks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.stopped, c.blocks
}

func newTestType(t *testing.T) *SimulatedDeviceType {
	t.Helper()
	dt := NewSimulatedDeviceType("", zerolog.Nop())
	dt.AddDevice(SimulatedDeviceSpec{Name: "Interface", InputChannels: 2, OutputChannels: 4})
	dt.AddDevice(SimulatedDeviceSpec{Name: "Mic", InputChannels: 1, SampleRates: []float64{48000}})
	dt.SetDefaultDevices("Mic", "Interface")
	dt.ScanForDevices()
	return dt
}

func openDevice(t *testing.T, dt *SimulatedDeviceType, out, in string, inMask, outMask ChannelMask) *SimulatedDevice {
	t.Helper()
	d, err := dt.CreateDevice(out, in)
	require.NoError(t, err)
	require.NoError(t, d.Open(inMask, outMask, 0, 0))
	return d.(*SimulatedDevice)
}

func TestSimulatedDeviceType(t *testing.T) {
	t.Run("scan_lists_devices", func(t *testing.T) {
		dt := newTestType(t)
		assert.Equal(t, SimulatedTypeName, dt.TypeName())
		assert.Equal(t, []string{"Interface", "Mic"}, dt.DeviceNames(true))
		assert.Equal(t, []string{"Interface"}, dt.DeviceNames(false))
		assert.Equal(t, 1, dt.DefaultDeviceIndex(true))
		assert.Equal(t, 0, dt.DefaultDeviceIndex(false))
	})

	t.Run("unscanned_type_is_empty", func(t *testing.T) {
		dt := NewSimulatedDeviceType("Other", zerolog.Nop())
		dt.AddDevice(SimulatedDeviceSpec{Name: "X", OutputChannels: 2})
		assert.Empty(t, dt.DeviceNames(false))
	})

	t.Run("unknown_device", func(t *testing.T) {
		dt := newTestType(t)
		_, err := dt.CreateDevice("DoesNotExist_12345", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoSuchDevice)
		assert.Equal(t, "No such device: DoesNotExist_12345", err.Error())
	})

	t.Run("unified_type_rejects_mismatched_pair", func(t *testing.T) {
		dt := newTestType(t)
		dt.SetSeparateInputsAndOutputs(false)
		_, err := dt.CreateDevice("Interface", "Mic")
		assert.ErrorIs(t, err, ErrNoSuchDevice)
	})

	t.Run("hotplug_notifies_listeners", func(t *testing.T) {
		dt := newTestType(t)
		l := &countingListener{}
		dt.AddListener(l)
		dt.AddListener(l)

		dt.AddDevice(SimulatedDeviceSpec{Name: "USB", OutputChannels: 2})
		assert.Equal(t, int32(1), l.n.Load())
		assert.Contains(t, dt.DeviceNames(false), "USB")

		dt.RemoveListener(l)
		dt.RemoveDevice("USB")
		assert.Equal(t, int32(1), l.n.Load())
		assert.NotContains(t, dt.DeviceNames(false), "USB")
	})
}

type countingListener struct{ n atomic.Int32 }

func (l *countingListener) DeviceListChanged() { l.n.Add(1) }

func TestSimulatedDeviceLifecycle(t *testing.T) {
	t.Run("open_negotiates_defaults", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "Interface", ChannelRange(0, 2), ChannelRange(0, 2))
		defer d.Close()

		assert.True(t, d.IsOpen())
		assert.Equal(t, 44100.0, d.CurrentSampleRate())
		assert.Equal(t, 512, d.CurrentBufferSize())
		assert.Equal(t, 32, d.CurrentBitDepth())
		assert.Equal(t, sampleformat.Float32, d.NativeFormat().Encoding)
		assert.Equal(t, ChannelRange(0, 2), d.ActiveOutputChannels())
	})

	t.Run("channels_beyond_hardware_are_dropped", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 16))
		defer d.Close()
		assert.Equal(t, ChannelRange(0, 4), d.ActiveOutputChannels())
		assert.Equal(t, ChannelMask(0), d.ActiveInputChannels())
	})

	t.Run("open_error_is_recorded", func(t *testing.T) {
		dt := newTestType(t)
		dt.SetOpenError("Interface", errors.New("driver busy"))
		d, err := dt.CreateDevice("Interface", "")
		require.NoError(t, err)
		err = d.Open(0, ChannelRange(0, 2), 0, 0)
		require.Error(t, err)
		assert.Contains(t, d.LastError(), "driver busy")
		assert.False(t, d.IsOpen())
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		d.Close()
		d.Close()
		assert.False(t, d.IsOpen())
		assert.ErrorIs(t, d.ProcessBlock(), ErrDeviceNotOpen)
	})

	t.Run("start_on_closed_device_is_ignored", func(t *testing.T) {
		dt := newTestType(t)
		d, err := dt.CreateDevice("Interface", "")
		require.NoError(t, err)
		cb := &recordingCallback{}
		d.Start(cb)
		started, _, _ := cb.counts()
		assert.Equal(t, 0, started)
		assert.False(t, d.IsPlaying())
	})
}

func TestCallbackPairing(t *testing.T) {
	t.Run("start_then_stop", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		defer d.Close()

		cb := &recordingCallback{constant: 0.25}
		d.Start(cb)
		assert.True(t, d.IsPlaying())
		require.NoError(t, d.ProcessBlock())
		d.Stop()

		started, stopped, blocks := cb.counts()
		assert.Equal(t, 1, started)
		assert.Equal(t, 1, stopped)
		assert.Equal(t, 1, blocks)
		assert.Same(t, d, cb.device.(*SimulatedDevice))
	})

	t.Run("replacing_callback_stops_previous", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))

		a, b := &recordingCallback{}, &recordingCallback{}
		d.Start(a)
		d.Start(a)
		d.Start(b)
		d.Close()

		aStarted, aStopped, _ := a.counts()
		bStarted, bStopped, _ := b.counts()
		assert.Equal(t, 1, aStarted)
		assert.Equal(t, 1, aStopped)
		assert.Equal(t, 1, bStarted)
		assert.Equal(t, 1, bStopped)
	})

	t.Run("no_callback_means_silence", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		defer d.Close()

		require.NoError(t, d.ProcessBlock())
		for _, ch := range d.LastOutput() {
			for _, s := range ch {
				require.Equal(t, float32(0), s)
			}
		}
	})

	t.Run("panicking_callback_is_contained", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		defer d.Close()

		d.Start(&CallbackFuncs{OnProcess: func(in, out [][]float32, n int) {
			out[0][0] = 1
			panic("boom")
		}})
		require.NoError(t, d.ProcessBlock())
		assert.Equal(t, 1, d.CallbackPanics())
		assert.Equal(t, float32(0), d.LastOutput()[0][0])
	})
}

func TestSimulatedSignalPath(t *testing.T) {
	t.Run("input_reaches_callback", func(t *testing.T) {
		dt := newTestType(t)
		dt.SetInputGenerator(func(ch int, buf []float32) {
			for i := range buf {
				buf[i] = 0.125 * float32(ch+1)
			}
		})
		d := openDevice(t, dt, "Interface", "Interface", ChannelMask(0b10), ChannelMask(0b1))
		defer d.Close()

		cb := &recordingCallback{}
		d.Start(cb)
		require.NoError(t, d.ProcessBlock())

		require.Len(t, cb.lastIn, 1, "compact view has one entry per active channel")
		assert.InDelta(t, 0.25, cb.lastIn[0][0], 1e-6)
	})

	t.Run("output_lands_on_hardware_channel", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelMask(0b100))
		defer d.Close()

		d.Start(&recordingCallback{constant: 0.5})
		require.NoError(t, d.ProcessBlock())
		out := d.LastOutput()
		require.Len(t, out, 4)
		assert.Equal(t, float32(0), out[0][0])
		assert.InDelta(t, 0.5, out[2][0], 1e-6)
	})

	t.Run("integer_big_endian_hardware", func(t *testing.T) {
		dt := NewSimulatedDeviceType("", zerolog.Nop())
		dt.AddDevice(SimulatedDeviceSpec{
			Name:           "Legacy",
			OutputChannels: 2,
			Encodings:      []sampleformat.Encoding{sampleformat.Int16},
			BigEndian:      true,
		})
		dt.ScanForDevices()
		d := openDevice(t, dt, "Legacy", "", 0, ChannelRange(0, 2))
		defer d.Close()

		assert.Equal(t, 16, d.CurrentBitDepth())
		d.Start(&recordingCallback{constant: 0.5})
		require.NoError(t, d.ProcessBlock())
		assert.InDelta(t, 0.5, d.LastOutput()[1][0], 1.0/32768)
	})

	t.Run("realtime_clock_drives_blocks", func(t *testing.T) {
		dt := newTestType(t)
		dt.SetRealtime(true)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		defer d.Close()

		cb := &recordingCallback{}
		d.Start(cb)
		assert.Eventually(t, func() bool {
			_, _, blocks := cb.counts()
			return blocks >= 2
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestSimulatedFaults(t *testing.T) {
	t.Run("xrun_is_counted", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		defer d.Close()

		d.SimulateXRun()
		d.SimulateXRun()
		assert.Equal(t, 2, d.XRunCount())
		assert.True(t, d.IsOpen())
	})

	t.Run("unplug_reports_and_closes", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		cb := &recordingCallback{}
		d.Start(cb)

		dt.RemoveDevice("Interface")

		assert.False(t, d.IsOpen())
		cb.mu.Lock()
		defer cb.mu.Unlock()
		require.Len(t, cb.errs, 1)
		assert.ErrorIs(t, cb.errs[0], ErrDeviceRemoved)
		assert.Equal(t, 1, cb.stopped)
	})

	t.Run("stream_failure_requests_reset", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		defer d.Close()

		reset := make(chan struct{}, 1)
		d.SetResetHandler(func() { reset <- struct{}{} })
		d.SimulateStreamFailure(errors.New("format changed"))

		select {
		case <-reset:
		case <-time.After(time.Second):
			t.Fatal("reset handler not called")
		}
		assert.Contains(t, d.LastError(), "format changed")
	})

	t.Run("stream_failure_without_owner_closes", func(t *testing.T) {
		dt := newTestType(t)
		d := openDevice(t, dt, "Interface", "", 0, ChannelRange(0, 2))
		d.SimulateStreamFailure(errors.New("gone"))
		assert.False(t, d.IsOpen())
	})
}

func TestBackendsFactory(t *testing.T) {
	b := NewBackends(BackendOptions{}, zerolog.Nop())
	assert.Empty(t, b.Types)
	assert.NoError(t, b.Close())

	opts := DefaultBackendOptions()
	assert.True(t, opts.PortAudio && opts.Miniaudio && opts.Jack && opts.Oto)
	assert.Equal(t, 2, opts.OtoChannels)
}
