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
	"fmt"
	"slices"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// MiniaudioTypeName is the type name of the miniaudio backend.
const MiniaudioTypeName = "Miniaudio"

const miniaudioPeriods = 3

// MiniaudioDeviceType enumerates devices through a miniaudio context, which
// in turn picks the best native API of the platform.
type MiniaudioDeviceType struct {
	typeBase

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	backends []malgo.Backend
	inputs   []malgo.DeviceInfo
	outputs  []malgo.DeviceInfo
}

// NewMiniaudioDeviceType creates the type. backends restricts miniaudio to
// the listed native APIs; nil lets it choose.
func NewMiniaudioDeviceType(log zerolog.Logger, backends []malgo.Backend) *MiniaudioDeviceType {
	t := &MiniaudioDeviceType{backends: backends}
	t.init(MiniaudioTypeName, log)
	return t
}

func (t *MiniaudioDeviceType) context() (*malgo.AllocatedContext, error) {
	if t.ctx != nil {
		return t.ctx, nil
	}
	ctx, err := malgo.InitContext(t.backends, malgo.ContextConfig{}, func(msg string) {
		t.log.Debug().Str("miniaudio", msg).Msg("backend log")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio context: %w", err)
	}
	t.ctx = ctx
	return ctx, nil
}

// Close releases the miniaudio context. Devices must be closed first.
func (t *MiniaudioDeviceType) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Uninit()
	t.ctx.Free()
	t.ctx = nil
	return err
}

func (t *MiniaudioDeviceType) ScanForDevices() {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := &deviceList{}
	t.inputs, t.outputs = nil, nil

	ctx, err := t.context()
	if err != nil {
		t.log.Debug().Err(err).Msg("miniaudio unavailable")
		t.publish(l)
		return
	}

	if infos, err := ctx.Devices(malgo.Capture); err == nil {
		for _, info := range infos {
			if info.IsDefault != 0 {
				l.defaultIn = len(l.inputs)
			}
			l.inputs = append(l.inputs, info.Name())
			t.inputs = append(t.inputs, info)
		}
	} else {
		t.log.Debug().Err(err).Msg("capture enumeration failed")
	}

	if infos, err := ctx.Devices(malgo.Playback); err == nil {
		for _, info := range infos {
			if info.IsDefault != 0 {
				l.defaultOut = len(l.outputs)
			}
			l.outputs = append(l.outputs, info.Name())
			t.outputs = append(t.outputs, info)
		}
	} else {
		t.log.Debug().Err(err).Msg("playback enumeration failed")
	}

	t.publish(l)
}

// HandleHotplug rescans and notifies listeners.
func (t *MiniaudioDeviceType) HandleHotplug() {
	t.ScanForDevices()
	t.notifyListeners()
}

func (t *MiniaudioDeviceType) HasSeparateInputsAndOutputs() bool { return true }

func (t *MiniaudioDeviceType) CreateDevice(outputName, inputName string) (Device, error) {
	if err := t.validatePair(outputName, inputName, true); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, err := t.context()
	if err != nil {
		return nil, err
	}

	d := &MiniaudioDevice{ctx: ctx}
	if i := t.indexOf(inputName, true); i >= 0 && i < len(t.inputs) {
		d.in = t.describe(ctx, malgo.Capture, t.inputs[i])
	}
	if i := t.indexOf(outputName, false); i >= 0 && i < len(t.outputs) {
		d.out = t.describe(ctx, malgo.Playback, t.outputs[i])
	}
	name := outputName
	if name == "" {
		name = inputName
	}
	d.init(d, name, t.name, t.log)
	return d, nil
}

// describe fetches the full format list of a device, falling back to the
// enumeration entry when the driver refuses the query.
func (t *MiniaudioDeviceType) describe(ctx *malgo.AllocatedContext, kind malgo.DeviceType, info malgo.DeviceInfo) *miniaudioEndpoint {
	full, err := ctx.DeviceInfo(kind, info.ID, malgo.Shared)
	if err != nil {
		full = info
	}
	ep := &miniaudioEndpoint{id: info.ID}
	for i := 0; i < int(full.FormatCount) && i < len(full.Formats); i++ {
		f := full.Formats[i]
		ep.channels = max(ep.channels, int(f.Channels))
		if f.SampleRate > 0 && !slices.Contains(ep.rates, float64(f.SampleRate)) {
			ep.rates = append(ep.rates, float64(f.SampleRate))
		}
		if enc, ok := encodingOfMalgo(f.Format); ok && !slices.Contains(ep.encodings, enc) {
			ep.encodings = append(ep.encodings, enc)
		}
	}
	if ep.channels == 0 {
		ep.channels = 2
	}
	slices.Sort(ep.rates)
	return ep
}

type miniaudioEndpoint struct {
	id        malgo.DeviceID
	channels  int
	rates     []float64
	encodings []sampleformat.Encoding
}

func encodingOfMalgo(f malgo.FormatType) (sampleformat.Encoding, bool) {
	switch f {
	case malgo.FormatF32:
		return sampleformat.Float32, true
	case malgo.FormatS32:
		return sampleformat.Int32, true
	case malgo.FormatS24:
		return sampleformat.Int24, true
	case malgo.FormatS16:
		return sampleformat.Int16, true
	}
	return 0, false
}

func malgoFormat(e sampleformat.Encoding) malgo.FormatType {
	switch e {
	case sampleformat.Int32:
		return malgo.FormatS32
	case sampleformat.Int24:
		return malgo.FormatS24
	case sampleformat.Int16:
		return malgo.FormatS16
	default:
		return malgo.FormatF32
	}
}

// MiniaudioDevice is a miniaudio playback, capture or duplex device. The
// data callback runs on miniaudio's device thread with packed native buffers.
type MiniaudioDevice struct {
	deviceCore

	ctx     *malgo.AllocatedContext
	in, out *miniaudioEndpoint

	device *malgo.Device
	format sampleformat.Format
	numIn  int
	numOut int

	// set on the device thread for the duration of one data callback
	inBytes, outBytes []byte
}

func (d *MiniaudioDevice) OutputChannelNames() []string {
	if d.out == nil {
		return nil
	}
	return channelNames("Output", d.out.channels)
}

func (d *MiniaudioDevice) InputChannelNames() []string {
	if d.in == nil {
		return nil
	}
	return channelNames("Input", d.in.channels)
}

// SampleRates lists the rates the hardware reports natively; miniaudio
// resamples anything else, so the common rates are always offered.
func (d *MiniaudioDevice) SampleRates() []float64 {
	rates := []float64{44100, 48000, 88200, 96000}
	for _, ep := range []*miniaudioEndpoint{d.out, d.in} {
		if ep == nil {
			continue
		}
		for _, r := range ep.rates {
			if !slices.Contains(rates, r) {
				rates = append(rates, r)
			}
		}
	}
	slices.Sort(rates)
	return rates
}

func (d *MiniaudioDevice) BufferSizes() []int    { return slices.Clone(StandardBufferSizes) }
func (d *MiniaudioDevice) DefaultBufferSize() int { return 512 }

func (d *MiniaudioDevice) nativeEncodings() []sampleformat.Encoding {
	var encs []sampleformat.Encoding
	for _, ep := range []*miniaudioEndpoint{d.out, d.in} {
		if ep != nil {
			encs = append(encs, ep.encodings...)
		}
	}
	return encs
}

func (d *MiniaudioDevice) Open(inputChannels, outputChannels ChannelMask, sampleRate float64, bufferSize int) error {
	d.Close()

	if d.in == nil {
		inputChannels = 0
	} else {
		inputChannels = inputChannels.Limit(d.in.channels)
	}
	if d.out == nil {
		outputChannels = 0
	} else {
		outputChannels = outputChannels.Limit(d.out.channels)
	}
	if inputChannels == 0 && outputChannels == 0 {
		return d.fail(ErrNoChannels)
	}

	rate := ChooseSampleRate(sampleRate, d.SampleRates())
	size := ChooseBufferSize(bufferSize, d.BufferSizes(), d.DefaultBufferSize())

	native := d.nativeEncodings()
	enc, ok := NegotiateEncoding(func(e sampleformat.Encoding) bool { return slices.Contains(native, e) })
	if !ok {
		// the driver reported nothing usable; miniaudio converts from float
		enc = sampleformat.Float32
	}
	d.format = sampleformat.Native(enc)

	kind := malgo.Playback
	switch {
	case inputChannels != 0 && outputChannels != 0:
		kind = malgo.Duplex
	case inputChannels != 0:
		kind = malgo.Capture
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInFrames = uint32(size)
	cfg.Periods = miniaudioPeriods
	d.numIn, d.numOut = 0, 0
	if inputChannels != 0 {
		d.numIn = inputChannels.Highest() + 1
		cfg.Capture.DeviceID = d.in.id.Pointer()
		cfg.Capture.Format = malgoFormat(enc)
		cfg.Capture.Channels = uint32(d.numIn)
	}
	if outputChannels != 0 {
		d.numOut = outputChannels.Highest() + 1
		cfg.Playback.DeviceID = d.out.id.Pointer()
		cfg.Playback.Format = malgoFormat(enc)
		cfg.Playback.Channels = uint32(d.numOut)
	}

	d.io.prepare(inputChannels, outputChannels, d.numIn, d.numOut, size)

	device, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.onData,
		Stop: d.onStop,
	})
	if err != nil {
		return d.fail(fmt.Errorf("failed to initialize %s: %w", d.name, err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return d.fail(fmt.Errorf("failed to start %s: %w", d.name, err))
	}
	d.device = device

	actual := float64(device.SampleRate())
	inLatency := 0
	if d.numIn > 0 {
		inLatency = size
	}
	outLatency := 0
	if d.numOut > 0 {
		outLatency = size * miniaudioPeriods
	}
	d.commit(actual, size, enc.BitDepth(), inputChannels, outputChannels, inLatency, outLatency)

	d.log.Info().Float64("rate", actual).Int("buffer", size).Str("format", enc.String()).Msg("device started")
	return nil
}

func (d *MiniaudioDevice) onData(out, in []byte, frames uint32) {
	d.inBytes, d.outBytes = in, out
	d.runBlock(int(frames), d.decodeInput, d.encodeOutput)
}

func (d *MiniaudioDevice) decodeInput(hw [][]float32, off, k int) {
	if d.inBytes == nil {
		return
	}
	for ch, buf := range hw {
		if buf != nil {
			d.format.ToFloat(buf, d.inBytes, off*d.numIn+ch, d.numIn, k)
		}
	}
}

func (d *MiniaudioDevice) encodeOutput(hw [][]float32, off, k int) {
	if d.outBytes == nil {
		return
	}
	for ch := 0; ch < d.numOut; ch++ {
		if ch < len(hw) && hw[ch] != nil {
			d.format.FromFloat(d.outBytes, hw[ch], off*d.numOut+ch, d.numOut, k)
		} else {
			d.format.Silence(d.outBytes, off*d.numOut+ch, d.numOut, k)
		}
	}
}

// onStop fires when miniaudio stops the device, including when the
// hardware disappears underneath it.
func (d *MiniaudioDevice) onStop() {
	if d.IsOpen() && d.device != nil && !d.device.IsStarted() {
		d.reportFault(fmt.Errorf("%s stopped unexpectedly", d.name))
		d.requestReset()
	}
}

func (d *MiniaudioDevice) Close() {
	d.Stop()
	if !d.markClosed() {
		return
	}
	if d.device != nil {
		// Stop returns once the data callback can no longer run.
		if err := d.device.Stop(); err != nil {
			d.log.Debug().Err(err).Msg("stop device")
		}
		d.device.Uninit()
		d.device = nil
	}
}
