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
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// PortAudioHost owns the PortAudio library lifetime and hands out one
// DeviceType per host API (Core Audio, WASAPI, ASIO, ALSA, JACK, ...).
type PortAudioHost struct {
	mu          sync.Mutex
	initialized bool
	openStreams int
	log         zerolog.Logger
	quirks      BufferSizeQuirks
}

// NewPortAudioHost creates a host. Nothing is loaded until Initialize.
func NewPortAudioHost(log zerolog.Logger, quirks BufferSizeQuirks) *PortAudioHost {
	return &PortAudioHost{
		log:    log.With().Str("component", "portaudio").Logger(),
		quirks: quirks,
	}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioHost) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioHost) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// DeviceTypes returns one device type per host API PortAudio was built with.
func (p *PortAudioHost) DeviceTypes() ([]DeviceType, error) {
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	apis, err := portaudio.HostApis()
	if err != nil {
		return nil, fmt.Errorf("failed to list PortAudio host APIs: %w", err)
	}

	types := make([]DeviceType, 0, len(apis))
	for _, api := range apis {
		types = append(types, newPortAudioDeviceType(p, api.Type, api.Name))
	}
	return types, nil
}

// refresh reloads the library so newly attached hardware becomes visible.
// PortAudio only enumerates at initialisation, and reloading is unsafe while
// a stream is open, so in that case the cached enumeration is kept.
func (p *PortAudioHost) refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized || p.openStreams > 0 {
		return
	}
	if err := portaudio.Terminate(); err != nil {
		p.log.Warn().Err(err).Msg("terminate before rescan failed")
	}
	if err := portaudio.Initialize(); err != nil {
		p.log.Error().Err(err).Msg("reinitialize after rescan failed")
		p.initialized = false
	}
}

func (p *PortAudioHost) streamOpened() {
	p.mu.Lock()
	p.openStreams++
	p.mu.Unlock()
}

func (p *PortAudioHost) streamClosed() {
	p.mu.Lock()
	p.openStreams--
	p.mu.Unlock()
}

// blockingHostAPIs are driven with blocking Read/Write from a device-owned
// goroutine instead of the PortAudio callback thread.
var blockingHostAPIs = []portaudio.HostApiType{
	portaudio.ALSA,
	portaudio.DirectSound,
	portaudio.MME,
	portaudio.OSS,
}

// PortAudioDeviceType lists the devices of one PortAudio host API.
type PortAudioDeviceType struct {
	typeBase

	host     *PortAudioHost
	api      portaudio.HostApiType
	blocking bool

	mu      sync.Mutex
	devices []*portaudio.DeviceInfo
}

func newPortAudioDeviceType(host *PortAudioHost, api portaudio.HostApiType, name string) *PortAudioDeviceType {
	t := &PortAudioDeviceType{
		host:     host,
		api:      api,
		blocking: slices.Contains(blockingHostAPIs, api),
	}
	t.init(name, host.log)
	return t
}

func (t *PortAudioDeviceType) ScanForDevices() {
	l := &deviceList{}
	var devices []*portaudio.DeviceInfo

	if info, err := t.hostAPI(); err != nil {
		// an unavailable driver contributes no devices
		t.log.Debug().Err(err).Msg("host API unavailable")
	} else {
		devices = info.Devices
		for _, d := range info.Devices {
			if d.MaxInputChannels > 0 {
				if info.DefaultInputDevice != nil && d.Index == info.DefaultInputDevice.Index {
					l.defaultIn = len(l.inputs)
				}
				l.inputs = append(l.inputs, d.Name)
			}
			if d.MaxOutputChannels > 0 {
				if info.DefaultOutputDevice != nil && d.Index == info.DefaultOutputDevice.Index {
					l.defaultOut = len(l.outputs)
				}
				l.outputs = append(l.outputs, d.Name)
			}
		}
	}

	t.mu.Lock()
	t.devices = devices
	t.mu.Unlock()
	t.publish(l)
}

func (t *PortAudioDeviceType) hostAPI() (*portaudio.HostApiInfo, error) {
	if err := t.host.Initialize(); err != nil {
		return nil, err
	}
	apis, err := portaudio.HostApis()
	if err != nil {
		return nil, err
	}
	for _, a := range apis {
		if a.Type == t.api {
			return a, nil
		}
	}
	return nil, fmt.Errorf("host API %s not present", t.name)
}

// HandleHotplug reloads PortAudio if possible, rescans and notifies listeners.
func (t *PortAudioDeviceType) HandleHotplug() {
	t.host.refresh()
	t.ScanForDevices()
	t.notifyListeners()
}

// HasSeparateInputsAndOutputs is false only for ASIO, whose drivers expose
// one duplex device each.
func (t *PortAudioDeviceType) HasSeparateInputsAndOutputs() bool {
	return t.api != portaudio.ASIO
}

func (t *PortAudioDeviceType) lookup(name string, input bool) *portaudio.DeviceInfo {
	if name == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.devices {
		if d.Name != name {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d
		}
	}
	return nil
}

func (t *PortAudioDeviceType) CreateDevice(outputName, inputName string) (Device, error) {
	if err := t.validatePair(outputName, inputName, t.HasSeparateInputsAndOutputs()); err != nil {
		return nil, err
	}

	d := &PortAudioDevice{
		host:     t.host,
		blocking: t.blocking,
		in:       t.lookup(inputName, true),
		out:      t.lookup(outputName, false),
	}
	name := outputName
	if name == "" {
		name = inputName
	}
	if q, ok := t.host.quirks.Lookup(name); ok && t.api == portaudio.ASIO {
		d.quirk = &q
	}
	d.init(d, name, t.name, t.log)
	return d, nil
}

// PortAudioDevice is one PortAudio stream endpoint.
type PortAudioDevice struct {
	deviceCore

	host     *PortAudioHost
	in, out  *portaudio.DeviceInfo
	blocking bool
	quirk    *BufferSizeQuirk

	ratesOnce sync.Once
	rates     []float64

	stream *portaudio.Stream
	native paBuffers

	stopping atomic.Bool
	done     chan struct{}
}

func (d *PortAudioDevice) OutputChannelNames() []string {
	if d.out == nil {
		return nil
	}
	return channelNames("Output", d.out.MaxOutputChannels)
}

func (d *PortAudioDevice) InputChannelNames() []string {
	if d.in == nil {
		return nil
	}
	return channelNames("Input", d.in.MaxInputChannels)
}

// SampleRates probes the standard rates against the hardware once.
func (d *PortAudioDevice) SampleRates() []float64 {
	d.ratesOnce.Do(func() {
		for _, r := range StandardSampleRates {
			p := d.params(ChannelRange(0, 1), ChannelRange(0, 1), r, 0)
			if err := portaudio.IsFormatSupported(p, d.probeBuffers(p)...); err == nil {
				d.rates = append(d.rates, r)
			}
		}
		if len(d.rates) == 0 {
			if info := d.primary(); info != nil {
				d.rates = []float64{info.DefaultSampleRate}
			}
		}
	})
	return slices.Clone(d.rates)
}

func (d *PortAudioDevice) primary() *portaudio.DeviceInfo {
	if d.out != nil {
		return d.out
	}
	return d.in
}

func (d *PortAudioDevice) BufferSizes() []int { return slices.Clone(StandardBufferSizes) }

// DefaultBufferSize is derived from the driver's low-latency hint.
func (d *PortAudioDevice) DefaultBufferSize() int {
	info := d.primary()
	if info == nil {
		return 512
	}
	latency := info.DefaultLowOutputLatency
	if d.out == nil {
		latency = info.DefaultLowInputLatency
	}
	frames := int(latency.Seconds() * info.DefaultSampleRate)
	return ChooseBufferSize(max(frames, 1), StandardBufferSizes, 0)
}

func (d *PortAudioDevice) params(inMask, outMask ChannelMask, rate float64, size int) portaudio.StreamParameters {
	p := portaudio.StreamParameters{SampleRate: rate, FramesPerBuffer: size}
	if d.in != nil && inMask != 0 {
		p.Input = portaudio.StreamDeviceParameters{
			Device:   d.in,
			Channels: inMask.Highest() + 1,
			Latency:  d.in.DefaultLowInputLatency,
		}
	}
	if d.out != nil && outMask != 0 {
		p.Output = portaudio.StreamDeviceParameters{
			Device:   d.out,
			Channels: outMask.Highest() + 1,
			Latency:  d.out.DefaultLowOutputLatency,
		}
	}
	return p
}

func (d *PortAudioDevice) probeBuffers(p portaudio.StreamParameters) []any {
	var probe paBuffers
	probe.prepare(sampleformat.Float32, p.Input.Channels, p.Output.Channels, 1)
	return probe.blockingArgs()
}

func (d *PortAudioDevice) Open(inputChannels, outputChannels ChannelMask, sampleRate float64, bufferSize int) error {
	d.Close()

	if d.in != nil {
		inputChannels = inputChannels.Limit(d.in.MaxInputChannels)
	} else {
		inputChannels = 0
	}
	if d.out != nil {
		outputChannels = outputChannels.Limit(d.out.MaxOutputChannels)
	} else {
		outputChannels = 0
	}
	if inputChannels == 0 && outputChannels == 0 {
		return d.fail(ErrNoChannels)
	}

	rate := ChooseSampleRate(sampleRate, d.SampleRates())
	size := ChooseBufferSize(bufferSize, d.BufferSizes(), d.DefaultBufferSize())
	if d.quirk != nil && d.quirk.ForcePreferredSize {
		size = d.DefaultBufferSize()
	}

	p := d.params(inputChannels, outputChannels, rate, size)
	numIn, numOut := p.Input.Channels, p.Output.Channels

	enc, ok := NegotiateEncoding(func(e sampleformat.Encoding) bool {
		if !paSupports(e) {
			return false
		}
		var probe paBuffers
		probe.prepare(e, numIn, numOut, size)
		return portaudio.IsFormatSupported(p, probe.blockingArgs()...) == nil
	})
	if !ok {
		return d.fail(fmt.Errorf("%s: no supported sample format at %g Hz", d.name, rate))
	}

	d.io.prepare(inputChannels, outputChannels, numIn, numOut, size)
	d.native.prepare(enc, numIn, numOut, size)

	var (
		stream *portaudio.Stream
		err    error
	)
	if d.blocking {
		stream, err = portaudio.OpenStream(p, d.native.blockingArgs()...)
	} else {
		stream, err = portaudio.OpenStream(p, d.native.callback(d.processNative))
	}
	if err != nil {
		return d.fail(fmt.Errorf("failed to open stream on %s: %w", d.name, err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return d.fail(fmt.Errorf("failed to start stream on %s: %w", d.name, err))
	}
	d.stream = stream
	d.host.streamOpened()

	inLatency, outLatency := 0, 0
	if info := stream.Info(); info != nil {
		rate = info.SampleRate
		inLatency = int(info.InputLatency.Seconds() * rate)
		outLatency = int(info.OutputLatency.Seconds() * rate)
	}
	d.commit(rate, size, enc.BitDepth(), inputChannels, outputChannels, inLatency, outLatency)

	if d.blocking {
		d.stopping.Store(false)
		d.done = make(chan struct{})
		go d.blockingLoop(size)
	}

	d.log.Info().Float64("rate", rate).Int("buffer", size).Str("format", enc.String()).
		Bool("blocking", d.blocking).Msg("stream opened")
	return nil
}

// processNative runs on the PortAudio callback thread.
func (d *PortAudioDevice) processNative(frames int) {
	d.runBlock(frames, d.native.decode, d.native.encode)
}

const (
	blockingStopTimeout = 2 * time.Second
	blockingMaxRetries  = 3
)

// blockingLoop drives read/write host APIs. Read and Write block on the
// driver until data or space is available.
func (d *PortAudioDevice) blockingLoop(size int) {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	failures := 0
	for !d.stopping.Load() {
		err := d.blockingCycle(size)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, portaudio.InputOverflowed), errors.Is(err, portaudio.OutputUnderflowed):
			// data still moved; the driver has already resynchronised
			d.xruns.Add(1)
		default:
			failures++
			if failures > blockingMaxRetries {
				d.reportFault(fmt.Errorf("stream on %s failed: %w", d.name, err))
				if !d.requestReset() {
					d.markClosed()
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (d *PortAudioDevice) blockingCycle(size int) error {
	var xrun error
	if d.native.numIn > 0 {
		if err := d.stream.Read(); err != nil {
			if !isPaXRun(err) {
				return err
			}
			xrun = err
		}
	}
	d.runBlock(size, d.native.decode, d.native.encode)
	if d.native.numOut > 0 {
		if err := d.stream.Write(); err != nil {
			if !isPaXRun(err) {
				return err
			}
			xrun = err
		}
	}
	return xrun
}

func isPaXRun(err error) bool {
	return errors.Is(err, portaudio.InputOverflowed) || errors.Is(err, portaudio.OutputUnderflowed)
}

func (d *PortAudioDevice) Close() {
	d.Stop()
	if d.stream == nil {
		d.markClosed()
		return
	}

	if d.blocking && d.done != nil {
		d.stopping.Store(true)
		select {
		case <-d.done:
		case <-time.After(blockingStopTimeout):
			d.log.Warn().Msg("blocking loop did not stop in time, aborting stream")
			_ = d.stream.Abort()
			<-d.done
		}
	}

	// Stop returns once the callback thread has finished its last buffer.
	if err := d.stream.Stop(); err != nil {
		d.log.Debug().Err(err).Msg("stop stream")
	}
	if err := d.stream.Close(); err != nil {
		d.log.Debug().Err(err).Msg("close stream")
	}
	d.stream = nil
	d.host.streamClosed()
	d.markClosed()
}

func paSupports(e sampleformat.Encoding) bool {
	return e == sampleformat.Float32 || e == sampleformat.Int32 || e == sampleformat.Int16
}

// paBuffers are the interleaved typed buffers PortAudio reads and writes.
// Only the slices matching enc are used.
type paBuffers struct {
	enc           sampleformat.Encoding
	numIn, numOut int

	f32in, f32out []float32
	i32in, i32out []int32
	i16in, i16out []int16
}

func (b *paBuffers) prepare(enc sampleformat.Encoding, numIn, numOut, frames int) {
	*b = paBuffers{enc: enc, numIn: numIn, numOut: numOut}
	switch enc {
	case sampleformat.Int32:
		b.i32in, b.i32out = make([]int32, numIn*frames), make([]int32, numOut*frames)
	case sampleformat.Int16:
		b.i16in, b.i16out = make([]int16, numIn*frames), make([]int16, numOut*frames)
	default:
		b.f32in, b.f32out = make([]float32, numIn*frames), make([]float32, numOut*frames)
	}
}

// blockingArgs returns the buffer arguments of a blocking OpenStream call.
func (b *paBuffers) blockingArgs() []any {
	var in, out any
	switch b.enc {
	case sampleformat.Int32:
		in, out = b.i32in, b.i32out
	case sampleformat.Int16:
		in, out = b.i16in, b.i16out
	default:
		in, out = b.f32in, b.f32out
	}
	switch {
	case b.numIn > 0 && b.numOut > 0:
		return []any{in, out}
	case b.numIn > 0:
		return []any{in}
	default:
		return []any{out}
	}
}

// callback builds a stream callback of the shape PortAudio expects for the
// channel layout: func(in, out []T), func(in []T) or func(out []T).
func (b *paBuffers) callback(process func(frames int)) any {
	switch b.enc {
	case sampleformat.Int32:
		return paCallback(b.numIn, b.numOut, func(in, out []int32) { b.i32in, b.i32out = in, out }, process)
	case sampleformat.Int16:
		return paCallback(b.numIn, b.numOut, func(in, out []int16) { b.i16in, b.i16out = in, out }, process)
	default:
		return paCallback(b.numIn, b.numOut, func(in, out []float32) { b.f32in, b.f32out = in, out }, process)
	}
}

func paCallback[T float32 | int32 | int16](numIn, numOut int, bind func(in, out []T), process func(frames int)) any {
	switch {
	case numIn > 0 && numOut > 0:
		return func(in, out []T) {
			bind(in, out)
			process(len(out) / numOut)
		}
	case numIn > 0:
		return func(in []T) {
			bind(in, nil)
			process(len(in) / numIn)
		}
	default:
		return func(out []T) {
			bind(nil, out)
			process(len(out) / numOut)
		}
	}
}

func (b *paBuffers) decode(hw [][]float32, off, k int) {
	for ch, buf := range hw {
		if buf == nil {
			continue
		}
		pos := off*b.numIn + ch
		switch b.enc {
		case sampleformat.Int32:
			sampleformat.IntsToFloat(buf, b.i32in, pos, b.numIn, k)
		case sampleformat.Int16:
			sampleformat.IntsToFloat(buf, b.i16in, pos, b.numIn, k)
		default:
			for i := 0; i < k; i++ {
				buf[i] = b.f32in[pos+i*b.numIn]
			}
		}
	}
}

func (b *paBuffers) encode(hw [][]float32, off, k int) {
	for ch := 0; ch < b.numOut; ch++ {
		var buf []float32
		if ch < len(hw) {
			buf = hw[ch]
		}
		pos := off*b.numOut + ch
		switch b.enc {
		case sampleformat.Int32:
			if buf == nil {
				zeroStrided(b.i32out, pos, b.numOut, k)
			} else {
				sampleformat.FloatToInts(b.i32out, buf, pos, b.numOut, k)
			}
		case sampleformat.Int16:
			if buf == nil {
				zeroStrided(b.i16out, pos, b.numOut, k)
			} else {
				sampleformat.FloatToInts(b.i16out, buf, pos, b.numOut, k)
			}
		default:
			for i := 0; i < k; i++ {
				if buf == nil {
					b.f32out[pos+i*b.numOut] = 0
				} else {
					b.f32out[pos+i*b.numOut] = buf[i]
				}
			}
		}
	}
}

func zeroStrided[T int16 | int32](dst []T, pos, stride, n int) {
	for i := 0; i < n; i++ {
		dst[pos+i*stride] = 0
	}
}
