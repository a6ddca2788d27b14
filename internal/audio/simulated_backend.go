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
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// SimulatedTypeName is the default type name of the in-process backend.
const SimulatedTypeName = "Simulated"

// ErrDeviceRemoved is reported to callbacks when simulated hardware is unplugged.
var ErrDeviceRemoved = errors.New("device removed")

// SimulatedDeviceSpec describes one piece of simulated hardware.
type SimulatedDeviceSpec struct {
	Name           string
	InputChannels  int
	OutputChannels int
	// SampleRates defaults to 44100 and 48000.
	SampleRates []float64
	// BufferSizes defaults to StandardBufferSizes.
	BufferSizes []int
	// DefaultBufferSize defaults to 512.
	DefaultBufferSize int
	InputLatency      int
	OutputLatency     int
	// Encodings lists the native sample encodings the hardware accepts.
	// Defaults to all of them.
	Encodings []sampleformat.Encoding
	BigEndian bool
}

func (s SimulatedDeviceSpec) withDefaults() SimulatedDeviceSpec {
	if len(s.SampleRates) == 0 {
		s.SampleRates = []float64{44100, 48000}
	}
	if len(s.BufferSizes) == 0 {
		s.BufferSizes = slices.Clone(StandardBufferSizes)
	}
	if s.DefaultBufferSize == 0 {
		s.DefaultBufferSize = 512
	}
	if len(s.Encodings) == 0 {
		s.Encodings = slices.Clone(EncodingPreference)
	}
	return s
}

// InputGenerator fills one block of a simulated input channel.
type InputGenerator func(channel int, buf []float32)

// SimulatedDeviceType is an in-process backend for tests and headless hosts.
// Hardware is added and removed at runtime to exercise hot-plug handling.
type SimulatedDeviceType struct {
	typeBase

	mu          sync.Mutex
	hardware    []SimulatedDeviceSpec
	defaultIn   string
	defaultOut  string
	separate    bool
	realtime    bool
	openErrors  map[string]error
	generator   InputGenerator
	openDevices map[*SimulatedDevice]struct{}
}

// NewSimulatedDeviceType creates an empty simulated backend. Devices are
// driven manually through ProcessBlock unless SetRealtime is enabled.
func NewSimulatedDeviceType(name string, log zerolog.Logger) *SimulatedDeviceType {
	if name == "" {
		name = SimulatedTypeName
	}
	t := &SimulatedDeviceType{
		separate:    true,
		openErrors:  make(map[string]error),
		openDevices: make(map[*SimulatedDevice]struct{}),
	}
	t.init(name, log)
	return t
}

// AddDevice plugs in new hardware. A type that was already scanned rescans
// and notifies its listeners.
func (t *SimulatedDeviceType) AddDevice(spec SimulatedDeviceSpec) {
	t.mu.Lock()
	t.hardware = slices.DeleteFunc(t.hardware, func(s SimulatedDeviceSpec) bool { return s.Name == spec.Name })
	t.hardware = append(t.hardware, spec.withDefaults())
	t.mu.Unlock()

	t.hotplugIfScanned()
}

// RemoveDevice unplugs hardware. Open devices bound to it report
// ErrDeviceRemoved to their callback and close.
func (t *SimulatedDeviceType) RemoveDevice(name string) {
	t.mu.Lock()
	t.hardware = slices.DeleteFunc(t.hardware, func(s SimulatedDeviceSpec) bool { return s.Name == name })
	var victims []*SimulatedDevice
	for d := range t.openDevices {
		if d.uses(name) {
			victims = append(victims, d)
		}
	}
	t.mu.Unlock()

	for _, d := range victims {
		d.reportFault(fmt.Errorf("%w: %s", ErrDeviceRemoved, name))
		d.Close()
	}
	t.hotplugIfScanned()
}

// SetDefaultDevices selects the names reported as OS defaults.
func (t *SimulatedDeviceType) SetDefaultDevices(input, output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultIn, t.defaultOut = input, output
}

// SetSeparateInputsAndOutputs switches between split and unified devices.
func (t *SimulatedDeviceType) SetSeparateInputsAndOutputs(separate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.separate = separate
}

// SetOpenError makes every Open of the named hardware fail with err.
// A nil err clears it.
func (t *SimulatedDeviceType) SetOpenError(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.openErrors, name)
		return
	}
	t.openErrors[name] = err
}

// SetRealtime makes newly opened devices run their own block clock.
func (t *SimulatedDeviceType) SetRealtime(realtime bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realtime = realtime
}

// SetInputGenerator sets the signal fed to the inputs of devices created
// afterwards.
func (t *SimulatedDeviceType) SetInputGenerator(gen InputGenerator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generator = gen
}

func (t *SimulatedDeviceType) ScanForDevices() {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := &deviceList{}
	for _, s := range t.hardware {
		if s.InputChannels > 0 {
			if s.Name == t.defaultIn {
				l.defaultIn = len(l.inputs)
			}
			l.inputs = append(l.inputs, s.Name)
		}
		if s.OutputChannels > 0 {
			if s.Name == t.defaultOut {
				l.defaultOut = len(l.outputs)
			}
			l.outputs = append(l.outputs, s.Name)
		}
	}
	t.publish(l)
}

// HandleHotplug rescans and notifies listeners.
func (t *SimulatedDeviceType) HandleHotplug() {
	t.ScanForDevices()
	t.notifyListeners()
}

func (t *SimulatedDeviceType) hotplugIfScanned() {
	if t.lists.Load() != nil {
		t.HandleHotplug()
	}
}

func (t *SimulatedDeviceType) HasSeparateInputsAndOutputs() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.separate
}

func (t *SimulatedDeviceType) CreateDevice(outputName, inputName string) (Device, error) {
	if err := t.validatePair(outputName, inputName, t.HasSeparateInputsAndOutputs()); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d := &SimulatedDevice{owner: t, realtime: t.realtime, generator: t.generator}
	for _, s := range t.hardware {
		if s.Name == outputName {
			d.out = s
		}
		if s.Name == inputName {
			d.in = s
		}
	}
	name := outputName
	if name == "" {
		name = inputName
	}
	d.init(d, name, t.name, t.log)
	return d, nil
}

func (t *SimulatedDeviceType) track(d *SimulatedDevice, open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if open {
		t.openDevices[d] = struct{}{}
	} else {
		delete(t.openDevices, d)
	}
}

func (t *SimulatedDeviceType) openError(names ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		if err := t.openErrors[n]; err != nil {
			return err
		}
	}
	return nil
}

// SimulatedDevice is a device of SimulatedDeviceType. Its native side is an
// interleaved byte buffer in the hardware's sample format, so every block
// passes through the same conversions a real backend performs.
type SimulatedDevice struct {
	deviceCore

	owner     *SimulatedDeviceType
	in, out   SimulatedDeviceSpec
	realtime  bool
	generator InputGenerator

	// procMu is held for every block so Close can wait for the last one.
	procMu   sync.Mutex
	format   sampleformat.Format
	numHwIn  int
	numHwOut int
	inBytes  []byte
	outBytes []byte
	scratch  []float32
	frames   int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func (d *SimulatedDevice) uses(name string) bool {
	return (d.in.Name != "" && d.in.Name == name) || (d.out.Name != "" && d.out.Name == name)
}

func (d *SimulatedDevice) OutputChannelNames() []string { return channelNames("Output", d.out.OutputChannels) }
func (d *SimulatedDevice) InputChannelNames() []string  { return channelNames("Input", d.in.InputChannels) }

func channelNames(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s %d", prefix, i+1)
	}
	return names
}

func (d *SimulatedDevice) SampleRates() []float64 {
	switch {
	case d.out.Name == "":
		return slices.Clone(d.in.SampleRates)
	case d.in.Name == "":
		return slices.Clone(d.out.SampleRates)
	}
	var rates []float64
	for _, r := range d.out.SampleRates {
		if slices.Contains(d.in.SampleRates, r) {
			rates = append(rates, r)
		}
	}
	return rates
}

func (d *SimulatedDevice) primary() SimulatedDeviceSpec {
	if d.out.Name != "" {
		return d.out
	}
	return d.in
}

func (d *SimulatedDevice) BufferSizes() []int    { return slices.Clone(d.primary().BufferSizes) }
func (d *SimulatedDevice) DefaultBufferSize() int { return d.primary().DefaultBufferSize }

func (d *SimulatedDevice) Open(inputChannels, outputChannels ChannelMask, sampleRate float64, bufferSize int) error {
	d.Close()

	if err := d.owner.openError(d.out.Name, d.in.Name); err != nil {
		return d.fail(fmt.Errorf("cannot open %s: %w", d.name, err))
	}

	inputChannels = inputChannels.Limit(d.in.InputChannels)
	outputChannels = outputChannels.Limit(d.out.OutputChannels)

	rates := d.SampleRates()
	if len(rates) == 0 {
		return d.fail(fmt.Errorf("%s and %s share no sample rate", d.in.Name, d.out.Name))
	}
	rate := ChooseSampleRate(sampleRate, rates)
	size := ChooseBufferSize(bufferSize, d.BufferSizes(), d.DefaultBufferSize())

	spec := d.primary()
	enc, ok := NegotiateEncoding(func(e sampleformat.Encoding) bool { return slices.Contains(spec.Encodings, e) })
	if !ok {
		return d.fail(fmt.Errorf("%s supports no usable sample format", d.name))
	}

	d.procMu.Lock()
	d.format = sampleformat.Format{Encoding: enc, BigEndian: spec.BigEndian}
	d.numHwIn = d.in.InputChannels
	d.numHwOut = d.out.OutputChannels
	d.inBytes = make([]byte, d.numHwIn*size*enc.BytesPerSample())
	d.outBytes = make([]byte, d.numHwOut*size*enc.BytesPerSample())
	d.scratch = make([]float32, size)
	d.frames = 0
	d.io.prepare(inputChannels, outputChannels, d.numHwIn, d.numHwOut, size)
	d.procMu.Unlock()

	d.commit(rate, size, enc.BitDepth(), inputChannels, outputChannels, d.in.InputLatency, d.out.OutputLatency)
	d.owner.track(d, true)

	if d.realtime {
		d.stopCh = make(chan struct{})
		d.wg.Add(1)
		go d.run(time.Duration(float64(size) / rate * float64(time.Second)))
	}

	d.log.Debug().Float64("rate", rate).Int("buffer", size).Str("format", d.format.String()).Msg("opened")
	return nil
}

func (d *SimulatedDevice) Close() {
	d.Stop()
	if !d.markClosed() {
		return
	}
	if d.stopCh != nil {
		close(d.stopCh)
		d.wg.Wait()
		d.stopCh = nil
	}
	// wait out a manual block in flight
	d.procMu.Lock()
	d.procMu.Unlock()

	d.owner.track(d, false)
	d.log.Debug().Msg("closed")
}

func (d *SimulatedDevice) run(period time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			_ = d.ProcessBlock()
		}
	}
}

// ProcessBlock runs one hardware cycle: generate input, decode it, call the
// attached callback and encode its output.
func (d *SimulatedDevice) ProcessBlock() error {
	d.procMu.Lock()
	defer d.procMu.Unlock()

	if !d.IsOpen() {
		return ErrDeviceNotOpen
	}

	n := d.io.capacity
	f := d.format

	for ch := 0; ch < d.numHwIn; ch++ {
		clear(d.scratch)
		if d.generator != nil {
			d.generator(ch, d.scratch[:n])
		}
		f.FromFloat(d.inBytes, d.scratch, ch, d.numHwIn, n)
	}

	d.runBlock(n, d.decodeInput, d.encodeOutput)
	d.frames += int64(n)
	return nil
}

func (d *SimulatedDevice) decodeInput(hw [][]float32, off, k int) {
	for ch, buf := range hw {
		if buf != nil {
			d.format.ToFloat(buf, d.inBytes, off*d.numHwIn+ch, d.numHwIn, k)
		}
	}
}

func (d *SimulatedDevice) encodeOutput(hw [][]float32, off, k int) {
	for ch, buf := range hw {
		if buf != nil {
			d.format.FromFloat(d.outBytes, buf, off*d.numHwOut+ch, d.numHwOut, k)
		} else {
			d.format.Silence(d.outBytes, off*d.numHwOut+ch, d.numHwOut, k)
		}
	}
}

// LastOutput decodes the most recent output block, one slice per hardware
// output channel.
func (d *SimulatedDevice) LastOutput() [][]float32 {
	d.procMu.Lock()
	defer d.procMu.Unlock()

	n := d.io.capacity
	out := make([][]float32, d.numHwOut)
	for ch := range out {
		out[ch] = make([]float32, n)
	}
	d.format.Deinterleave(out, d.outBytes, d.numHwOut, n)
	return out
}

// NativeFormat returns the packed format negotiated by the last Open.
func (d *SimulatedDevice) NativeFormat() sampleformat.Format {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	return d.format
}

// FramesProcessed counts frames since the last Open.
func (d *SimulatedDevice) FramesProcessed() int64 {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	return d.frames
}

// SimulateXRun records an underrun. The device resynchronises in place and
// keeps its callback attached.
func (d *SimulatedDevice) SimulateXRun() {
	d.xruns.Add(1)
	d.procMu.Lock()
	clear(d.outBytes)
	d.procMu.Unlock()
}

// SimulateStreamFailure models a fault the device cannot recover from by
// itself, such as the OS changing the stream format. The callback is told
// about err; the owner is asked to reopen the device, and if nobody is
// listening the device closes.
func (d *SimulatedDevice) SimulateStreamFailure(err error) {
	d.reportFault(err)
	if !d.requestReset() {
		d.Close()
	}
}
