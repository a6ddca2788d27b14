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

// Package audio is the device layer of the HAL: the Device and DeviceType
// abstractions, the callback contract, setup negotiation and one concrete
// implementation per native backend.
package audio

import (
	"errors"
)

var (
	// ErrDeviceNotOpen is returned by operations that need an open device.
	ErrDeviceNotOpen = errors.New("device is not open")
	// ErrNoSuchDevice is wrapped by errors naming a device that is not listed.
	ErrNoSuchDevice = errors.New("no such device")
	// ErrNotScanned marks queries made before ScanForDevices.
	ErrNotScanned = errors.New("device type has not been scanned")
	// ErrNoChannels is returned when an open would activate no channels at all.
	ErrNoChannels = errors.New("no channels requested")
)

// NoSuchDeviceError names the missing device. Its text is shown to users.
type NoSuchDeviceError struct {
	Name string
}

func (e *NoSuchDeviceError) Error() string { return "No such device: " + e.Name }

func (e *NoSuchDeviceError) Unwrap() error { return ErrNoSuchDevice }

// IOCallback receives audio from an open device.
//
// Channel slices are indexed by active channel position, not by hardware
// channel number. Process runs on the device's realtime context and must not
// block. The input slices are shared with every other callback of the same
// block and must be treated as read-only.
type IOCallback interface {
	AboutToStart(device Device)
	Process(input, output [][]float32, numSamples int)
	Stopped()
}

// ErrorCallback is implemented by callbacks that want runtime fault reports.
type ErrorCallback interface {
	DeviceError(err error)
}

// CallbackFuncs adapts plain functions to IOCallback. Nil fields are no-ops,
// except a nil OnProcess which zeroes the output.
type CallbackFuncs struct {
	OnStart   func(Device)
	OnProcess func(input, output [][]float32, numSamples int)
	OnStop    func()
	OnError   func(error)
}

func (c *CallbackFuncs) AboutToStart(d Device) {
	if c.OnStart != nil {
		c.OnStart(d)
	}
}

func (c *CallbackFuncs) Process(in, out [][]float32, n int) {
	if c.OnProcess != nil {
		c.OnProcess(in, out, n)
		return
	}
	ZeroChannels(out, n)
}

func (c *CallbackFuncs) Stopped() {
	if c.OnStop != nil {
		c.OnStop()
	}
}

func (c *CallbackFuncs) DeviceError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Device is one audio endpoint of a backend, possibly combining an input and
// an output side.
type Device interface {
	Name() string
	TypeName() string

	OutputChannelNames() []string
	InputChannelNames() []string
	SampleRates() []float64
	BufferSizes() []int
	DefaultBufferSize() int

	// Open configures and starts the hardware stream. A zero sampleRate or
	// non-positive bufferSize selects the device defaults; unsupported
	// values are replaced by the nearest supported ones.
	Open(inputChannels, outputChannels ChannelMask, sampleRate float64, bufferSize int) error
	// Close stops the stream and blocks until the realtime context has
	// exited. Closing a closed device is a no-op.
	Close()
	IsOpen() bool

	// Start attaches cb. AboutToStart runs on cb before any Process call.
	// A callback that was already attached receives Stopped.
	Start(cb IOCallback)
	// Stop detaches the current callback and calls its Stopped after the
	// last Process call has returned.
	Stop()
	IsPlaying() bool

	LastError() string

	CurrentSampleRate() float64
	CurrentBufferSize() int
	CurrentBitDepth() int
	ActiveInputChannels() ChannelMask
	ActiveOutputChannels() ChannelMask
	InputLatency() int
	OutputLatency() int
}

// ResetRequester is implemented by devices that can ask their owner to tear
// them down and reopen them with the last configuration, for example after
// the OS changed the stream format underneath them.
type ResetRequester interface {
	SetResetHandler(fn func())
}

// XRunReporter is implemented by devices that count underruns and overruns.
type XRunReporter interface {
	XRunCount() int
}

// ZeroChannels clears the first n samples of every non-nil channel.
func ZeroChannels(chans [][]float32, n int) {
	for _, ch := range chans {
		if ch != nil {
			clear(ch[:n])
		}
	}
}
