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

import "fmt"

// DeviceSetup describes a requested or current device configuration.
// It is a value type and compares with ==.
type DeviceSetup struct {
	// OutputDeviceName and InputDeviceName select devices of the current
	// type. An empty name means "no device on this side".
	OutputDeviceName string
	InputDeviceName  string

	// SampleRate of 0 selects the device's preferred rate.
	SampleRate float64
	// BufferSize of 0 selects the device's default block size.
	BufferSize int

	InputChannels           ChannelMask
	UseDefaultInputChannels bool

	OutputChannels           ChannelMask
	UseDefaultOutputChannels bool
}

// NewDeviceSetup returns a setup that lets the manager pick default channels.
func NewDeviceSetup() DeviceSetup {
	return DeviceSetup{
		UseDefaultInputChannels:  true,
		UseDefaultOutputChannels: true,
	}
}

func (s DeviceSetup) String() string {
	return fmt.Sprintf("out=%q in=%q rate=%g buffer=%d inChans=%s outChans=%s",
		s.OutputDeviceName, s.InputDeviceName, s.SampleRate, s.BufferSize,
		s.InputChannels, s.OutputChannels)
}
