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
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DeviceType enumerates and creates the devices of one backend.
type DeviceType interface {
	TypeName() string

	// ScanForDevices refreshes the cached device lists. It may be slow and
	// may be called repeatedly.
	ScanForDevices()
	// DeviceNames returns the lists captured by the last scan.
	DeviceNames(wantInputs bool) []string
	// DefaultDeviceIndex returns the index of the OS default device, or 0.
	DefaultDeviceIndex(forInput bool) int
	// HasSeparateInputsAndOutputs reports whether input and output names
	// may refer to different physical devices.
	HasSeparateInputsAndOutputs() bool
	CreateDevice(outputName, inputName string) (Device, error)

	AddListener(l DeviceTypeListener)
	RemoveListener(l DeviceTypeListener)
}

// DeviceTypeListener is told when a hot-plug rescan changed the device lists.
// Listeners are compared by identity, so pass pointers.
type DeviceTypeListener interface {
	DeviceListChanged()
}

// HotplugAware is implemented by device types that can rescan and notify in
// response to an external hot-plug signal.
type HotplugAware interface {
	HandleHotplug()
}

// NotifyHotplug forwards a hot-plug signal to every type that handles one.
func NotifyHotplug(types []DeviceType) {
	for _, t := range types {
		if h, ok := t.(HotplugAware); ok {
			h.HandleHotplug()
		}
	}
}

type deviceList struct {
	inputs, outputs       []string
	defaultIn, defaultOut int
}

// typeBase carries the state every DeviceType shares: the atomically
// swapped scan result and the listener set.
type typeBase struct {
	name string
	log  zerolog.Logger

	lists atomic.Pointer[deviceList]

	listenerMu sync.Mutex
	listeners  []DeviceTypeListener
}

func (b *typeBase) init(name string, log zerolog.Logger) {
	b.name = name
	b.log = log.With().Str("component", "audio").Str("device_type", name).Logger()
}

func (b *typeBase) TypeName() string { return b.name }

func (b *typeBase) publish(l *deviceList) {
	if l.defaultIn < 0 || l.defaultIn >= len(l.inputs) {
		l.defaultIn = 0
	}
	if l.defaultOut < 0 || l.defaultOut >= len(l.outputs) {
		l.defaultOut = 0
	}
	b.lists.Store(l)
}

func (b *typeBase) scanned() *deviceList {
	l := b.lists.Load()
	assertf(b.log, l != nil, "%s: device list queried before ScanForDevices", b.name)
	if l == nil {
		return &deviceList{}
	}
	return l
}

func (b *typeBase) DeviceNames(wantInputs bool) []string {
	l := b.scanned()
	if wantInputs {
		return slices.Clone(l.inputs)
	}
	return slices.Clone(l.outputs)
}

func (b *typeBase) DefaultDeviceIndex(forInput bool) int {
	l := b.scanned()
	if forInput {
		return l.defaultIn
	}
	return l.defaultOut
}

func (b *typeBase) indexOf(name string, input bool) int {
	if name == "" {
		return -1
	}
	l := b.scanned()
	if input {
		return slices.Index(l.inputs, name)
	}
	return slices.Index(l.outputs, name)
}

func (b *typeBase) AddListener(l DeviceTypeListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	if !slices.Contains(b.listeners, l) {
		b.listeners = append(b.listeners, l)
	}
}

func (b *typeBase) RemoveListener(l DeviceTypeListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listeners = slices.DeleteFunc(b.listeners, func(x DeviceTypeListener) bool { return x == l })
}

func (b *typeBase) notifyListeners() {
	b.listenerMu.Lock()
	ls := slices.Clone(b.listeners)
	b.listenerMu.Unlock()

	for _, l := range ls {
		l.DeviceListChanged()
	}
}

// validatePair checks the names passed to CreateDevice against the last scan.
func (b *typeBase) validatePair(outputName, inputName string, separate bool) error {
	if outputName == "" && inputName == "" {
		return &NoSuchDeviceError{Name: ""}
	}
	if outputName != "" && b.indexOf(outputName, false) < 0 {
		return &NoSuchDeviceError{Name: outputName}
	}
	if inputName != "" && b.indexOf(inputName, true) < 0 {
		return &NoSuchDeviceError{Name: inputName}
	}
	if !separate && outputName != "" && inputName != "" && outputName != inputName {
		assertf(b.log, false, "%s: input %q and output %q must name the same device", b.name, inputName, outputName)
		return &NoSuchDeviceError{Name: inputName}
	}
	return nil
}
