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

package midi

import (
	"io"
	"sync"
	"sync/atomic"
)

// Input is an open MIDI input port. It delivers nothing until Start.
type Input struct {
	name    string
	backend string
	cb      InputCallback

	mu     sync.Mutex
	concat *Concatenator
	native io.Closer

	running atomic.Bool
	closed  atomic.Bool
}

func newInput(name, backend string, cb InputCallback) *Input {
	return &Input{
		name:    name,
		backend: backend,
		cb:      cb,
		concat:  NewConcatenator(256),
	}
}

// Name is the port name as listed by its backend.
func (in *Input) Name() string { return in.name }

// Backend names the backend that owns the port.
func (in *Input) Backend() string { return in.backend }

// Start begins delivering messages to the callback.
func (in *Input) Start() {
	if in.closed.Load() {
		return
	}
	in.mu.Lock()
	in.concat.Reset()
	in.mu.Unlock()
	in.running.Store(true)
}

// Stop pauses delivery. Bytes arriving while stopped are discarded.
func (in *Input) Stop() { in.running.Store(false) }

func (in *Input) IsRunning() bool { return in.running.Load() }

// Close stops the port and releases the native handle.
func (in *Input) Close() error {
	in.Stop()
	if in.closed.Swap(true) {
		return nil
	}
	in.mu.Lock()
	native := in.native
	in.native = nil
	in.mu.Unlock()
	if native != nil {
		return native.Close()
	}
	return nil
}

// deliver is the sink a backend feeds raw bytes into.
func (in *Input) deliver(data []byte, timestamp float64) {
	if !in.running.Load() {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.concat.Push(data, timestamp, in, in.cb)
}

// InputCallbackFuncs adapts plain functions to InputCallback.
type InputCallbackFuncs struct {
	OnMessage      func(src *Input, msg Message)
	OnPartialSysex func(src *Input, data []byte, timestamp float64)
}

func (f InputCallbackFuncs) HandleMessage(src *Input, msg Message) {
	if f.OnMessage != nil {
		f.OnMessage(src, msg)
	}
}

func (f InputCallbackFuncs) HandlePartialSysex(src *Input, data []byte, timestamp float64) {
	if f.OnPartialSysex != nil {
		f.OnPartialSysex(src, data, timestamp)
	}
}
