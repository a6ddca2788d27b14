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
	"sync"
	"sync/atomic"
)

// callbackSlot holds the callback attached to a device and pairs every
// AboutToStart with exactly one Stopped.
//
// control serialises start and stop. mu is held for the duration of each
// Process call, so swapping the callback under mu guarantees the previous
// one has returned and will not run again.
type callbackSlot struct {
	control sync.Mutex
	mu      sync.Mutex
	cb      IOCallback
	playing atomic.Bool
	panics  atomic.Int64
}

func (s *callbackSlot) start(dev Device, cb IOCallback) {
	if cb == nil {
		s.stop()
		return
	}

	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	old := s.cb
	s.mu.Unlock()
	if old == cb {
		return
	}

	cb.AboutToStart(dev)

	s.mu.Lock()
	s.cb = cb
	s.playing.Store(true)
	s.mu.Unlock()

	if old != nil {
		old.Stopped()
	}
}

func (s *callbackSlot) stop() {
	s.control.Lock()
	defer s.control.Unlock()

	s.mu.Lock()
	old := s.cb
	s.cb = nil
	s.playing.Store(false)
	s.mu.Unlock()

	if old != nil {
		old.Stopped()
	}
}

func (s *callbackSlot) isPlaying() bool { return s.playing.Load() }

// process runs the attached callback, or writes silence when there is none.
func (s *callbackSlot) process(in, out [][]float32, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cb == nil {
		ZeroChannels(out, n)
		return
	}
	s.invoke(in, out, n)
}

func (s *callbackSlot) invoke(in, out [][]float32, n int) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			ZeroChannels(out, n)
		}
	}()
	s.cb.Process(in, out, n)
}

func (s *callbackSlot) reportError(err error) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()

	if ec, ok := cb.(ErrorCallback); ok {
		ec.DeviceError(err)
	}
}
