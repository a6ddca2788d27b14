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
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"time"

	"github.com/loqalabs/loqa-hal/internal/audio"
)

// AddAudioCallback registers cb. If a device is playing, cb receives
// AboutToStart before its first Process call. Callbacks are compared by
// identity, so pass pointers. Adding a registered callback is a no-op.
func (m *Manager) AddAudioCallback(cb audio.IOCallback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audioMu.Lock()
	present := slices.Contains(m.callbacks, cb)
	m.audioMu.Unlock()
	if present {
		return
	}

	if m.current != nil && m.current.IsPlaying() {
		cb.AboutToStart(m.current)
	}

	m.audioMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.audioMu.Unlock()
}

// RemoveAudioCallback unregisters cb. When it returns, cb is not running
// and will not run again; a playing device's callback receives Stopped.
func (m *Manager) RemoveAudioCallback(cb audio.IOCallback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audioMu.Lock()
	i := slices.Index(m.callbacks, cb)
	if i >= 0 {
		m.callbacks = slices.Delete(m.callbacks, i, i+1)
	}
	m.audioMu.Unlock()

	if i >= 0 && m.current != nil && m.current.IsPlaying() {
		cb.Stopped()
	}
}

// PlayTestSound mixes a one second sine burst into the output, to let a
// user check routing. It replaces a tone that is still playing.
func (m *Manager) PlayTestSound() {
	m.mu.Lock()
	dev := m.current
	m.mu.Unlock()

	m.audioMu.Lock()
	m.tone = nil
	m.audioMu.Unlock()

	if dev == nil || !dev.IsOpen() {
		return
	}
	tone := synthTestTone(dev.CurrentSampleRate())

	m.audioMu.Lock()
	m.tone, m.tonePos = tone, 0
	m.audioMu.Unlock()
}

// IsPlayingTestSound reports whether a test tone is still being mixed in.
func (m *Manager) IsPlayingTestSound() bool {
	m.audioMu.Lock()
	defer m.audioMu.Unlock()
	return m.tone != nil
}

// deviceCallback is the one callback the manager attaches to its device.
type deviceCallback struct{ m *Manager }

func (d *deviceCallback) AboutToStart(dev audio.Device) {
	m := d.m
	m.load.reset(dev.CurrentSampleRate())

	m.audioMu.Lock()
	for _, cb := range m.callbacks {
		cb.AboutToStart(dev)
	}
	m.audioMu.Unlock()

	m.changes.send()
}

func (d *deviceCallback) Process(in, out [][]float32, n int) {
	d.m.process(in, out, n)
}

func (d *deviceCallback) Stopped() {
	m := d.m

	m.audioMu.Lock()
	for _, cb := range m.callbacks {
		cb.Stopped()
	}
	m.tone = nil
	m.audioMu.Unlock()

	m.load.reset(0)
	m.changes.send()
}

func (d *deviceCallback) DeviceError(err error) {
	m := d.m
	m.log.Warn().Err(err).Msg("audio device error")

	m.audioMu.Lock()
	cbs := slices.Clone(m.callbacks)
	m.audioMu.Unlock()

	for _, cb := range cbs {
		if ec, ok := cb.(audio.ErrorCallback); ok {
			ec.DeviceError(err)
		}
	}
}

// process runs on the device's realtime context. The first callback writes
// straight into out; the rest render into scratch and are summed in.
func (m *Manager) process(in, out [][]float32, n int) {
	start := time.Now()

	m.audioMu.Lock()
	defer m.audioMu.Unlock()

	m.inputLevel.update(in, n)

	if len(m.callbacks) == 0 {
		audio.ZeroChannels(out, n)
	} else {
		m.invoke(m.callbacks[0], in, out, n)

		if len(m.callbacks) > 1 {
			scratch := m.scratchFor(out, n)
			for _, cb := range m.callbacks[1:] {
				audio.ZeroChannels(scratch, n)
				if !m.invoke(cb, in, scratch, n) {
					continue
				}
				for ch, dst := range out {
					if dst == nil {
						continue
					}
					src := scratch[ch]
					for i := 0; i < n; i++ {
						dst[i] += src[i]
					}
				}
			}
		}
	}

	if m.tone != nil {
		m.mixTone(out, n)
	}
	m.outputLevel.update(out, n)
	m.load.record(float64(time.Since(start).Nanoseconds())/1e6, n)
}

// invoke runs one callback. A panicking callback contributes silence.
func (m *Manager) invoke(cb audio.IOCallback, in, out [][]float32, n int) bool {
	if !audio.DebugChecks {
		return m.invokeSafely(cb, in, out, n)
	}
	before := inputChecksum(in, n)
	ok := m.invokeSafely(cb, in, out, n)
	if inputChecksum(in, n) != before {
		panic(fmt.Sprintf("devicemanager: audio callback %T wrote to its input buffers", cb))
	}
	return ok
}

func (m *Manager) invokeSafely(cb audio.IOCallback, in, out [][]float32, n int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			audio.ZeroChannels(out, n)
			ok = false
		}
	}()
	cb.Process(in, out, n)
	return true
}

// inputChecksum hashes the first n samples of every input channel.
func inputChecksum(in [][]float32, n int) uint64 {
	h := fnv.New64a()
	var b [4]byte
	for _, ch := range in {
		for _, v := range ch[:min(n, len(ch))] {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			_, _ = h.Write(b[:])
		}
	}
	return h.Sum64()
}

// scratchFor returns scratch channels shaped like out. The backing buffers
// grow only when the channel count or block size grows.
func (m *Manager) scratchFor(out [][]float32, n int) [][]float32 {
	if len(m.scratch) < len(out) || (len(m.scratch) > 0 && len(m.scratch[0]) < n) {
		size := n
		if len(m.scratch) > 0 {
			size = max(size, len(m.scratch[0]))
		}
		m.scratch = make([][]float32, max(len(out), len(m.scratch)))
		for ch := range m.scratch {
			m.scratch[ch] = make([]float32, size)
		}
		m.scratchView = make([][]float32, len(m.scratch))
	}

	view := m.scratchView[:len(out)]
	for ch := range view {
		if out[ch] == nil {
			view[ch] = nil
		} else {
			view[ch] = m.scratch[ch][:n]
		}
	}
	return view
}

func (m *Manager) mixTone(out [][]float32, n int) {
	k := min(n, len(m.tone)-m.tonePos)
	src := m.tone[m.tonePos : m.tonePos+k]
	for _, ch := range out {
		if ch == nil {
			continue
		}
		for i, s := range src {
			ch[i] += s
		}
	}
	m.tonePos += k
	if m.tonePos >= len(m.tone) {
		m.tone = nil
	}
}
