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

	"github.com/rs/zerolog"
)

// deviceCore is embedded by every backend device. It owns the callback slot,
// the state reported by the query methods and the float buffers handed to
// the callback.
type deviceCore struct {
	name     string
	typeName string
	log      zerolog.Logger
	self     Device

	slot callbackSlot

	mu         sync.Mutex
	open       bool
	lastError  string
	sampleRate float64
	bufferSize int
	bitDepth   int
	activeIn   ChannelMask
	activeOut  ChannelMask
	inLatency  int
	outLatency int

	resetHandler atomic.Pointer[func()]
	xruns        atomic.Int64

	io ioBuffers
}

func (c *deviceCore) init(self Device, name, typeName string, log zerolog.Logger) {
	c.name = name
	c.typeName = typeName
	c.self = self
	c.log = log.With().Str("device", name).Logger()
}

func (c *deviceCore) Name() string     { return c.name }
func (c *deviceCore) TypeName() string { return c.typeName }

func (c *deviceCore) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *deviceCore) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// fail records err as the last error and returns it.
func (c *deviceCore) fail(err error) error {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("device error")
	return err
}

func (c *deviceCore) clearError() {
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
}

func (c *deviceCore) CurrentSampleRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate
}

func (c *deviceCore) CurrentBufferSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferSize
}

func (c *deviceCore) CurrentBitDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitDepth
}

func (c *deviceCore) ActiveInputChannels() ChannelMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeIn
}

func (c *deviceCore) ActiveOutputChannels() ChannelMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeOut
}

func (c *deviceCore) InputLatency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inLatency
}

func (c *deviceCore) OutputLatency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outLatency
}

// Start attaches cb if the device is open.
func (c *deviceCore) Start(cb IOCallback) {
	if !c.IsOpen() {
		return
	}
	c.slot.start(c.self, cb)
}

func (c *deviceCore) Stop() { c.slot.stop() }

func (c *deviceCore) IsPlaying() bool { return c.IsOpen() && c.slot.isPlaying() }

func (c *deviceCore) SetResetHandler(fn func()) {
	if fn == nil {
		c.resetHandler.Store(nil)
		return
	}
	c.resetHandler.Store(&fn)
}

// requestReset asks the owner to reopen the device. It reports whether an
// owner was listening.
func (c *deviceCore) requestReset() bool {
	fn := c.resetHandler.Load()
	if fn == nil {
		return false
	}
	go (*fn)()
	return true
}

func (c *deviceCore) XRunCount() int { return int(c.xruns.Load()) }

// CallbackPanics returns how many Process calls were aborted by a panic.
func (c *deviceCore) CallbackPanics() int { return int(c.slot.panics.Load()) }

// commit publishes the negotiated configuration after a successful open.
func (c *deviceCore) commit(rate float64, size, bitDepth int, in, out ChannelMask, inLatency, outLatency int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	c.lastError = ""
	c.sampleRate = rate
	c.bufferSize = size
	c.bitDepth = bitDepth
	c.activeIn = in
	c.activeOut = out
	c.inLatency = inLatency
	c.outLatency = outLatency
}

// markClosed flips the open flag and reports whether it was set.
func (c *deviceCore) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.open
	c.open = false
	return was
}

// runBlock feeds n frames through the callback in chunks no larger than the
// prepared buffers. fill decodes hardware input for frames [off, off+k) and
// drain encodes the callback output for the same frames.
func (c *deviceCore) runBlock(n int, fill, drain func(hw [][]float32, off, k int)) {
	for off := 0; off < n; {
		k := min(n-off, c.io.capacity)
		if fill != nil {
			fill(c.io.hwIn, off, k)
		}
		in, out := c.io.block(k)
		c.slot.process(in, out, k)
		if drain != nil {
			drain(c.io.hwOut, off, k)
		}
		off += k
	}
}

// reportFault forwards a runtime fault to the attached callback.
func (c *deviceCore) reportFault(err error) {
	if err == nil {
		err = errors.New("device fault")
	}
	c.fail(err)
	c.slot.reportError(err)
}

// ioBuffers are the per-device float buffers. The compact views are indexed
// by active channel position; the hardware views by hardware channel, with
// nil for inactive channels.
type ioBuffers struct {
	capacity int

	inBufs, outBufs [][]float32
	inView, outView [][]float32
	hwIn, hwOut     [][]float32
}

func (b *ioBuffers) prepare(activeIn, activeOut ChannelMask, numHwIn, numHwOut, capacity int) {
	b.capacity = max(capacity, 1)
	b.inBufs, b.inView, b.hwIn = layout(activeIn, numHwIn, b.capacity)
	b.outBufs, b.outView, b.hwOut = layout(activeOut, numHwOut, b.capacity)
}

func layout(mask ChannelMask, numHw, capacity int) (bufs, view, hw [][]float32) {
	chans := mask.Channels()
	bufs = make([][]float32, len(chans))
	view = make([][]float32, len(chans))
	hw = make([][]float32, numHw)
	for i, ch := range chans {
		bufs[i] = make([]float32, capacity)
		if ch < numHw {
			hw[ch] = bufs[i]
		}
	}
	return bufs, view, hw
}

func (b *ioBuffers) block(n int) (in, out [][]float32) {
	for i, buf := range b.inBufs {
		b.inView[i] = buf[:n]
	}
	for i, buf := range b.outBufs {
		b.outView[i] = buf[:n]
	}
	return b.inView, b.outView
}
