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

package sources

import (
	"sync"

	"github.com/loqalabs/loqa-hal/internal/audio"
)

// Player is an audio callback that pulls blocks from a Source and applies a
// gain that ramps linearly across a block when it changes.
type Player struct {
	mu       sync.Mutex
	source   Source
	gain     float32
	lastGain float32

	rate      float64
	blockSize int
}

// NewPlayer returns a player with unity gain and no source.
func NewPlayer() *Player {
	return &Player{gain: 1, lastGain: 1}
}

// SetSource swaps the source being played. The new source is prepared
// before it is installed and the old one released after it is removed.
func (p *Player) SetSource(src Source) {
	p.mu.Lock()
	if p.source == src {
		p.mu.Unlock()
		return
	}
	rate, size := p.rate, p.blockSize
	p.mu.Unlock()

	if src != nil && rate > 0 {
		src.Prepare(size, rate)
	}

	p.mu.Lock()
	old := p.source
	p.source = src
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// Source returns the source being played, or nil.
func (p *Player) Source() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

func (p *Player) SetGain(g float32) {
	p.mu.Lock()
	p.gain = g
	p.mu.Unlock()
}

func (p *Player) Gain() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

func (p *Player) AboutToStart(dev audio.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rate = dev.CurrentSampleRate()
	p.blockSize = dev.CurrentBufferSize()
	if p.source != nil {
		p.source.Prepare(p.blockSize, p.rate)
	}
}

func (p *Player) Process(in, out [][]float32, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		audio.ZeroChannels(out, n)
		p.lastGain = p.gain
		return
	}

	for ch, dst := range out {
		if dst == nil {
			continue
		}
		if ch < len(in) && in[ch] != nil {
			copy(dst[:n], in[ch][:n])
		} else {
			clear(dst[:n])
		}
	}
	p.source.NextBlock(out, n)

	from, to := p.lastGain, p.gain
	if from == 1 && to == 1 {
		return
	}
	for _, ch := range out {
		if ch != nil {
			applyGainRamp(ch[:n], from, to)
		}
	}
	p.lastGain = to
}

func (p *Player) Stopped() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source != nil {
		p.source.Release()
	}
	p.rate, p.blockSize = 0, 0
}

func applyGainRamp(buf []float32, from, to float32) {
	if from == to {
		for i := range buf {
			buf[i] *= to
		}
		return
	}
	step := (to - from) / float32(len(buf))
	g := from
	for i := range buf {
		buf[i] *= g
		g += step
	}
}
