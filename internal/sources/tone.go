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
	"math"
	"sync"
)

// Tone is a sine oscillator writing the same signal to every channel.
type Tone struct {
	mu        sync.Mutex
	frequency float64
	amplitude float64
	rate      float64
	phase     float64
}

// NewTone returns a sine source. The amplitude is linear gain.
func NewTone(frequency, amplitude float64) *Tone {
	return &Tone{frequency: frequency, amplitude: amplitude}
}

func (t *Tone) SetFrequency(hz float64) {
	t.mu.Lock()
	t.frequency = hz
	t.mu.Unlock()
}

func (t *Tone) SetAmplitude(gain float64) {
	t.mu.Lock()
	t.amplitude = gain
	t.mu.Unlock()
}

func (t *Tone) Prepare(_ int, sampleRate float64) {
	t.mu.Lock()
	t.rate = sampleRate
	t.phase = 0
	t.mu.Unlock()
}

func (t *Tone) Release() {}

func (t *Tone) NextBlock(out [][]float32, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rate <= 0 {
		clearBlock(out, n)
		return
	}
	step := 2 * math.Pi * t.frequency / t.rate
	phase := t.phase
	for i := 0; i < n; i++ {
		s := float32(t.amplitude * math.Sin(phase))
		for _, ch := range out {
			if ch != nil {
				ch[i] = s
			}
		}
		phase += step
	}
	t.phase = math.Mod(phase, 2*math.Pi)
}
