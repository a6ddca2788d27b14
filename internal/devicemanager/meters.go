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
	"math"
	"sync/atomic"
)

const (
	levelDecay     = 0.99992
	levelThreshold = 0.001
	loadFilter     = 0.2
)

// levelMeter tracks a peak-held, slowly decaying signal level. It is only
// updated while at least one client has enabled it.
type levelMeter struct {
	clients atomic.Int32
	level   atomic.Uint64
}

func (m *levelMeter) enable(on bool) {
	if on {
		m.clients.Add(1)
		return
	}
	if m.clients.Add(-1) < 0 {
		m.clients.Store(0)
	}
}

func (m *levelMeter) get() float64 { return math.Float64frombits(m.level.Load()) }

// update folds one block into the held level. Runs on the audio path.
func (m *levelMeter) update(chans [][]float32, n int) {
	if m.clients.Load() <= 0 {
		return
	}

	level := m.get()
	active := 0
	for _, ch := range chans {
		if ch != nil {
			active++
		}
	}
	if active == 0 {
		m.level.Store(0)
		return
	}

	for i := 0; i < n; i++ {
		var s float64
		for _, ch := range chans {
			if ch != nil {
				s += math.Abs(float64(ch[i]))
			}
		}
		s /= float64(active)

		switch {
		case s > level:
			level = s
		case level > levelThreshold:
			level *= levelDecay
		default:
			level = 0
		}
	}
	m.level.Store(math.Float64bits(level))
}

// loadMeasurer filters the share of each block's time budget spent in the
// callback, and counts blocks that overran it.
type loadMeasurer struct {
	msPerSample atomic.Uint64
	proportion  atomic.Uint64
	xruns       atomic.Int64
}

func (l *loadMeasurer) reset(sampleRate float64) {
	var ms float64
	if sampleRate > 0 {
		ms = 1000 / sampleRate
	}
	l.msPerSample.Store(math.Float64bits(ms))
	l.proportion.Store(0)
	l.xruns.Store(0)
}

func (l *loadMeasurer) record(elapsedMs float64, numSamples int) {
	budget := math.Float64frombits(l.msPerSample.Load()) * float64(numSamples)
	if budget <= 0 {
		return
	}
	used := elapsedMs / budget
	p := math.Float64frombits(l.proportion.Load())
	p += loadFilter * (used - p)
	l.proportion.Store(math.Float64bits(p))

	if elapsedMs > budget {
		l.xruns.Add(1)
	}
}

func (l *loadMeasurer) load() float64 {
	p := math.Float64frombits(l.proportion.Load())
	return math.Max(0, math.Min(1, p))
}

func (l *loadMeasurer) xrunCount() int { return int(l.xruns.Load()) }
