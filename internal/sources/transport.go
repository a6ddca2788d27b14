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

// Transport plays a Clip with start, stop and seek, resampling it to the
// device rate by linear interpolation. Mono clips are copied to every
// output channel; other clips map channel to channel and leave extra
// outputs silent.
type Transport struct {
	mu       sync.Mutex
	clip     *Clip
	ratio    float64
	pos      float64
	playing  bool
	looping  bool
	finished bool
}

// NewTransport returns a stopped transport positioned at the clip start.
func NewTransport(clip *Clip) *Transport {
	return &Transport{clip: clip, ratio: 1}
}

func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos >= float64(t.clip.Frames()) {
		t.pos = 0
	}
	t.playing, t.finished = true, false
}

func (t *Transport) Stop() {
	t.mu.Lock()
	t.playing = false
	t.mu.Unlock()
}

func (t *Transport) IsPlaying() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

// HasFinished reports whether a non-looping transport ran off the end.
func (t *Transport) HasFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Transport) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.pos)
}

// SetPosition moves the read head, clamped to the clip.
func (t *Transport) SetPosition(frame int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = float64(min(max(frame, 0), t.clip.Frames()))
	t.finished = false
}

// PositionSeconds returns the read head in seconds of clip time.
func (t *Transport) PositionSeconds() float64 {
	return float64(t.Position()) / t.clip.SampleRate
}

func (t *Transport) SetPositionSeconds(sec float64) {
	t.SetPosition(int64(math.Round(sec * t.clip.SampleRate)))
}

func (t *Transport) Length() int64 { return t.clip.Frames() }

func (t *Transport) Looping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.looping
}

func (t *Transport) SetLooping(loop bool) {
	t.mu.Lock()
	t.looping = loop
	t.mu.Unlock()
}

func (t *Transport) Prepare(_ int, sampleRate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sampleRate > 0 && t.clip.SampleRate > 0 {
		t.ratio = t.clip.SampleRate / sampleRate
	} else {
		t.ratio = 1
	}
}

func (t *Transport) Release() {}

func (t *Transport) NextBlock(out [][]float32, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	length := float64(t.clip.Frames())
	if !t.playing || length == 0 {
		clearBlock(out, n)
		return
	}

	src := t.clip.Channels
	last := int(length) - 1
	pos := t.pos
	i := 0
	for ; i < n; i++ {
		if pos >= length {
			if !t.looping {
				t.playing, t.finished = false, true
				break
			}
			pos -= length
		}
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next > last {
			if t.looping {
				next = 0
			} else {
				next = last
			}
		}
		for ch, dst := range out {
			if dst == nil {
				continue
			}
			var s []float32
			switch {
			case len(src) == 1:
				s = src[0]
			case ch < len(src):
				s = src[ch]
			default:
				dst[i] = 0
				continue
			}
			dst[i] = s[idx] + (s[next]-s[idx])*frac
		}
		pos += t.ratio
	}
	for _, dst := range out {
		if dst != nil {
			clear(dst[i:n])
		}
	}
	t.pos = min(pos, length)
}
