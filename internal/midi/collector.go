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
	"math"
	"sync"
)

// Collector turns timestamped incoming messages into per-block buffers for
// an audio callback. It implements InputCallback so it can be attached to an
// input directly.
type Collector struct {
	clock func() float64

	mu               sync.Mutex
	sampleRate       float64
	lastCallbackTime float64 // ms
	incoming         Buffer
}

// NewCollector returns a collector using the MIDI clock.
func NewCollector() *Collector {
	return &Collector{clock: func() float64 { return Now() * 1000 }}
}

// NewCollectorWithClock returns a collector using a millisecond clock.
func NewCollectorWithClock(clock func() float64) *Collector {
	return &Collector{clock: clock}
}

// Reset clears the queue and sets the rate of the audio stream.
func (c *Collector) Reset(sampleRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampleRate = sampleRate
	c.incoming.Clear()
	c.lastCallbackTime = c.clock()
}

// Add queues msg, whose timestamp is in seconds on the collector's clock.
// Messages left unread for over a second are discarded.
func (c *Collector) Add(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sampleRate <= 0 {
		return
	}
	pos := int((msg.Timestamp - 0.001*c.lastCallbackTime) * c.sampleRate)
	c.incoming.Add(msg.Data, pos)

	if limit := int(c.sampleRate); pos > limit {
		c.incoming.ClearRange(0, pos-limit)
	}
}

func (c *Collector) HandleMessage(_ *Input, msg Message) { c.Add(msg) }

func (c *Collector) HandlePartialSysex(*Input, []byte, float64) {}

// NextBlock moves the messages collected since the previous call into dst,
// spread over numSamples. When more time than one block has passed, the
// positions are scaled down to fit; when less, they are placed at the end.
func (c *Collector) NextBlock(dst *Buffer, numSamples int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	elapsed := now - c.lastCallbackTime
	c.lastCallbackTime = now

	if c.incoming.IsEmpty() || numSamples <= 0 {
		return
	}

	sourceSamples := max(1, int(math.Round(elapsed*0.001*c.sampleRate)))
	events := c.incoming.Events()

	if sourceSamples > numSamples {
		start := 0
		maxSpan := numSamples << 5
		if sourceSamples > maxSpan {
			start = sourceSamples - maxSpan
			sourceSamples = maxSpan
			events = events[c.incoming.indexFrom(start):]
		}
		scale := (numSamples << 10) / sourceSamples
		for _, e := range events {
			pos := ((e.Position - start) * scale) >> 10
			dst.Add(e.Data, clampInt(pos, 0, numSamples-1))
		}
	} else {
		start := numSamples - sourceSamples
		for _, e := range events {
			dst.Add(e.Data, clampInt(e.Position+start, 0, numSamples-1))
		}
	}
	c.incoming.Clear()
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
