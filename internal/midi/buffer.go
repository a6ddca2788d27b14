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

import "sort"

// Event is a message placed at a sample offset within a block.
type Event struct {
	Data     []byte
	Position int
}

// Buffer is a list of events ordered by sample position. Events at the same
// position keep their insertion order.
type Buffer struct {
	events []Event
}

// Add copies data into the buffer at pos.
func (b *Buffer) Add(data []byte, pos int) {
	if len(data) == 0 {
		return
	}
	i := sort.Search(len(b.events), func(i int) bool { return b.events[i].Position > pos })
	b.events = append(b.events, Event{})
	copy(b.events[i+1:], b.events[i:])
	b.events[i] = Event{Data: append([]byte(nil), data...), Position: pos}
}

// AddMessage adds msg at pos.
func (b *Buffer) AddMessage(msg Message, pos int) { b.Add(msg.Data, pos) }

// AddBuffer copies the events of other in [start, start+n) shifted by
// offset. A negative n copies everything from start on.
func (b *Buffer) AddBuffer(other *Buffer, start, n, offset int) {
	for _, e := range other.events {
		if e.Position < start || (n >= 0 && e.Position >= start+n) {
			continue
		}
		b.Add(e.Data, e.Position+offset)
	}
}

// Clear removes every event.
func (b *Buffer) Clear() { b.events = b.events[:0] }

// ClearRange removes events in [start, start+n).
func (b *Buffer) ClearRange(start, n int) {
	kept := b.events[:0]
	for _, e := range b.events {
		if e.Position < start || e.Position >= start+n {
			kept = append(kept, e)
		}
	}
	clear(b.events[len(kept):])
	b.events = kept
}

func (b *Buffer) Len() int      { return len(b.events) }
func (b *Buffer) IsEmpty() bool { return len(b.events) == 0 }

// Events returns the events in order. The slice is shared with the buffer.
func (b *Buffer) Events() []Event { return b.events }

// FirstPosition returns the position of the earliest event, or 0.
func (b *Buffer) FirstPosition() int {
	if len(b.events) == 0 {
		return 0
	}
	return b.events[0].Position
}

// LastPosition returns the position of the latest event, or 0.
func (b *Buffer) LastPosition() int {
	if len(b.events) == 0 {
		return 0
	}
	return b.events[len(b.events)-1].Position
}

// indexFrom returns the index of the first event at or after pos.
func (b *Buffer) indexFrom(pos int) int {
	return sort.Search(len(b.events), func(i int) bool { return b.events[i].Position >= pos })
}
