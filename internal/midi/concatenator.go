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

// InputCallback receives messages from an Input. Calls for one source are
// serialised; different sources may call concurrently.
type InputCallback interface {
	HandleMessage(src *Input, msg Message)
	// HandlePartialSysex reports the sysex bytes accumulated so far when a
	// push ended inside an unterminated sysex.
	HandlePartialSysex(src *Input, data []byte, timestamp float64)
}

// Concatenator reassembles complete messages from raw byte runs that may
// split messages at arbitrary points. It is not safe for concurrent use.
type Concatenator struct {
	pending       []byte
	inSysex       bool
	runningStatus byte
	// sysexTime is the timestamp of the push that carried the pending
	// sysex's 0xF0 start byte.
	sysexTime     float64
}

// NewConcatenator returns a concatenator whose sysex buffer starts with the
// given capacity.
func NewConcatenator(capacity int) *Concatenator {
	return &Concatenator{pending: make([]byte, 0, max(capacity, 3))}
}

// Reset drops any partial message and the running status.
func (c *Concatenator) Reset() {
	c.pending = c.pending[:0]
	c.inSysex = false
	c.runningStatus = 0
	c.sysexTime = 0
}

// Push scans data, delivering each complete message to cb as soon as its
// last byte is seen. Sysex messages and partial sysex reports carry the
// timestamp of the push that started the sysex. Realtime bytes are delivered immediately, even inside a
// sysex. A data byte with no status to attach to ends the run.
func (c *Concatenator) Push(data []byte, timestamp float64, src *Input, cb InputCallback) {
	sysexGrew := false

scan:
	for _, b := range data {
		if IsRealtime(b) {
			cb.HandleMessage(src, Message{Data: []byte{b}, Timestamp: timestamp})
			continue
		}

		if c.inSysex {
			switch {
			case b == SysexEnd:
				c.pending = append(c.pending, b)
				cb.HandleMessage(src, NewMessage(c.pending, c.sysexTime))
				c.pending = c.pending[:0]
				c.inSysex = false
				sysexGrew = false
				continue
			case b == SysexStart:
				c.pending = append(c.pending[:0], b)
				c.sysexTime = timestamp
				sysexGrew = true
				continue
			case b < 0x80:
				c.pending = append(c.pending, b)
				sysexGrew = true
				continue
			}
			// any other status aborts the sysex
			c.pending = c.pending[:0]
			c.inSysex = false
			sysexGrew = false
		}

		switch {
		case b == SysexStart:
			c.pending = append(c.pending[:0], b)
			c.inSysex = true
			c.sysexTime = timestamp
			c.runningStatus = 0
			sysexGrew = true

		case b >= 0x80:
			c.pending = c.pending[:0]
			if b < 0xF0 {
				c.runningStatus = b
			} else {
				c.runningStatus = 0
			}
			switch MessageLength(b) {
			case 0:
				// stray 0xF7 or undefined status
			case 1:
				cb.HandleMessage(src, Message{Data: []byte{b}, Timestamp: timestamp})
			default:
				c.pending = append(c.pending, b)
			}

		default:
			if len(c.pending) == 0 {
				if c.runningStatus == 0 {
					break scan
				}
				c.pending = append(c.pending, c.runningStatus)
			}
			c.pending = append(c.pending, b)
			if len(c.pending) == MessageLength(c.pending[0]) {
				cb.HandleMessage(src, NewMessage(c.pending, timestamp))
				c.pending = c.pending[:0]
			}
		}
	}

	if c.inSysex && sysexGrew {
		cb.HandlePartialSysex(src, append([]byte(nil), c.pending...), c.sysexTime)
	}
}
