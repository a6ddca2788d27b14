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

// Package midi carries MIDI between native ports and the application: the
// message type, the byte-stream reassembler, input and output ports with a
// timed send queue, and the backends that provide ports.
package midi

import (
	"errors"
	"fmt"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

var (
	// ErrNoSuchPort is returned when a named port is not offered by any backend.
	ErrNoSuchPort = errors.New("no such MIDI port")
	// ErrPortClosed is returned by operations on a closed port.
	ErrPortClosed = errors.New("MIDI port is closed")
)

// Status bytes with special handling.
const (
	SysexStart    = 0xF0
	SysexEnd      = 0xF7
	ActiveSensing = 0xFE
)

var epoch = time.Now()

// Now returns the monotonic MIDI clock in seconds.
func Now() float64 {
	return time.Since(epoch).Seconds()
}

// Message is one complete MIDI message. Timestamp is in seconds on the Now
// clock, or a sample position when the message sits in a Buffer.
type Message struct {
	Data      []byte
	Timestamp float64
}

// NewMessage copies data into a message stamped at ts.
func NewMessage(data []byte, ts float64) Message {
	return Message{Data: append([]byte(nil), data...), Timestamp: ts}
}

// NoteOn builds a note-on for a 1-based channel.
func NoteOn(channel, note int, velocity uint8) Message {
	return fromGomidi(gomidi.NoteOn(channelByte(channel), uint8(note)&0x7F, velocity&0x7F))
}

// NoteOff builds a note-off with a release velocity.
func NoteOff(channel, note int, velocity uint8) Message {
	return fromGomidi(gomidi.NoteOffVelocity(channelByte(channel), uint8(note)&0x7F, velocity&0x7F))
}

func ControlChange(channel, controller, value int) Message {
	return fromGomidi(gomidi.ControlChange(channelByte(channel), uint8(controller)&0x7F, uint8(value)&0x7F))
}

func channelByte(channel int) uint8 { return uint8(channel-1) & 0x0F }

func fromGomidi(m gomidi.Message) Message {
	return Message{Data: []byte(m)}
}

// Status returns the first byte, or 0 for an empty message.
func (m Message) Status() byte {
	if len(m.Data) == 0 {
		return 0
	}
	return m.Data[0]
}

// Channel returns the 1-based channel of a channel message, or 0.
func (m Message) Channel() int {
	s := m.Status()
	if s < 0x80 || s >= 0xF0 {
		return 0
	}
	return int(s&0x0F) + 1
}

func (m Message) IsNoteOn() bool {
	return len(m.Data) >= 3 && m.Status()&0xF0 == 0x90 && m.Data[2] != 0
}

// IsNoteOff treats a note-on with zero velocity as note-off.
func (m Message) IsNoteOff() bool {
	if len(m.Data) < 3 {
		return false
	}
	switch m.Status() & 0xF0 {
	case 0x80:
		return true
	case 0x90:
		return m.Data[2] == 0
	}
	return false
}

func (m Message) IsSysex() bool       { return m.Status() == SysexStart }
func (m Message) IsActiveSensing() bool { return m.Status() == ActiveSensing }

func (m Message) String() string {
	switch {
	case m.IsNoteOn():
		return fmt.Sprintf("note on ch%d %d vel %d", m.Channel(), m.Data[1], m.Data[2])
	case m.IsNoteOff():
		return fmt.Sprintf("note off ch%d %d", m.Channel(), m.Data[1])
	case m.Status()&0xF0 == 0xB0 && len(m.Data) >= 3:
		return fmt.Sprintf("cc ch%d %d=%d", m.Channel(), m.Data[1], m.Data[2])
	case m.IsSysex():
		return fmt.Sprintf("sysex %d bytes", len(m.Data))
	}
	return fmt.Sprintf("% X", m.Data)
}

// IsRealtime reports whether b is a system realtime byte, which may appear
// anywhere in the stream, including inside a sysex.
func IsRealtime(b byte) bool {
	return b == 0xF8 || b >= 0xFA
}

// MessageLength returns the total length of a short message with the given
// status byte, or 0 for sysex and undefined statuses.
func MessageLength(status byte) int {
	switch {
	case status < 0x80:
		return 0
	case status < 0xC0, status >= 0xE0 && status < 0xF0:
		return 3
	case status < 0xE0:
		return 2
	}
	switch status {
	case 0xF1, 0xF3:
		return 2
	case 0xF2:
		return 3
	case 0xF6, 0xF8, 0xFA, 0xFB, 0xFC, 0xFE, 0xFF:
		return 1
	}
	return 0
}
