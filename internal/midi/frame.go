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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Network frame carrying raw MIDI bytes between hosts. Sysex may be split
// over several frames; the receiving Input reassembles it.

// FrameType identifies the payload of a frame.
type FrameType uint8

const (
	FrameTypeMidiData  FrameType = 0x01
	FrameTypeHeartbeat FrameType = 0x10
)

// Frame is one network MIDI packet.
type Frame struct {
	Type      FrameType
	Sequence  uint32
	Timestamp uint64 // sender clock, microseconds
	Data      []byte
}

// FrameHeader is the fixed-size frame header (20 bytes)
type FrameHeader struct {
	Magic     uint32    // 0x4C514D49 ("LQMI")
	Type      FrameType // Frame type (1 byte)
	Reserved  uint8     // Reserved for future use (1 byte)
	Length    uint16    // Data payload length (2 bytes)
	Sequence  uint32    // Sequence number (4 bytes)
	Timestamp uint64    // Sender timestamp microseconds (8 bytes)
}

const (
	// FrameMagic validates frames
	FrameMagic = 0x4C514D49 // "LQMI" in big-endian

	HeaderSize  = 20
	MaxDataSize = math.MaxUint16
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)),
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Data)))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)
	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too small: %d bytes (min %d)", len(data), HeaderSize)
	}

	r := bytes.NewReader(data)
	var header FrameHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("invalid frame magic: 0x%08X (expected 0x%08X)", header.Magic, FrameMagic)
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("frame size mismatch: got %d bytes, expected %d", len(data), expectedSize)
	}

	frame := &Frame{
		Type:      header.Type,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(r, frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return frame, nil
}
