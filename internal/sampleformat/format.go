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

// Package sampleformat converts between native hardware sample layouts and the
// non-interleaved float32 buffers handed to audio callbacks.
//
// All conversion functions work on caller-sized buffers and never allocate.
// Positions and strides are counted in samples, not bytes: sample i of a run
// lives at index offset+i*stride. A stride of zero marks the run as absent and
// the call does nothing.
package sampleformat

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoding is the numeric representation of one sample.
type Encoding int

const (
	Int16 Encoding = iota
	Int24
	Int32
	Float32
)

// BytesPerSample returns the packed size of one sample.
func (e Encoding) BytesPerSample() int {
	switch e {
	case Int16:
		return 2
	case Int24:
		return 3
	default:
		return 4
	}
}

// BitDepth returns the nominal bit depth reported by devices.
func (e Encoding) BitDepth() int {
	switch e {
	case Int16:
		return 16
	case Int24:
		return 24
	default:
		return 32
	}
}

func (e Encoding) String() string {
	switch e {
	case Int16:
		return "int16"
	case Int24:
		return "int24"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// Format is a packed sample layout.
type Format struct {
	Encoding  Encoding
	BigEndian bool
}

var nativeBigEndian = binary.NativeEndian.Uint16([]byte{0x00, 0x01}) == 0x0001

// Native returns the host byte order variant of e.
func Native(e Encoding) Format {
	return Format{Encoding: e, BigEndian: nativeBigEndian}
}

// BytesPerSample returns the packed size of one sample.
func (f Format) BytesPerSample() int { return f.Encoding.BytesPerSample() }

func (f Format) String() string {
	if f.BigEndian {
		return f.Encoding.String() + "be"
	}
	return f.Encoding.String() + "le"
}

func (f Format) order() binary.ByteOrder {
	if f.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

const (
	scale16 = 1 << 15
	scale24 = 1 << 23
	scale32 = 1 << 31
)

// ToFloat decodes n samples from src into dst[0:n].
func (f Format) ToFloat(dst []float32, src []byte, offset, stride, n int) {
	if stride <= 0 || n <= 0 {
		return
	}
	bps := f.Encoding.BytesPerSample()
	pos, step := offset*bps, stride*bps
	bo := f.order()

	switch f.Encoding {
	case Int16:
		for i := 0; i < n; i++ {
			dst[i] = float32(int16(bo.Uint16(src[pos:]))) * (1.0 / scale16)
			pos += step
		}
	case Int24:
		for i := 0; i < n; i++ {
			dst[i] = float32(f.get24(src[pos:])) * (1.0 / scale24)
			pos += step
		}
	case Int32:
		for i := 0; i < n; i++ {
			dst[i] = float32(float64(int32(bo.Uint32(src[pos:]))) * (1.0 / scale32))
			pos += step
		}
	case Float32:
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(bo.Uint32(src[pos:]))
			pos += step
		}
	}
}

// FromFloat encodes src[0:n] into dst. Integer targets saturate.
func (f Format) FromFloat(dst []byte, src []float32, offset, stride, n int) {
	if stride <= 0 || n <= 0 {
		return
	}
	bps := f.Encoding.BytesPerSample()
	pos, step := offset*bps, stride*bps
	bo := f.order()

	switch f.Encoding {
	case Int16:
		for i := 0; i < n; i++ {
			bo.PutUint16(dst[pos:], uint16(int16(quantize(src[i], scale16))))
			pos += step
		}
	case Int24:
		for i := 0; i < n; i++ {
			f.put24(dst[pos:], int32(quantize(src[i], scale24)))
			pos += step
		}
	case Int32:
		for i := 0; i < n; i++ {
			bo.PutUint32(dst[pos:], uint32(int32(quantize(src[i], scale32))))
			pos += step
		}
	case Float32:
		for i := 0; i < n; i++ {
			bo.PutUint32(dst[pos:], math.Float32bits(src[i]))
			pos += step
		}
	}
}

// Silence writes n zero samples.
func (f Format) Silence(dst []byte, offset, stride, n int) {
	if stride <= 0 || n <= 0 {
		return
	}
	bps := f.Encoding.BytesPerSample()
	pos, step := offset*bps, stride*bps
	for i := 0; i < n; i++ {
		clear(dst[pos : pos+bps])
		pos += step
	}
}

// Convert re-encodes n samples from one packed layout to another without an
// intermediate buffer.
func Convert(dstFmt Format, dst []byte, dstOffset, dstStride int, srcFmt Format, src []byte, srcOffset, srcStride, n int) {
	if dstStride <= 0 || srcStride <= 0 || n <= 0 {
		return
	}
	var one [1]float32
	for i := 0; i < n; i++ {
		srcFmt.ToFloat(one[:], src, srcOffset+i*srcStride, 1, 1)
		dstFmt.FromFloat(dst, one[:], dstOffset+i*dstStride, 1, 1)
	}
}

// Deinterleave decodes numFrames interleaved frames into per-channel buffers.
// Channels whose dst entry is nil (or missing) are skipped.
func (f Format) Deinterleave(dst [][]float32, src []byte, numChannels, numFrames int) {
	for ch := 0; ch < numChannels && ch < len(dst); ch++ {
		if dst[ch] == nil {
			continue
		}
		f.ToFloat(dst[ch], src, ch, numChannels, numFrames)
	}
}

// Interleave encodes per-channel buffers into numFrames interleaved frames.
// Channels whose src entry is nil (or missing) are written as silence.
func (f Format) Interleave(dst []byte, src [][]float32, numChannels, numFrames int) {
	for ch := 0; ch < numChannels; ch++ {
		if ch < len(src) && src[ch] != nil {
			f.FromFloat(dst, src[ch], ch, numChannels, numFrames)
		} else {
			f.Silence(dst, ch, numChannels, numFrames)
		}
	}
}

func quantize(x float32, scale float64) int64 {
	v := math.Round(float64(x) * scale)
	switch {
	case v >= scale-1:
		return int64(scale - 1)
	case v <= -scale:
		return int64(-scale)
	case v != v: // NaN
		return 0
	}
	return int64(v)
}

func (f Format) get24(b []byte) int32 {
	var u uint32
	if f.BigEndian {
		u = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	} else {
		u = uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
	}
	return int32(u<<8) >> 8
}

func (f Format) put24(b []byte, v int32) {
	if f.BigEndian {
		b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v)
	} else {
		b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
	}
}
