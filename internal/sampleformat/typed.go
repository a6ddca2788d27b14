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

package sampleformat

import "math"

// Sample is a host-order integer sample type used by backends that hand out
// typed buffers instead of raw bytes.
type Sample interface {
	~int16 | ~int32
}

func intScale[T Sample]() float64 {
	var z T
	switch any(z).(type) {
	case int16:
		return scale16
	default:
		return scale32
	}
}

// IntsToFloat decodes n host-order integer samples into dst[0:n].
func IntsToFloat[T Sample](dst []float32, src []T, offset, stride, n int) {
	if stride <= 0 || n <= 0 {
		return
	}
	inv := 1.0 / intScale[T]()
	pos := offset
	for i := 0; i < n; i++ {
		dst[i] = float32(float64(src[pos]) * inv)
		pos += stride
	}
}

// FloatToInts encodes src[0:n] into host-order integer samples, saturating.
func FloatToInts[T Sample](dst []T, src []float32, offset, stride, n int) {
	if stride <= 0 || n <= 0 {
		return
	}
	scale := intScale[T]()
	pos := offset
	for i := 0; i < n; i++ {
		dst[pos] = T(quantize(src[i], scale))
		pos += stride
	}
}

// DeinterleaveFloats splits interleaved float frames into per-channel buffers.
func DeinterleaveFloats(dst [][]float32, src []float32, numChannels, numFrames int) {
	for ch := 0; ch < numChannels && ch < len(dst); ch++ {
		d := dst[ch]
		if d == nil {
			continue
		}
		for i, pos := 0, ch; i < numFrames; i, pos = i+1, pos+numChannels {
			d[i] = src[pos]
		}
	}
}

// InterleaveFloats merges per-channel buffers into interleaved float frames.
// Missing channels become silence.
func InterleaveFloats(dst []float32, src [][]float32, numChannels, numFrames int) {
	for ch := 0; ch < numChannels; ch++ {
		var s []float32
		if ch < len(src) {
			s = src[ch]
		}
		for i, pos := 0, ch; i < numFrames; i, pos = i+1, pos+numChannels {
			if s == nil {
				dst[pos] = 0
			} else {
				dst[pos] = s[i]
			}
		}
	}
}

// DeinterleaveInts splits interleaved integer frames into per-channel floats.
func DeinterleaveInts[T Sample](dst [][]float32, src []T, numChannels, numFrames int) {
	for ch := 0; ch < numChannels && ch < len(dst); ch++ {
		if dst[ch] != nil {
			IntsToFloat(dst[ch], src, ch, numChannels, numFrames)
		}
	}
}

// InterleaveInts merges per-channel floats into interleaved integer frames.
func InterleaveInts[T Sample](dst []T, src [][]float32, numChannels, numFrames int) {
	for ch := 0; ch < numChannels; ch++ {
		if ch < len(src) && src[ch] != nil {
			FloatToInts(dst, src[ch], ch, numChannels, numFrames)
			continue
		}
		for i, pos := 0, ch; i < numFrames; i, pos = i+1, pos+numChannels {
			dst[pos] = 0
		}
	}
}

// Clamp limits every sample of buf to [-1, 1].
func Clamp(buf []float32) {
	for i, v := range buf {
		buf[i] = float32(math.Max(-1, math.Min(1, float64(v))))
	}
}
