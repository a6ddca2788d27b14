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

package audio

import (
	"slices"

	"github.com/loqalabs/loqa-hal/internal/sampleformat"
)

// StandardSampleRates are probed on backends that cannot list their rates.
var StandardSampleRates = []float64{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// StandardBufferSizes are offered by backends that accept any block size.
var StandardBufferSizes = []int{64, 128, 256, 384, 448, 480, 512, 576, 1024, 2048}

// EncodingPreference is the order in which sample encodings are tried when a
// device is opened.
var EncodingPreference = []sampleformat.Encoding{
	sampleformat.Float32,
	sampleformat.Int32,
	sampleformat.Int24,
	sampleformat.Int16,
}

const preferredMinimumRate = 44100

// ChooseSampleRate picks the rate to open a device with. A supported request
// wins; otherwise the lowest rate at or above 44.1 kHz; otherwise the first
// rate the device lists. An empty list passes the request through.
func ChooseSampleRate(requested float64, rates []float64) float64 {
	if len(rates) == 0 {
		return requested
	}
	if requested > 0 && slices.Contains(rates, requested) {
		return requested
	}
	best := 0.0
	for _, r := range rates {
		if r >= preferredMinimumRate && (best == 0 || r < best) {
			best = r
		}
	}
	if best != 0 {
		return best
	}
	return rates[0]
}

// ChooseBufferSize picks the block size to open a device with. A supported
// request wins; a non-positive request selects defaultSize; otherwise the
// smallest listed size not below the request, or the largest listed size.
func ChooseBufferSize(requested int, sizes []int, defaultSize int) int {
	if requested <= 0 {
		if defaultSize > 0 {
			return defaultSize
		}
		if len(sizes) > 0 {
			return sizes[0]
		}
		return 0
	}
	if len(sizes) == 0 || slices.Contains(sizes, requested) {
		return requested
	}
	best, largest := 0, 0
	for _, s := range sizes {
		if s >= requested && (best == 0 || s < best) {
			best = s
		}
		largest = max(largest, s)
	}
	if best != 0 {
		return best
	}
	return largest
}

// NegotiateEncoding returns the first encoding in EncodingPreference that
// supported accepts.
func NegotiateEncoding(supported func(sampleformat.Encoding) bool) (sampleformat.Encoding, bool) {
	for _, e := range EncodingPreference {
		if supported(e) {
			return e, true
		}
	}
	return sampleformat.Float32, false
}
