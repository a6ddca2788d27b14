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

// Package sources holds audio sources and the callbacks that play and
// record them through a device manager.
package sources

import "errors"

var (
	// ErrUnsupportedFormat is returned for files no registered decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported audio file format")
	// ErrEmptyClip is returned when a decoded file has no frames.
	ErrEmptyClip = errors.New("audio file contains no samples")
)

// Source renders audio blocks on demand. Prepare is called before the first
// NextBlock and again whenever the device rate or block size changes;
// Release when playback stops.
type Source interface {
	Prepare(maxBlockSize int, sampleRate float64)
	Release()
	// NextBlock fills out[ch][0:n] for every channel in out. When driven by
	// a Player, out holds the device input on entry.
	NextBlock(out [][]float32, n int)
}

// PositionableSource is a Source with a seekable read position, in frames
// at the source's own rate.
type PositionableSource interface {
	Source
	Position() int64
	SetPosition(frame int64)
	Length() int64
	Looping() bool
	SetLooping(loop bool)
}

func clearBlock(out [][]float32, n int) {
	for _, ch := range out {
		if ch != nil {
			clear(ch[:n])
		}
	}
}
