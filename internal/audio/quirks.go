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

// BufferSizeQuirk is a driver workaround keyed by device name.
type BufferSizeQuirk struct {
	// Pattern is a case-insensitive wildcard matched against device names.
	Pattern string
	// ForcePreferredSize ignores requested buffer sizes and always opens
	// with the driver's preferred size.
	ForcePreferredSize bool
}

// BufferSizeQuirks is a driver-quirk table consulted by duplex backends that
// expose a single preferred block size (ASIO).
type BufferSizeQuirks []BufferSizeQuirk

// DefaultBufferSizeQuirks lists drivers known to misbehave when asked for a
// block size other than their preferred one.
var DefaultBufferSizeQuirks = BufferSizeQuirks{
	{Pattern: "*Digidesign*", ForcePreferredSize: true},
}

// Lookup returns the first quirk whose pattern matches deviceName.
func (q BufferSizeQuirks) Lookup(deviceName string) (BufferSizeQuirk, bool) {
	for _, quirk := range q {
		if MatchesWildcard(deviceName, quirk.Pattern) {
			return quirk, true
		}
	}
	return BufferSizeQuirk{}, false
}
