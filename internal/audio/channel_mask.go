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
	"fmt"
	"math/bits"
	"strconv"
)

// MaxChannels is the widest channel layout a ChannelMask can describe.
const MaxChannels = 64

// ChannelMask is a bit-per-channel activation set. Bit i corresponds to the
// i-th entry of a device's input or output channel name list.
type ChannelMask uint64

// ChannelRange returns a mask with channels [start, start+n) set.
func ChannelRange(start, n int) ChannelMask {
	if n <= 0 || start >= MaxChannels {
		return 0
	}
	if start+n >= MaxChannels {
		n = MaxChannels - start
	}
	if n == MaxChannels {
		return ^ChannelMask(0)
	}
	return ChannelMask((uint64(1)<<uint(n))-1) << uint(start)
}

// Has reports whether channel ch is active.
func (m ChannelMask) Has(ch int) bool {
	return ch >= 0 && ch < MaxChannels && m&(1<<uint(ch)) != 0
}

// With returns m with channel ch switched on or off.
func (m ChannelMask) With(ch int, on bool) ChannelMask {
	if ch < 0 || ch >= MaxChannels {
		return m
	}
	if on {
		return m | 1<<uint(ch)
	}
	return m &^ (1 << uint(ch))
}

// Count returns the number of active channels.
func (m ChannelMask) Count() int { return bits.OnesCount64(uint64(m)) }

// Highest returns the index of the highest active channel, or -1.
func (m ChannelMask) Highest() int { return bits.Len64(uint64(m)) - 1 }

// Limit clears every channel at or above n.
func (m ChannelMask) Limit(n int) ChannelMask {
	if n >= MaxChannels {
		return m
	}
	if n <= 0 {
		return 0
	}
	return m & ChannelRange(0, n)
}

// Channels lists the active channel indices in ascending order.
func (m ChannelMask) Channels() []int {
	out := make([]int, 0, m.Count())
	for v := uint64(m); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

// String renders the mask as a binary string, most significant channel
// first. This is the compact form stored in saved device setups.
func (m ChannelMask) String() string { return strconv.FormatUint(uint64(m), 2) }

// ParseChannelMask parses the binary form produced by String.
func ParseChannelMask(s string) (ChannelMask, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 2, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid channel mask %q: %w", s, err)
	}
	return ChannelMask(v), nil
}
